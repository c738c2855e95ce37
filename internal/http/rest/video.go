package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/videoproxy/internal/access"
	"github.com/italolelis/videoproxy/internal/auth"
	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/storage"
	"github.com/italolelis/videoproxy/internal/strategy"
	"github.com/italolelis/videoproxy/internal/telemetry"
)

const (
	StrategyHeader       = "X-Video-Strategy"
	StrategyReasonHeader = "X-Video-Strategy-Reason"

	defaultRetryAfter = 5 * time.Second
	copyBufferSize    = 256 * 1024
)

// CacheStore is the subset of the disk cache the endpoint drives.
type CacheStore interface {
	GetOrDownload(ctx context.Context, req cache.DownloadRequest) (*cache.DownloadResult, error)
	ServeRange(entry *media.CacheEntry, rng *media.ByteRange) (*cache.RangeReader, error)
	Downloading(id string) bool
	ClearAll(ctx context.Context) (int, error)
}

type mode string

const (
	modeAuto   mode = "auto"
	modeCache  mode = "cache"
	modeStream mode = "stream"
)

// asset is what the endpoint knows about a file after resolving it.
type asset struct {
	record   *media.FileRecord
	name     string
	mimeType string
	size     int64
}

type errorResponse struct {
	Error    string `json:"error"`
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
}

type busyResponse struct {
	IsDownloading bool   `json:"isDownloading"`
	Strategy      string `json:"strategy"`
	Reason        string `json:"reason"`
	RetryAfter    int    `json:"retryAfter"`
}

type analyzeResponse struct {
	ID          string `json:"id"`
	SizeBytes   int64  `json:"sizeBytes"`
	MimeType    string `json:"mimeType"`
	Downloading bool   `json:"downloading"`
	strategy.Decision
}

type preloadRequest struct {
	Videos []struct {
		ID        string `json:"id"`
		UserCount int    `json:"userCount"`
	} `json:"videos"`
}

type preloadResponse struct {
	Plan    []strategy.PreloadPlan `json:"plan"`
	Skipped []preloadSkip          `json:"skipped,omitempty"`
}

type preloadSkip struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type statsResponse struct {
	Cache  strategy.Stats `json:"cache"`
	Origin *media.Usage   `json:"origin,omitempty"`
}

// VideoHandler delivers videos either from the local cache or straight from the origin.
type VideoHandler struct {
	files      storage.FileReadRepository
	origin     media.Origin
	store      CacheStore
	engine     *strategy.Engine
	telemetry  *telemetry.Telemetry
	retryAfter time.Duration
}

// NewVideoHandler creates a new delivery handler.
func NewVideoHandler(files storage.FileReadRepository, origin media.Origin, store CacheStore, engine *strategy.Engine, t *telemetry.Telemetry) *VideoHandler {
	return &VideoHandler{
		files:      files,
		origin:     origin,
		store:      store,
		engine:     engine,
		telemetry:  t,
		retryAfter: defaultRetryAfter,
	}
}

func (h *VideoHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware)

	r.Get("/cache-stats", h.HandleCacheStats)
	r.With(requireManage).Delete("/cache", h.HandleClearCache)
	r.Post("/preload", h.HandlePreload)
	r.Get("/analyze/{id}", h.HandleAnalyze)

	for _, m := range []string{http.MethodGet, http.MethodHead} {
		r.Method(m, "/{id}", h.deliver(modeAuto))
		r.Method(m, "/cache/{id}", h.deliver(modeCache))
		r.Method(m, "/stream/{id}", h.deliver(modeStream))
	}

	return r
}

func (h *VideoHandler) deliver(m mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serveVideo(w, r, m)
	}
}

func (h *VideoHandler) serveVideo(w http.ResponseWriter, r *http.Request, m mode) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	logger := logctx.LoggerFromContext(ctx).With("file_id", id, "mode", m)
	ctx = logctx.WithLogger(ctx, logger)

	rec, ok := h.authorize(ctx, w, r, id)
	if !ok {
		return
	}

	a, metaErr := h.resolve(ctx, rec)
	if metaErr != nil && errors.Is(metaErr, media.ErrNotFound) {
		writeError(w, http.StatusNotFound, "video not found", strategy.Decision{})

		return
	}

	if a.size <= 0 {
		logger.ErrorContext(ctx, "video size unknown", "err", metaErr)
		writeError(w, http.StatusBadGateway, "origin unavailable", strategy.Decision{})

		return
	}

	if r.URL.Query().Get("download") == "1" {
		if err := access.CanDownload(rec, auth.FromContext(ctx)).Denied(rec.ID); err != nil {
			logger.InfoContext(ctx, "download denied", "err", err)
			writeForbidden(w, err)

			return
		}

		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.name}))
	}

	var d strategy.Decision

	switch {
	case metaErr != nil:
		logger.WarnContext(ctx, "origin metadata failed, streaming directly", "err", metaErr)
		h.telemetry.RecordFallback(ctx, "metadata")

		d = strategy.Fallback("origin metadata unavailable")
	case m == modeCache:
		d = h.engine.Force(ctx, strategy.Cache)
	case m == modeStream:
		d = h.engine.Force(ctx, strategy.Stream)
	default:
		var err error

		d, err = h.engine.Decide(ctx, strategy.Request{
			FileID:     rec.ID,
			MimeType:   a.mimeType,
			SizeBytes:  a.size,
			Popularity: userCount(r),
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to decide delivery strategy", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error", strategy.Decision{})

			return
		}
	}

	rng, err := media.ParseRange(r.Header.Get("Range"), a.size)
	if err != nil {
		writeRangeNotSatisfiable(w, a.size, d)

		return
	}

	if d.Strategy == strategy.Cache {
		served, fallbackErr := h.serveFromCache(ctx, w, r, a, rng, d)
		if served {
			return
		}

		logger.WarnContext(ctx, "cache path failed, streaming directly", "err", fallbackErr)
		h.telemetry.RecordFallback(ctx, "cache")

		d = strategy.Fallback("cache unavailable, streamed from origin")

		h.serveFromOrigin(ctx, w, r, a, rng, d, false)

		return
	}

	h.serveFromOrigin(ctx, w, r, a, rng, d, true)
}

// authorize resolves the file record and applies the access gate, writing the error
// response when the request cannot proceed.
func (h *VideoHandler) authorize(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) (*media.FileRecord, bool) {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := h.files.GetFile(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "video not found", strategy.Decision{})

			return nil, false
		}

		logger.ErrorContext(ctx, "failed to load file record", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", strategy.Decision{})

		return nil, false
	}

	if err := access.CanAccess(rec, auth.FromContext(r.Context())).Denied(rec.ID); err != nil {
		logger.InfoContext(ctx, "access denied", "err", err)
		writeForbidden(w, err)

		return nil, false
	}

	return rec, true
}

// resolve combines the record with origin metadata. On a metadata failure the returned
// asset still carries what the record knows.
func (h *VideoHandler) resolve(ctx context.Context, rec *media.FileRecord) (asset, error) {
	a := asset{
		record:   rec,
		name:     rec.ID + cache.Extension(rec.MimeType),
		mimeType: rec.MimeType,
		size:     rec.SizeBytes,
	}

	meta, err := h.origin.Metadata(ctx, rec.OriginFileID)
	if err != nil {
		return a, err
	}

	if meta.Name != "" {
		a.name = meta.Name
	}

	if a.mimeType == "" {
		a.mimeType = meta.MimeType
	}

	if a.size <= 0 {
		a.size = meta.SizeBytes
	} else if meta.SizeBytes != a.size {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "file record size differs from origin",
			"record_size", a.size,
			"origin_size", meta.SizeBytes)
	}

	return a, nil
}

// serveFromCache reports whether the response was handled. When it was not, nothing has
// been written and the returned error explains why.
func (h *VideoHandler) serveFromCache(ctx context.Context, w http.ResponseWriter, r *http.Request, a asset, rng *media.ByteRange, d strategy.Decision) (bool, error) {
	res, err := h.store.GetOrDownload(ctx, cache.DownloadRequest{
		FileID:       a.record.ID,
		OriginID:     a.record.OriginFileID,
		MimeType:     a.mimeType,
		ExpectedSize: a.size,
	})
	if err != nil {
		return false, err
	}

	if res.Busy {
		secs := int(h.retryAfter / time.Second)

		setStrategyHeaders(w, d)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusAccepted, busyResponse{
			IsDownloading: true,
			Strategy:      string(d.Strategy),
			Reason:        d.Reason,
			RetryAfter:    secs,
		})

		return true, nil
	}

	rr, err := h.store.ServeRange(res.Entry, rng)
	if err != nil {
		return false, err
	}
	defer rr.Close()

	h.writeBody(ctx, w, r, rr, rr.Size(), res.Entry.MimeType, rng, d)

	return true, nil
}

// serveFromOrigin copies the origin stream to the client. When retry is set a transient
// open failure gets one more direct attempt before the error is reported.
func (h *VideoHandler) serveFromOrigin(ctx context.Context, w http.ResponseWriter, r *http.Request, a asset, rng *media.ByteRange, d strategy.Decision, retry bool) {
	logger := logctx.LoggerFromContext(ctx)

	if r.Method == http.MethodHead {
		length := a.size
		if rng != nil {
			length = rng.Length()
		}

		h.writeBody(ctx, w, r, http.NoBody, length, a.mimeType, rng, d)

		return
	}

	st, err := h.origin.Open(ctx, a.record.OriginFileID, rng)

	var originErr *media.OriginError
	if err != nil && retry && errors.As(err, &originErr) && originErr.Retryable() {
		logger.WarnContext(ctx, "origin stream failed, retrying directly", "err", err)
		h.telemetry.RecordFallback(ctx, "stream")

		d = strategy.Fallback("origin stream retried")
		st, err = h.origin.Open(ctx, a.record.OriginFileID, rng)
	}

	if err != nil {
		switch {
		case errors.Is(err, media.ErrRangeNotSatisfiable):
			writeRangeNotSatisfiable(w, a.size, d)
		case errors.Is(err, media.ErrNotFound):
			writeError(w, http.StatusNotFound, "video not found", d)
		case media.KindOf(err) != "":
			logger.ErrorContext(ctx, "failed to open origin stream", "err", err)
			writeError(w, http.StatusBadGateway, "origin unavailable", d)
		default:
			logger.ErrorContext(ctx, "failed to open origin stream", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error", d)
		}

		return
	}
	defer st.Body.Close()

	contentType := st.ContentType
	if contentType == "" {
		contentType = a.mimeType
	}

	length := st.Length()
	if length == media.UnknownSize {
		length = a.size
	}

	h.writeBody(ctx, w, r, st.Body, length, contentType, st.Range(), d)
}

func (h *VideoHandler) writeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, body io.Reader, length int64, contentType string, rng *media.ByteRange, d strategy.Decision) {
	setStrategyHeaders(w, d)

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(length, 10))

	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	status := http.StatusOK
	if rng != nil {
		status = http.StatusPartialContent
		header.Set("Content-Range", rng.ContentRange())
	}

	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	n, err := io.CopyBuffer(w, body, make([]byte, copyBufferSize))
	if err != nil {
		// the status is already on the wire
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "video delivery interrupted",
			"strategy", d.Strategy,
			"written", n,
			"expected", length,
			"err", err)
	}
}

// HandleAnalyze reports the strategy a request would get, without side effects.
func (h *VideoHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	logger := logctx.LoggerFromContext(ctx).With("file_id", id)

	rec, ok := h.authorize(ctx, w, r, id)
	if !ok {
		return
	}

	d, err := h.engine.Analyze(ctx, strategy.Request{
		FileID:     rec.ID,
		MimeType:   rec.MimeType,
		SizeBytes:  rec.SizeBytes,
		Popularity: userCount(r),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to analyze delivery strategy", "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error(), strategy.Decision{})

		return
	}

	setStrategyHeaders(w, d)
	writeJSON(w, http.StatusOK, analyzeResponse{
		ID:          rec.ID,
		SizeBytes:   rec.SizeBytes,
		MimeType:    rec.MimeType,
		Downloading: h.store.Downloading(rec.ID),
		Decision:    d,
	})
}

// HandlePreload queues background downloads for the videos most worth caching.
func (h *VideoHandler) HandlePreload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req preloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.ErrorContext(ctx, "failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body", strategy.Decision{})

		return
	}

	principal := auth.FromContext(ctx)

	var (
		candidates []strategy.PreloadCandidate
		skipped    []preloadSkip
	)

	for _, v := range req.Videos {
		rec, err := h.files.GetFile(ctx, v.ID)
		if err != nil {
			reason := "lookup failed"
			if storage.IsNotFound(err) {
				reason = "video not found"
			} else {
				logger.ErrorContext(ctx, "failed to load file record", "file_id", v.ID, "err", err)
			}

			skipped = append(skipped, preloadSkip{ID: v.ID, Reason: reason})

			continue
		}

		if verdict := access.CanAccess(rec, principal); !verdict.Allowed {
			skipped = append(skipped, preloadSkip{ID: v.ID, Reason: verdict.Reason})

			continue
		}

		candidates = append(candidates, strategy.PreloadCandidate{Record: rec, Popularity: v.UserCount})
	}

	plan, err := h.engine.PreloadRanked(ctx, candidates)
	if err != nil {
		if errors.Is(err, strategy.ErrPreloadDisabled) {
			writeError(w, http.StatusConflict, err.Error(), strategy.Decision{})

			return
		}

		logger.ErrorContext(ctx, "failed to plan preload", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", strategy.Decision{})

		return
	}

	writeJSON(w, http.StatusAccepted, preloadResponse{Plan: plan, Skipped: skipped})
}

// HandleCacheStats reports cache occupancy and, when reachable, the origin quota.
func (h *VideoHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	stats, err := h.engine.Stats()
	if err != nil {
		logger.ErrorContext(ctx, "failed to read cache stats", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", strategy.Decision{})

		return
	}

	resp := statsResponse{Cache: stats}

	usage, err := h.origin.Usage(ctx)
	if err != nil {
		logger.WarnContext(ctx, "failed to read origin usage", "err", err)
	} else {
		resp.Origin = usage
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleClearCache drops every complete cache entry.
func (h *VideoHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	n, err := h.store.ClearAll(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to clear cache", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", strategy.Decision{})

		return
	}

	logger.InfoContext(ctx, "cache cleared", "removed", n)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func userCount(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("userCount"))
	if err != nil || n < 0 {
		return 0
	}

	return n
}

func setStrategyHeaders(w http.ResponseWriter, d strategy.Decision) {
	s := string(d.Strategy)
	if s == "" {
		s = "none"
	}

	w.Header().Set(StrategyHeader, s)

	if d.Reason != "" {
		w.Header().Set(StrategyReasonHeader, d.Reason)
	}
}

func writeRangeNotSatisfiable(w http.ResponseWriter, size int64, d strategy.Decision) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	writeError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable", d)
}

func writeError(w http.ResponseWriter, status int, msg string, d strategy.Decision) {
	if d.Strategy == "" {
		d.Strategy = "none"
	}

	if d.Reason == "" {
		d.Reason = msg
	}

	setStrategyHeaders(w, d)
	writeJSON(w, status, errorResponse{Error: msg, Strategy: string(d.Strategy), Reason: d.Reason})
}

func writeForbidden(w http.ResponseWriter, err error) {
	reason := "access denied"

	var denied *media.AccessDeniedError
	if errors.As(err, &denied) {
		reason = denied.Reason
	}

	writeError(w, http.StatusForbidden, reason, strategy.Decision{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
