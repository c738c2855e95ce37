package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/videoproxy/internal/auth"
	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/storage"
	"github.com/italolelis/videoproxy/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFiles struct {
	records map[string]*media.FileRecord
}

func (f *fakeFiles) GetFile(_ context.Context, id string) (*media.FileRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return rec, nil
}

type fakeOrigin struct {
	mu        sync.Mutex
	content   map[string][]byte
	gate      chan struct{}
	failOpens int
	metaErr   error
	unsized   bool
	opens     atomic.Int32
}

func (f *fakeOrigin) Metadata(_ context.Context, originID string) (*media.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.metaErr != nil {
		return nil, f.metaErr
	}

	data, ok := f.content[originID]
	if !ok {
		return nil, &media.OriginError{Op: "metadata", Kind: media.KindNotFound}
	}

	return &media.Metadata{Name: originID + ".mp4", MimeType: "video/mp4", SizeBytes: int64(len(data))}, nil
}

func (f *fakeOrigin) Open(ctx context.Context, originID string, rng *media.ByteRange) (*media.Stream, error) {
	f.opens.Add(1)

	f.mu.Lock()
	gate := f.gate
	fail := f.failOpens > 0
	if fail {
		f.failOpens--
	}
	data, ok := f.content[originID]
	unsized := f.unsized
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, &media.OriginError{Op: "open", Kind: media.KindNetwork, StatusCode: http.StatusBadGateway, Message: "upstream reset"}
	}

	if !ok {
		return nil, &media.OriginError{Op: "open", Kind: media.KindNotFound}
	}

	total := int64(len(data))
	start, end := int64(0), total-1

	if rng != nil {
		start, end = rng.Start, rng.End
	}

	body := io.NopCloser(bytes.NewReader(data[start : end+1]))

	if unsized && rng == nil {
		return &media.Stream{Body: body, ContentType: "video/mp4", End: media.UnknownSize, TotalSize: media.UnknownSize}, nil
	}

	return &media.Stream{
		Body:        body,
		ContentType: "video/mp4",
		Start:       start,
		End:         end,
		TotalSize:   total,
		Partial:     rng != nil,
	}, nil
}

func (f *fakeOrigin) Usage(context.Context) (*media.Usage, error) {
	return &media.Usage{Used: 10, Size: 100, Avail: 90}, nil
}

type testEnv struct {
	handler http.Handler
	origin  *fakeOrigin
	store   *cache.Store
	engine  *strategy.Engine
	files   *fakeFiles
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return data
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	origin := &fakeOrigin{content: map[string][]byte{
		"o-small": payload(1000),
		"o-large": payload(20000),
	}}

	files := &fakeFiles{records: map[string]*media.FileRecord{
		"small":   {ID: "small", OriginFileID: "o-small", MimeType: "video/mp4", SizeBytes: 1000, IsPublic: true},
		"large":   {ID: "large", OriginFileID: "o-large", MimeType: "video/mp4", SizeBytes: 20000, IsPublic: true},
		"private": {ID: "private", OriginFileID: "o-small", MimeType: "video/mp4", SizeBytes: 1000, AllowDownload: true},
		"gone":    {ID: "gone", OriginFileID: "o-missing", MimeType: "video/mp4", SizeBytes: 1000, IsPublic: true},
	}}

	store := cache.New(t.TempDir(), origin, cache.WithMaxBytes(10000))
	require.NoError(t, store.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = store.Shutdown(ctx)
	})

	cfg := strategy.DefaultConfig()
	cfg.MaxCacheBytes = 10000
	cfg.MaxSingleFileCacheBytes = 10000

	engine := strategy.NewEngine(store, cfg, nil)

	return &testEnv{
		handler: NewVideoHandler(files, origin, store, engine, nil).Routes(),
		origin:  origin,
		store:   store,
		engine:  engine,
		files:   files,
	}
}

func (e *testEnv) do(method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func TestVideo_CachesSmallFileThenServesFromDisk(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/small?userCount=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload(1000), rec.Body.Bytes())
	assert.Equal(t, "cache", rec.Header().Get(StrategyHeader))
	assert.Equal(t, "file fits in cache (priority 0.58)", rec.Header().Get(StrategyReasonHeader))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, int32(1), env.origin.opens.Load())

	rec = env.do(http.MethodGet, "/small", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already cached", rec.Header().Get(StrategyReasonHeader))
	assert.Equal(t, int32(1), env.origin.opens.Load())
}

func TestVideo_RangeRequests(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		rangeHdr  string
		wantCode  int
		wantRange string
		wantBody  []byte
	}{
		{
			name:      "cached prefix",
			target:    "/cache/small",
			rangeHdr:  "bytes=0-99",
			wantCode:  http.StatusPartialContent,
			wantRange: "bytes 0-99/1000",
			wantBody:  payload(1000)[0:100],
		},
		{
			name:      "cached open ended",
			target:    "/cache/small",
			rangeHdr:  "bytes=900-",
			wantCode:  http.StatusPartialContent,
			wantRange: "bytes 900-999/1000",
			wantBody:  payload(1000)[900:],
		},
		{
			name:      "streamed suffix",
			target:    "/stream/large",
			rangeHdr:  "bytes=-500",
			wantCode:  http.StatusPartialContent,
			wantRange: "bytes 19500-19999/20000",
			wantBody:  payload(20000)[19500:],
		},
		{
			name:      "streamed end clamped",
			target:    "/stream/small",
			rangeHdr:  "bytes=990-5000",
			wantCode:  http.StatusPartialContent,
			wantRange: "bytes 990-999/1000",
			wantBody:  payload(1000)[990:],
		},
		{
			name:     "multi range served in full",
			target:   "/stream/small",
			rangeHdr: "bytes=0-1,5-6",
			wantCode: http.StatusOK,
			wantBody: payload(1000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(http.MethodGet, tt.target, map[string]string{"Range": tt.rangeHdr})
			require.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantRange, rec.Header().Get("Content-Range"))
			assert.Equal(t, tt.wantBody, rec.Body.Bytes())
		})
	}
}

func TestVideo_RangeNotSatisfiable(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/small", map[string]string{"Range": "bytes=5000-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))
	assert.NotEmpty(t, rec.Header().Get(StrategyHeader))
}

func TestVideo_Errors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		headers  map[string]string
		wantCode int
		wantErr  string
	}{
		{name: "unknown record", target: "/missing", wantCode: http.StatusNotFound, wantErr: "video not found"},
		{name: "object gone from origin", target: "/gone", wantCode: http.StatusNotFound, wantErr: "video not found"},
		{name: "private file anonymous", target: "/private", wantCode: http.StatusForbidden, wantErr: "authentication required"},
		{
			name:     "download not allowed",
			target:   "/small?download=1",
			headers:  map[string]string{auth.UserIDHeader: "u1"},
			wantCode: http.StatusForbidden,
			wantErr:  "downloads disabled for this file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(http.MethodGet, tt.target, tt.headers)
			require.Equal(t, tt.wantCode, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body.Error)
			assert.Equal(t, "none", body.Strategy)
			assert.Equal(t, "none", rec.Header().Get(StrategyHeader))
		})
	}
}

func TestVideo_PrivateFileForAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/stream/private?download=1", map[string]string{auth.UserIDHeader: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "o-small.mp4")
}

func TestVideo_LargeFileIsStreamed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/large", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stream", rec.Header().Get(StrategyHeader))
	assert.Equal(t, "file too large for cache", rec.Header().Get(StrategyReasonHeader))
	assert.Len(t, rec.Body.Bytes(), 20000)
	assert.False(t, env.store.IsCached("large", "video/mp4"))
}

func TestVideo_ConcurrentCacheRequestIsBusy(t *testing.T) {
	env := newTestEnv(t)

	gate := make(chan struct{})
	env.origin.mu.Lock()
	env.origin.gate = gate
	env.origin.mu.Unlock()

	first := make(chan *httptest.ResponseRecorder, 1)

	go func() {
		first <- env.do(http.MethodGet, "/cache/small", nil)
	}()

	require.Eventually(t, func() bool { return env.store.Downloading("small") }, 2*time.Second, 5*time.Millisecond)

	rec := env.do(http.MethodGet, "/cache/small", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "cache", rec.Header().Get(StrategyHeader))

	var body busyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.IsDownloading)
	assert.Equal(t, "cache", body.Strategy)

	close(gate)

	select {
	case rec := <-first:
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, payload(1000), rec.Body.Bytes())
	case <-time.After(5 * time.Second):
		t.Fatal("first request did not complete")
	}

	assert.Equal(t, int32(1), env.origin.opens.Load())
}

func TestVideo_CacheFailureFallsBackToStream(t *testing.T) {
	env := newTestEnv(t)
	env.origin.failOpens = 1

	rec := env.do(http.MethodGet, "/small", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload(1000), rec.Body.Bytes())
	assert.Equal(t, "stream", rec.Header().Get(StrategyHeader))
	assert.Equal(t, "cache unavailable, streamed from origin", rec.Header().Get(StrategyReasonHeader))
	assert.Equal(t, int32(2), env.origin.opens.Load())
	assert.False(t, env.store.IsCached("small", "video/mp4"))
}

func TestVideo_FallbackFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.origin.failOpens = 2

	rec := env.do(http.MethodGet, "/small", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "stream", rec.Header().Get(StrategyHeader))
	assert.Equal(t, int32(2), env.origin.opens.Load())
}

func TestVideo_MetadataFailureStreamsDirectly(t *testing.T) {
	env := newTestEnv(t)
	env.origin.metaErr = &media.OriginError{Op: "metadata", Kind: media.KindTimeout, Message: "deadline exceeded"}

	rec := env.do(http.MethodGet, "/small", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stream", rec.Header().Get(StrategyHeader))
	assert.Equal(t, "origin metadata unavailable", rec.Header().Get(StrategyReasonHeader))
	assert.Equal(t, payload(1000), rec.Body.Bytes())
}

func TestVideo_Head(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodHead, "/stream/small", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Body.Bytes())

	rec = env.do(http.MethodHead, "/stream/small", map[string]string{"Range": "bytes=100-199"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))

	assert.Zero(t, env.origin.opens.Load())
}

func TestVideo_StreamsOriginWithoutContentLength(t *testing.T) {
	env := newTestEnv(t)
	env.origin.unsized = true

	rec := env.do(http.MethodGet, "/stream/small", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, payload(1000), rec.Body.Bytes())
}

func TestVideo_StreamFailureRetriesOnce(t *testing.T) {
	tests := []struct {
		name       string
		failOpens  int
		wantStatus int
	}{
		{name: "transient failure recovers", failOpens: 1, wantStatus: http.StatusOK},
		{name: "persistent failure is bad gateway", failOpens: 2, wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.origin.failOpens = tt.failOpens

			rec := env.do(http.MethodGet, "/stream/small", nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "stream", rec.Header().Get(StrategyHeader))
			assert.Equal(t, "origin stream retried", rec.Header().Get(StrategyReasonHeader))
			assert.Equal(t, int32(2), env.origin.opens.Load())
		})
	}
}

func TestVideo_Analyze(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/analyze/small?userCount=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body analyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "small", body.ID)
	assert.Equal(t, strategy.Cache, body.Strategy)
	assert.False(t, body.Cached)
	assert.Zero(t, env.origin.opens.Load())
	assert.False(t, env.store.IsCached("small", "video/mp4"))
}

func TestVideo_PreloadStatsAndClear(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/preload",
		strings.NewReader(`{"videos":[{"id":"small","userCount":3},{"id":"large","userCount":1},{"id":"missing"}]}`))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var plan preloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	require.Len(t, plan.Plan, 2)
	assert.Equal(t, "small", plan.Plan[0].FileID)
	assert.True(t, plan.Plan[0].Queued)
	assert.False(t, plan.Plan[1].Queued)
	assert.Equal(t, []preloadSkip{{ID: "missing", Reason: "video not found"}}, plan.Skipped)

	env.engine.WaitPreloads()
	assert.True(t, env.store.IsCached("small", "video/mp4"))

	rec = env.do(http.MethodGet, "/cache-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Cache.FileCount)
	assert.Equal(t, int64(1000), stats.Cache.TotalBytes)
	require.NotNil(t, stats.Origin)
	assert.Equal(t, int64(90), stats.Origin.Avail)

	rec = env.do(http.MethodDelete, "/cache", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "authentication required", rec.Header().Get(StrategyReasonHeader))

	rec = env.do(http.MethodDelete, "/cache", map[string]string{auth.UserIDHeader: "u1"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "missing permission videos:manage", rec.Header().Get(StrategyReasonHeader))
	assert.True(t, env.store.IsCached("small", "video/mp4"))

	rec = env.do(http.MethodDelete, "/cache", map[string]string{
		auth.UserIDHeader:      "admin",
		auth.PermissionsHeader: "videos:read, videos:manage",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
	assert.False(t, env.store.IsCached("small", "video/mp4"))
}

func TestVideo_PreloadInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/preload", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
