package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/videoproxy/internal/access"
	"github.com/italolelis/videoproxy/internal/auth"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/storage"
	"github.com/italolelis/videoproxy/internal/strategy"
)

// FileCache drops cached copies of a single file.
type FileCache interface {
	ClearFile(ctx context.Context, id string) error
}

type fileRequest struct {
	OriginFileID  string `json:"originFileId"`
	MimeType      string `json:"mimeType"`
	SizeBytes     int64  `json:"sizeBytes"`
	IsPublic      bool   `json:"isPublic"`
	AllowDownload bool   `json:"allowDownload"`
}

type fileResponse struct {
	ID            string `json:"id"`
	OriginFileID  string `json:"originFileId"`
	MimeType      string `json:"mimeType"`
	SizeBytes     int64  `json:"sizeBytes"`
	IsPublic      bool   `json:"isPublic"`
	AllowDownload bool   `json:"allowDownload"`
}

// FilesHandler manages the file records videos are resolved from.
type FilesHandler struct {
	files storage.FileWriteRepository
	cache FileCache
}

func NewFilesHandler(files storage.FileWriteRepository, cache FileCache) *FilesHandler {
	return &FilesHandler{files: files, cache: cache}
}

func (h *FilesHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware)
	r.Use(requireManage)

	r.Put("/{id}", h.HandlePut)
	r.Delete("/{id}", h.HandleDelete)

	return r
}

// HandlePut creates or replaces a file record. Cached bytes of the previous version
// are dropped.
func (h *FilesHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	logger := logctx.LoggerFromContext(ctx).With("file_id", id)

	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.ErrorContext(ctx, "failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body", strategy.Decision{})

		return
	}

	switch {
	case req.OriginFileID == "":
		writeError(w, http.StatusBadRequest, "originFileId is required", strategy.Decision{})

		return
	case req.SizeBytes < 0:
		writeError(w, http.StatusBadRequest, "sizeBytes must not be negative", strategy.Decision{})

		return
	}

	rec := &media.FileRecord{
		ID:            id,
		OriginFileID:  req.OriginFileID,
		MimeType:      req.MimeType,
		SizeBytes:     req.SizeBytes,
		IsPublic:      req.IsPublic,
		AllowDownload: req.AllowDownload,
	}

	if err := h.files.UpsertFile(ctx, rec); err != nil {
		var contractErr *media.ContractError
		if errors.As(err, &contractErr) {
			writeError(w, http.StatusBadRequest, err.Error(), strategy.Decision{})

			return
		}

		logger.ErrorContext(ctx, "failed to save file record", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", strategy.Decision{})

		return
	}

	if err := h.cache.ClearFile(ctx, id); err != nil {
		logger.WarnContext(ctx, "failed to drop cached copies", "err", err)
	}

	logger.InfoContext(ctx, "file record saved", "origin_file_id", rec.OriginFileID)

	writeJSON(w, http.StatusOK, fileResponse(*rec))
}

// HandleDelete removes a file record and its cached copies.
func (h *FilesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	logger := logctx.LoggerFromContext(ctx).With("file_id", id)

	if err := h.files.DeleteFile(ctx, id); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "video not found", strategy.Decision{})

			return
		}

		logger.ErrorContext(ctx, "failed to delete file record", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", strategy.Decision{})

		return
	}

	if err := h.cache.ClearFile(ctx, id); err != nil {
		logger.WarnContext(ctx, "failed to drop cached copies", "err", err)
	}

	logger.InfoContext(ctx, "file record deleted")

	w.WriteHeader(http.StatusNoContent)
}

// requireManage rejects callers without the management permission.
func requireManage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := access.CanManage(auth.FromContext(r.Context())); !v.Allowed {
			writeError(w, http.StatusForbidden, v.Reason, strategy.Decision{})

			return
		}

		next.ServeHTTP(w, r)
	})
}
