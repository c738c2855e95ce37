package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-id")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-id", seen)
		assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
	})
}

func TestHTTPLogging_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusPartialContent, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusRequestedRangeNotSatisfiable, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer

			logger := slog.New(slog.NewTextHandler(&buf, nil))

			h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodGet, "/video/abc", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			h.ServeHTTP(httptest.NewRecorder(), req)

			assert.Contains(t, buf.String(), "level="+tt.level)
			assert.Contains(t, buf.String(), "path=/video/abc")
		})
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrapResponseWriter(rec)

	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	rw.WriteHeader(http.StatusInternalServerError)
	rw.Flush()

	assert.Equal(t, http.StatusOK, rw.status)
	assert.Equal(t, int64(5), rw.bytesWritten)
	assert.True(t, rec.Flushed)
	assert.Same(t, http.ResponseWriter(rec), rw.Unwrap())
	assert.Same(t, rw, wrapResponseWriter(rw))
}

func TestMiddleware_DisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Get("/video/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()
	called := false

	err := tel.InstrumentOriginOperation(ctx, "putio", "metadata", func(context.Context) error {
		called = true

		return errors.New("boom")
	}, func(error) string { return "network" })

	require.EqualError(t, err, "boom")
	assert.True(t, called)

	n, err := tel.InstrumentDownload(ctx, func(context.Context) (int64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	assert.NotPanics(t, func() {
		tel.RecordDecision(ctx, "cache", "fits")
		tel.RecordCacheLookup(ctx, true)
		tel.RecordEviction(ctx, "lru", 1, 10)
		tel.RecordFallback(ctx, "cache")
		tel.ObserveCache(func() (int64, int64) { return 0, 0 })
		_ = tel.Tracer()
	})
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(http.StatusPartialContent))
	assert.Equal(t, "3xx", getStatusClass(http.StatusNotModified))
	assert.Equal(t, "4xx", getStatusClass(http.StatusRequestedRangeNotSatisfiable))
	assert.Equal(t, "5xx", getStatusClass(http.StatusBadGateway))
	assert.Equal(t, "unknown", getStatusClass(0))
}
