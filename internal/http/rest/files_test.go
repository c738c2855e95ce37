package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/italolelis/videoproxy/internal/auth"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fakeFiles) UpsertFile(_ context.Context, rec *media.FileRecord) error {
	if rec.ID == "" {
		return &media.ContractError{Op: "upsert_file", Field: "id"}
	}

	f.records[rec.ID] = rec

	return nil
}

func (f *fakeFiles) DeleteFile(_ context.Context, id string) error {
	if _, ok := f.records[id]; !ok {
		return storage.ErrNotFound
	}

	delete(f.records, id)

	return nil
}

var manager = map[string]string{
	auth.UserIDHeader:      "admin",
	auth.PermissionsHeader: auth.PermissionManage,
}

func doFiles(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestFiles_RequiresManagePermission(t *testing.T) {
	env := newTestEnv(t)
	h := NewFilesHandler(env.files, env.store).Routes()

	tests := []struct {
		name    string
		headers map[string]string
		reason  string
	}{
		{name: "anonymous", reason: "authentication required"},
		{name: "authenticated without permission", headers: map[string]string{auth.UserIDHeader: "u1"}, reason: "missing permission videos:manage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doFiles(h, http.MethodDelete, "/small", "", tt.headers)
			require.Equal(t, http.StatusForbidden, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.reason, body.Error)
			assert.Contains(t, env.files.records, "small")
		})
	}
}

func TestFiles_PutThenDeliver(t *testing.T) {
	env := newTestEnv(t)
	h := NewFilesHandler(env.files, env.store).Routes()

	rec := doFiles(h, http.MethodPut, "/fresh",
		`{"originFileId":"o-small","mimeType":"video/mp4","sizeBytes":1000,"isPublic":true}`, manager)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"fresh","originFileId":"o-small","mimeType":"video/mp4","sizeBytes":1000,"isPublic":true,"allowDownload":false}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/fresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload(1000), rec.Body.Bytes())
}

func TestFiles_PutInvalid(t *testing.T) {
	env := newTestEnv(t)
	h := NewFilesHandler(env.files, env.store).Routes()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: "{"},
		{name: "missing origin id", body: `{"sizeBytes":10}`},
		{name: "negative size", body: `{"originFileId":"o-small","sizeBytes":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doFiles(h, http.MethodPut, "/bad", tt.body, manager)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotContains(t, env.files.records, "bad")
		})
	}
}

func TestFiles_DeleteDropsCachedCopy(t *testing.T) {
	env := newTestEnv(t)
	h := NewFilesHandler(env.files, env.store).Routes()

	rec := env.do(http.MethodGet, "/cache/small", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.store.IsCached("small", "video/mp4"))

	rec = doFiles(h, http.MethodDelete, "/small", "", manager)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, env.store.IsCached("small", "video/mp4"))

	rec = env.do(http.MethodGet, "/small", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doFiles(h, http.MethodDelete, "/small", "", manager)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
