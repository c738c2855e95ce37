package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_Anonymous(t *testing.T) {
	p := FromContext(context.Background())

	assert.False(t, p.Authenticated())
	assert.Empty(t, p.Permissions)
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    Principal
	}{
		{
			name: "no headers",
			want: Principal{},
		},
		{
			name:    "user only",
			headers: map[string]string{UserIDHeader: " user-1 "},
			want:    Principal{UserID: "user-1"},
		},
		{
			name: "user with permissions",
			headers: map[string]string{
				UserIDHeader:      "user-2",
				PermissionsHeader: "video:read, video:download,,",
			},
			want: Principal{UserID: "user-2", Permissions: []string{"video:read", "video:download"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Principal

			h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = FromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/video/1", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			h.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrincipal_Has(t *testing.T) {
	p := Principal{UserID: "u", Permissions: []string{"video:read"}}

	assert.True(t, p.Has("video:read"))
	assert.False(t, p.Has("video:download"))
}
