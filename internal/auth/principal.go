package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/italolelis/videoproxy/internal/logctx"
)

const (
	UserIDHeader      = "X-User-ID"
	PermissionsHeader = "X-User-Permissions"
)

// PermissionManage allows editing file records and clearing the cache.
const PermissionManage = "videos:manage"

// Principal is the caller identity asserted by the upstream gateway. The zero value
// is an anonymous caller.
type Principal struct {
	UserID      string
	Permissions []string
}

// Authenticated reports whether the principal carries a user id.
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// Has reports whether the principal was granted permission.
func (p Principal) Has(permission string) bool {
	return slices.Contains(p.Permissions, permission)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx, or an anonymous one.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}

	return Principal{}
}

// Middleware reads the gateway identity headers into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{UserID: strings.TrimSpace(r.Header.Get(UserIDHeader))}

		for _, perm := range strings.Split(r.Header.Get(PermissionsHeader), ",") {
			if perm = strings.TrimSpace(perm); perm != "" {
				p.Permissions = append(p.Permissions, perm)
			}
		}

		ctx := WithPrincipal(r.Context(), p)

		if p.Authenticated() {
			logger := logctx.LoggerFromContext(ctx).With("user_id", p.UserID)
			ctx = logctx.WithLogger(ctx, logger)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
