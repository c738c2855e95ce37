package access

import (
	"testing"

	"github.com/italolelis/videoproxy/internal/auth"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAccess(t *testing.T) {
	public := &media.FileRecord{ID: "1", IsPublic: true}
	private := &media.FileRecord{ID: "2"}
	user := auth.Principal{UserID: "u1"}

	tests := []struct {
		name      string
		record    *media.FileRecord
		principal auth.Principal
		want      Verdict
	}{
		{"public file anonymous", public, auth.Principal{}, Verdict{Allowed: true, Reason: "public file"}},
		{"public file authenticated", public, user, Verdict{Allowed: true, Reason: "public file"}},
		{"private file authenticated", private, user, Verdict{Allowed: true, Reason: "authenticated user"}},
		{"private file anonymous", private, auth.Principal{}, Verdict{Allowed: false, Reason: "authentication required"}},
		{"missing record anonymous", nil, auth.Principal{}, Verdict{Allowed: false, Reason: "authentication required"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanAccess(tt.record, tt.principal))
		})
	}
}

func TestCanDownload(t *testing.T) {
	user := auth.Principal{UserID: "u1"}

	v := CanDownload(&media.FileRecord{ID: "1", AllowDownload: true}, user)
	assert.True(t, v.Allowed)

	v = CanDownload(&media.FileRecord{ID: "1"}, user)
	assert.False(t, v.Allowed)
	assert.Equal(t, "downloads disabled for this file", v.Reason)

	v = CanDownload(&media.FileRecord{ID: "1", AllowDownload: true}, auth.Principal{})
	assert.Equal(t, "authentication required", v.Reason)
}

func TestCanManage(t *testing.T) {
	tests := []struct {
		name      string
		principal auth.Principal
		want      Verdict
	}{
		{"anonymous", auth.Principal{}, Verdict{Allowed: false, Reason: "authentication required"}},
		{"no permission", auth.Principal{UserID: "u1", Permissions: []string{"videos:read"}}, Verdict{Allowed: false, Reason: "missing permission videos:manage"}},
		{"manager", auth.Principal{UserID: "u1", Permissions: []string{auth.PermissionManage}}, Verdict{Allowed: true, Reason: "management allowed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanManage(tt.principal))
		})
	}
}

func TestVerdict_Denied(t *testing.T) {
	require.NoError(t, Verdict{Allowed: true}.Denied("1"))

	err := Verdict{Reason: "authentication required"}.Denied("1")

	var denied *media.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "1", denied.FileID)
}
