package access

import (
	"github.com/italolelis/videoproxy/internal/auth"
	"github.com/italolelis/videoproxy/internal/media"
)

// Verdict is the outcome of an access check.
type Verdict struct {
	Allowed bool
	Reason  string
}

// CanAccess decides whether principal may watch the file. Authenticated users are
// let through without an entitlement check.
func CanAccess(record *media.FileRecord, principal auth.Principal) Verdict {
	switch {
	case record != nil && record.IsPublic:
		return Verdict{Allowed: true, Reason: "public file"}
	case principal.Authenticated():
		return Verdict{Allowed: true, Reason: "authenticated user"}
	default:
		return Verdict{Allowed: false, Reason: "authentication required"}
	}
}

// CanDownload decides whether principal may save the file as an attachment.
func CanDownload(record *media.FileRecord, principal auth.Principal) Verdict {
	if v := CanAccess(record, principal); !v.Allowed {
		return v
	}

	if record == nil || !record.AllowDownload {
		return Verdict{Allowed: false, Reason: "downloads disabled for this file"}
	}

	return Verdict{Allowed: true, Reason: "download allowed"}
}

// CanManage decides whether principal may edit file records and clear the cache.
func CanManage(principal auth.Principal) Verdict {
	switch {
	case !principal.Authenticated():
		return Verdict{Allowed: false, Reason: "authentication required"}
	case !principal.Has(auth.PermissionManage):
		return Verdict{Allowed: false, Reason: "missing permission " + auth.PermissionManage}
	default:
		return Verdict{Allowed: true, Reason: "management allowed"}
	}
}

// Denied converts a negative verdict into an error for the given file.
func (v Verdict) Denied(fileID string) error {
	if v.Allowed {
		return nil
	}

	return &media.AccessDeniedError{FileID: fileID, Reason: v.Reason}
}
