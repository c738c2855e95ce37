package media

import (
	"context"
	"io"
	"strings"
	"time"
)

// Origin is the remote object storage holding the authoritative media bytes.
type Origin interface {
	Metadata(ctx context.Context, originID string) (*Metadata, error)
	Open(ctx context.Context, originID string, rng *ByteRange) (*Stream, error)
	Usage(ctx context.Context) (*Usage, error)
}

// FileRecord is the metadata store's view of a video asset.
type FileRecord struct {
	ID            string
	OriginFileID  string
	MimeType      string
	SizeBytes     int64
	IsPublic      bool
	AllowDownload bool
}

type Metadata struct {
	Name      string
	MimeType  string
	SizeBytes int64
}

// CacheEntry is a fully downloaded, size-verified local copy of an asset.
type CacheEntry struct {
	FileID     string
	LocalPath  string
	SizeBytes  int64
	MimeType   string
	CreatedAt  time.Time
	LastAccess time.Time
}

// UnknownSize marks a full stream whose origin did not announce a length.
const UnknownSize int64 = -1

// Stream is an open byte stream from the origin along with the bounds it resolved to.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	Start       int64
	End         int64
	TotalSize   int64
	Partial     bool
}

// Length returns the number of bytes the stream body carries, or UnknownSize.
func (s *Stream) Length() int64 {
	if !s.Partial && s.TotalSize < 0 {
		return UnknownSize
	}

	return s.End - s.Start + 1
}

// Range returns the resolved byte range when the stream is partial, nil otherwise.
func (s *Stream) Range() *ByteRange {
	if !s.Partial {
		return nil
	}

	return &ByteRange{Start: s.Start, End: s.End, TotalSize: s.TotalSize}
}

// Usage reports the origin account's storage quota.
type Usage struct {
	Used  int64
	Size  int64
	Avail int64
}

var playableFileTypes = []string{"video", "audio"}

// IsPlayable reports whether a content type (or origin file type) is streamable media.
func IsPlayable(contentType, fileType string) bool {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/") {
		return true
	}

	ft := strings.ToLower(fileType)
	for _, t := range playableFileTypes {
		if ft == t {
			return true
		}
	}

	return false
}
