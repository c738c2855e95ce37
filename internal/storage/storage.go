package storage

import (
	"context"
	"errors"

	"github.com/italolelis/videoproxy/internal/media"
)

// ErrNotFound is returned when no record exists for an id. It matches media.ErrNotFound.
var ErrNotFound error = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "file record not found" }

func (notFoundError) Is(target error) bool { return target == media.ErrNotFound }

// FileReadRepository resolves logical ids to file records.
type FileReadRepository interface {
	GetFile(ctx context.Context, id string) (*media.FileRecord, error)
}

// FileWriteRepository maintains file records.
type FileWriteRepository interface {
	UpsertFile(ctx context.Context, rec *media.FileRecord) error
	DeleteFile(ctx context.Context, id string) error
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
