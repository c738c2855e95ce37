package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/telemetry"
)

// InstrumentedFileRepository wraps the file repositories with telemetry.
type InstrumentedFileRepository struct {
	read      *FileReadRepository
	write     *FileWriteRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFileRepository creates a new instrumented file repository.
func NewInstrumentedFileRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedFileRepository {
	return &InstrumentedFileRepository{
		read:      NewFileReadRepository(dbConn),
		write:     NewFileWriteRepository(dbConn),
		telemetry: tel,
	}
}

// GetFile retrieves a file record with telemetry.
func (r *InstrumentedFileRepository) GetFile(ctx context.Context, id string) (*media.FileRecord, error) {
	var result *media.FileRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_file", func(ctx context.Context) error {
		var err error

		result, err = r.read.GetFile(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// UpsertFile writes a file record with telemetry.
func (r *InstrumentedFileRepository) UpsertFile(ctx context.Context, rec *media.FileRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_file", func(ctx context.Context) error {
		return r.write.UpsertFile(ctx, rec)
	})
}

// DeleteFile removes a file record with telemetry.
func (r *InstrumentedFileRepository) DeleteFile(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_file", func(ctx context.Context) error {
		return r.write.DeleteFile(ctx, id)
	})
}
