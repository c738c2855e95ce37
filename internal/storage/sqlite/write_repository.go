package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/storage"
)

type FileWriteRepository struct {
	db *sql.DB
}

func NewFileWriteRepository(dbConn *sql.DB) *FileWriteRepository {
	return &FileWriteRepository{db: dbConn}
}

// UpsertFile inserts rec or replaces the existing record with the same id.
func (r *FileWriteRepository) UpsertFile(ctx context.Context, rec *media.FileRecord) error {
	if rec.ID == "" {
		return &media.ContractError{Op: "upsert_file", Field: "id"}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO files (id, origin_file_id, mime_type, size_bytes, is_public, allow_download, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			origin_file_id = excluded.origin_file_id,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			is_public = excluded.is_public,
			allow_download = excluded.allow_download,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.OriginFileID, rec.MimeType, rec.SizeBytes, rec.IsPublic, rec.AllowDownload)
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", rec.ID, err)
	}

	return nil
}

// DeleteFile removes the record for id.
func (r *FileWriteRepository) DeleteFile(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete file %s: %w", id, err)
	}

	if n == 0 {
		return storage.ErrNotFound
	}

	return nil
}
