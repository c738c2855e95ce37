package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/storage"
)

type FileReadRepository struct {
	db *sql.DB
}

func NewFileReadRepository(dbConn *sql.DB) *FileReadRepository {
	return &FileReadRepository{db: dbConn}
}

// GetFile returns the record for id, or storage.ErrNotFound.
func (r *FileReadRepository) GetFile(ctx context.Context, id string) (*media.FileRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT
			id,
			origin_file_id,
			mime_type,
			size_bytes,
			is_public,
			allow_download
		FROM files
		WHERE id = ?`, id)

	var rec media.FileRecord
	if err := row.Scan(&rec.ID, &rec.OriginFileID, &rec.MimeType, &rec.SizeBytes, &rec.IsPublic, &rec.AllowDownload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get file %s: %w", id, err)
	}

	return &rec, nil
}
