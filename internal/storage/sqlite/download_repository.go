package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/preview_downloader/internal/storage"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// RecordDownload upserts the history row for rec.SourceID. A failure never
// replaces a completed row, so cleanup can still expire the completed file.
func (r *DownloadRepository) RecordDownload(ctx context.Context, rec storage.DownloadRecord) error {
	downloadedAt := rec.DownloadedAt
	if downloadedAt.IsZero() {
		downloadedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (source_id, file_path, downloaded_at, status, error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			file_path = excluded.file_path,
			downloaded_at = excluded.downloaded_at,
			status = excluded.status,
			error = excluded.error
		WHERE NOT (downloads.status = ? AND excluded.status = ?)
	`, rec.SourceID, rec.FilePath, downloadedAt.UTC().Format(time.RFC3339), rec.Status, nullString(rec.Error),
		storage.StatusCompleted, storage.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}

	return nil
}

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source_id, file_path, downloaded_at, status, error FROM downloads ORDER BY downloaded_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record       storage.DownloadRecord
			filePath     sql.NullString
			downloadedAt string
			errText      sql.NullString
		)

		if err := rows.Scan(&record.SourceID, &filePath, &downloadedAt, &record.Status, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		record.FilePath = filePath.String
		record.Error = errText.String

		if t, err := time.Parse(time.RFC3339, downloadedAt); err == nil {
			record.DownloadedAt = t
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) DeleteDownload(ctx context.Context, sourceID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE source_id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, sourceID)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
