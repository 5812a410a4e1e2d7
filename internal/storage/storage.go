package storage

import (
	"context"
	"errors"
	"time"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrNotFound = errors.New("download record not found")

// DownloadRecord is one finished transfer in the download history.
type DownloadRecord struct {
	SourceID     string
	FilePath     string
	DownloadedAt time.Time
	Status       string
	Error        string
}

// HistoryRepository stores finished transfers. It never holds paused or
// in-flight state.
type HistoryRepository interface {
	// RecordDownload inserts the record or replaces the one with the same source.
	RecordDownload(ctx context.Context, rec DownloadRecord) error
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	DeleteDownload(ctx context.Context, sourceID string) error
}
