package cleanup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/preview_downloader/internal/logctx"
	"github.com/italolelis/preview_downloader/internal/storage"
)

// DeleteExpiredFiles removes completed files older than keepDuration and drops
// their history rows. Failed rows older than keepDuration are dropped too. It
// returns the number of rows removed.
func DeleteExpiredFiles(ctx context.Context, repo storage.HistoryRepository, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := repo.GetDownloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get tracked downloads: %w", err)
	}

	now := time.Now()
	removed := 0

	for _, rec := range records {
		downloadedAt := rec.DownloadedAt

		if rec.Status == storage.StatusCompleted && rec.FilePath != "" {
			info, err := os.Stat(rec.FilePath)

			switch {
			case os.IsNotExist(err):
				// already deleted, the row is stale
				downloadedAt = time.Time{}
			case err != nil:
				logger.Error("failed to stat file", "file", rec.FilePath, "err", err)

				return removed, err
			case downloadedAt.IsZero():
				logger.Warn("missing download time, using file mod time", "file", rec.FilePath)

				downloadedAt = info.ModTime()
			}
		}

		if now.Sub(downloadedAt) <= keepDuration {
			continue
		}

		if rec.Status == storage.StatusCompleted && rec.FilePath != "" {
			if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired file", "file", rec.FilePath, "err", err)

				return removed, err
			}

			logger.Info("deleted expired file", "file", rec.FilePath)
		}

		if err := repo.DeleteDownload(ctx, rec.SourceID); err != nil {
			return removed, fmt.Errorf("failed to delete history for %s: %w", rec.SourceID, err)
		}

		removed++
	}

	return removed, nil
}

// Run calls DeleteExpiredFiles every interval until ctx is done.
func Run(ctx context.Context, repo storage.HistoryRepository, interval, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return nil
		case <-ticker.C:
			removed, err := DeleteExpiredFiles(ctx, repo, keepDuration)
			if err != nil {
				logger.Error("failed to delete expired tracked files", "err", err)

				continue
			}

			if removed > 0 {
				logger.Info("expired downloads removed", "count", removed)
			}
		}
	}
}
