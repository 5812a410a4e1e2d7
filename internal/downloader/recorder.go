package downloader

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/italolelis/preview_downloader/internal/logctx"
	"github.com/italolelis/preview_downloader/internal/notifier"
	"github.com/italolelis/preview_downloader/internal/storage"
)

// Recorder consumes manager events, writing finished downloads to the history
// and sending notifications.
type Recorder struct {
	history  storage.HistoryRepository
	notifier notifier.Notifier
}

func NewRecorder(history storage.HistoryRepository, notif notifier.Notifier) *Recorder {
	if notif == nil {
		notif = notifier.NopNotifier{}
	}

	return &Recorder{history: history, notifier: notif}
}

// Run handles events until the channel is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context, events <-chan Event) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("event recorder shutting down")

			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev Event) {
	logger := logctx.LoggerFromContext(ctx).With("source", ev.SourceID)

	switch ev.Kind {
	case EventProgress:
		logger.Debug("download progress", "progress", ev.Progress)
	case EventCompleted:
		if err := r.history.RecordDownload(ctx, storage.DownloadRecord{
			SourceID:     ev.SourceID,
			FilePath:     ev.LocalPath,
			DownloadedAt: ev.At,
			Status:       storage.StatusCompleted,
		}); err != nil {
			logger.Error("failed to record completed download", "err", err)
		}

		msg := fmt.Sprintf("✅ Download finished: %s (%s)", filepath.Base(ev.LocalPath), ev.Elapsed.Round(time.Millisecond))
		if err := r.notifier.Notify(ctx, msg); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	case EventFailed:
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}

		if err := r.history.RecordDownload(ctx, storage.DownloadRecord{
			SourceID:     ev.SourceID,
			DownloadedAt: ev.At,
			Status:       storage.StatusFailed,
			Error:        errText,
		}); err != nil {
			logger.Error("failed to record failed download", "err", err)
		}

		if err := r.notifier.Notify(ctx, "❌ Download failed: "+ev.SourceID+": "+errText); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}
}
