package transfer

import (
	"context"

	"github.com/google/uuid"
)

// Attempt identifies one full or range-continued fetch of a source. Callbacks
// carry the attempt so that trailing notifications of a paused or cancelled
// attempt can be told apart from the current one.
type Attempt struct {
	ID       uuid.UUID
	SourceID string
}

func NewAttempt(sourceID string) Attempt {
	return Attempt{ID: uuid.New(), SourceID: sourceID}
}

// Callbacks receives asynchronous notifications from the network layer. For a
// given attempt, progress notifications are followed by at most one of
// OnCompleted or OnFailed; a paused or cancelled attempt goes silent.
type Callbacks interface {
	OnProgress(attempt Attempt, received, expected int64)
	OnCompleted(attempt Attempt, dataPath string)
	OnFailed(attempt Attempt, err error)
}

// Task controls one in-flight attempt. Neither method waits for the attempt's
// goroutine to exit.
type Task interface {
	// Pause stops the attempt and returns resume data. It returns false when the
	// attempt has already finished and no token can be produced.
	Pause() (ContinuationToken, bool)
	// Cancel aborts the attempt and discards its partial data.
	Cancel()
}

// Session is the network layer owned by the download manager.
type Session interface {
	Fetch(ctx context.Context, attempt Attempt, url string, cb Callbacks) (Task, error)
	Resume(ctx context.Context, attempt Attempt, url string, token ContinuationToken, cb Callbacks) (Task, error)
	// Discard removes the partial data referenced by a token.
	Discard(token ContinuationToken) error
	Close() error
}
