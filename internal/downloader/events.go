package downloader

import (
	"time"
)

// EventKind is the kind of outbound notification.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to the presentation layer after a record changes.
type Event struct {
	Kind      EventKind
	SourceID  string
	Progress  float64
	LocalPath string
	Err       error
	// Elapsed is the time since the transfer was first started. Set on
	// completed and failed events.
	Elapsed time.Duration
	At      time.Time
}
