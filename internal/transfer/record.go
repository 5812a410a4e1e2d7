package transfer

// State is the lifecycle state of a tracked transfer.
type State int

const (
	StateIdle State = iota
	StateDownloading
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ContinuationToken is the opaque resume data handed back by the network layer
// when a transfer is paused. Only the Session that produced it can interpret it.
type ContinuationToken []byte

// Record represents one tracked download.
type Record struct {
	SourceID  string
	State     State
	Progress  float64
	Token     ContinuationToken
	LocalPath string
	Err       error
}

// NewRecord returns an idle record for the given source.
func NewRecord(sourceID, localPath string) *Record {
	return &Record{
		SourceID:  sourceID,
		State:     StateIdle,
		LocalPath: localPath,
	}
}

// IsActive reports whether the record blocks a new transfer for the same source.
func (r *Record) IsActive() bool {
	return r.State == StateDownloading || r.State == StatePaused
}

func (r *Record) IsTerminal() bool {
	return r.State == StateCompleted || r.State == StateCancelled
}

func (r *Record) HasToken() bool {
	return len(r.Token) > 0
}

// Snapshot returns a copy that shares no mutable state with the record.
func (r *Record) Snapshot() Record {
	cp := *r
	if r.Token != nil {
		cp.Token = append(ContinuationToken(nil), r.Token...)
	}

	return cp
}
