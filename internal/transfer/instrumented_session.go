package transfer

import (
	"context"

	"github.com/italolelis/preview_downloader/internal/telemetry"
)

// InstrumentedSession wraps a Session with telemetry.
type InstrumentedSession struct {
	session    Session
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedSession creates a new instrumented session.
func NewInstrumentedSession(session Session, tel *telemetry.Telemetry, clientType string) *InstrumentedSession {
	return &InstrumentedSession{
		session:    session,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Fetch starts a full fetch with telemetry.
func (s *InstrumentedSession) Fetch(ctx context.Context, attempt Attempt, url string, cb Callbacks) (Task, error) {
	var task Task

	err := s.telemetry.InstrumentClientOperation(ctx, s.clientType, "fetch", func(ctx context.Context) error {
		var err error
		task, err = s.session.Fetch(ctx, attempt, url, cb)

		return err
	})
	if err != nil {
		s.telemetry.RecordTransfer("start", "error")

		return nil, err
	}

	s.telemetry.RecordTransfer("start", "success")

	return task, nil
}

// Resume starts a range-continuation fetch with telemetry.
func (s *InstrumentedSession) Resume(ctx context.Context, attempt Attempt, url string, token ContinuationToken, cb Callbacks) (Task, error) {
	var task Task

	err := s.telemetry.InstrumentClientOperation(ctx, s.clientType, "resume", func(ctx context.Context) error {
		var err error
		task, err = s.session.Resume(ctx, attempt, url, token, cb)

		return err
	})
	if err != nil {
		s.telemetry.RecordTransfer("resume", "error")

		return nil, err
	}

	s.telemetry.RecordTransfer("resume", "success")

	return task, nil
}

// Discard removes partial data with telemetry.
func (s *InstrumentedSession) Discard(token ContinuationToken) error {
	err := s.telemetry.InstrumentClientOperation(context.Background(), s.clientType, "discard", func(ctx context.Context) error {
		return s.session.Discard(token)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	s.telemetry.RecordTransfer("discard", status)

	return err
}

func (s *InstrumentedSession) Close() error {
	return s.session.Close()
}
