package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/italolelis/preview_downloader/internal/logctx"
	"github.com/italolelis/preview_downloader/internal/telemetry"
	"github.com/italolelis/preview_downloader/internal/transfer"
)

const (
	dirPerm = 0755

	eventBuffer = 64
)

var (
	// ErrAlreadyInProgress is returned when a start is requested for a source
	// that is downloading or paused.
	ErrAlreadyInProgress = fmt.Errorf("download already in progress: %w", transfer.ErrDuplicateTransfer)
	ErrClosed            = errors.New("download manager closed")
)

type activeTask struct {
	attempt transfer.Attempt
	task    transfer.Task
}

// Manager owns the transfer registry and drives the per-source state machine.
// Every mutation, including network callbacks, runs under one mutex.
type Manager struct {
	storageDir string
	session    transfer.Session
	telemetry  *telemetry.Telemetry
	logger     *slog.Logger

	mu       sync.Mutex
	registry *transfer.Registry
	tasks    map[string]*activeTask
	started  map[string]time.Time
	queue    []Event
	// running is true while the dispatcher accepts events; dispatching
	// records that it was ever started.
	running     bool
	dispatching bool
	closed      bool

	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	events    chan Event
	closeOnce sync.Once
}

// NewManager creates a manager persisting completed files into storageDir.
// The logger is taken from ctx.
func NewManager(ctx context.Context, storageDir string, session transfer.Session, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		storageDir: storageDir,
		session:    session,
		telemetry:  tel,
		logger:     logctx.LoggerFromContext(ctx).With("component", "download_manager"),
		registry:   transfer.NewRegistry(),
		tasks:      make(map[string]*activeTask),
		started:    make(map[string]time.Time),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		events:     make(chan Event, eventBuffer),
	}
}

// Events returns the channel outbound notifications are delivered on. It is
// closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start runs the event dispatcher until ctx is done or Close is called.
// Events produced before Start are not delivered.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.dispatching || m.closed {
		m.mu.Unlock()

		return
	}

	m.running = true
	m.dispatching = true
	m.mu.Unlock()

	go m.dispatch(ctx)
}

// Close cancels every in-flight transfer, stops the dispatcher and closes the
// network session.
func (m *Manager) Close() error {
	var err error

	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		dispatching := m.dispatching

		for id, at := range m.tasks {
			at.task.Cancel()
			delete(m.tasks, id)
			m.telemetry.DecrementActiveTransfers()
		}
		m.mu.Unlock()

		close(m.done)

		if dispatching {
			<-m.stopped
		} else {
			close(m.events)
		}

		err = m.session.Close()
	})

	return err
}

// StartDownload begins a full fetch of id.
func (m *Manager) StartDownload(ctx context.Context, id string) error {
	if err := validateSource(id); err != nil {
		return err
	}

	localPath, err := LocalDestinationPath(m.storageDir, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if rec, ok := m.registry.Get(id); ok && rec.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyInProgress, id, rec.State)
	}

	attempt := transfer.NewAttempt(id)

	task, err := m.session.Fetch(context.WithoutCancel(ctx), attempt, id, m)
	if err != nil {
		return fmt.Errorf("failed to start download: %w", err)
	}

	rec := transfer.NewRecord(id, localPath)
	rec.State = transfer.StateDownloading

	if err := m.registry.Put(id, rec); err != nil {
		task.Cancel()

		return fmt.Errorf("failed to register download: %w", err)
	}

	m.tasks[id] = &activeTask{attempt: attempt, task: task}
	m.started[id] = time.Now()
	m.telemetry.IncrementActiveTransfers()

	m.logger.Info("download started", "source", id, "attempt", attempt.ID, "local_path", localPath)

	return nil
}

// PauseDownload stops a downloading transfer and keeps its resume data. A
// pause that races with completion is a no-op.
func (m *Manager) PauseDownload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	if rec.State != transfer.StateDownloading {
		return &transfer.StateError{SourceID: id, State: rec.State, Operation: "pause"}
	}

	at, ok := m.tasks[id]
	if !ok {
		return ErrClosed
	}

	token, ok := at.task.Pause()
	if !ok || len(token) == 0 {
		m.logger.Debug("pause raced completion, ignoring", "source", id, "attempt", at.attempt.ID)

		return nil
	}

	rec.State = transfer.StatePaused
	rec.Token = token
	m.dropTask(id)

	m.logger.Info("download paused", "source", id, "progress", rec.Progress)

	return nil
}

// ResumeDownload continues a paused transfer from its resume data.
func (m *Manager) ResumeDownload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrNotFound, id)
	}

	if rec.State != transfer.StatePaused {
		return &transfer.StateError{SourceID: id, State: rec.State, Operation: "resume"}
	}

	if !rec.HasToken() {
		return fmt.Errorf("%w: %s", transfer.ErrNoResumeData, id)
	}

	attempt := transfer.NewAttempt(id)

	task, err := m.session.Resume(context.WithoutCancel(ctx), attempt, id, rec.Token, m)
	if err != nil {
		return fmt.Errorf("failed to resume download: %w", err)
	}

	rec.State = transfer.StateDownloading
	rec.Token = nil
	m.tasks[id] = &activeTask{attempt: attempt, task: task}
	m.telemetry.IncrementActiveTransfers()

	m.logger.Info("download resumed", "source", id, "attempt", attempt.ID, "progress", rec.Progress)

	return nil
}

// CancelDownload aborts a downloading or paused transfer and forgets it.
// Cancelling an untracked or failed source does nothing.
func (m *Manager) CancelDownload(id string) error {
	m.mu.Lock()

	rec, ok := m.registry.Get(id)
	if !ok {
		m.mu.Unlock()

		return nil
	}

	var token transfer.ContinuationToken

	switch rec.State {
	case transfer.StateDownloading:
		if at, ok := m.tasks[id]; ok {
			at.task.Cancel()
		}

		m.dropTask(id)
	case transfer.StatePaused:
		token = rec.Token
	default:
		m.mu.Unlock()

		return nil
	}

	rec.State = transfer.StateCancelled
	rec.Token = nil
	m.registry.Remove(id)
	m.finish(id, "cancelled")
	m.mu.Unlock()

	m.logger.Info("download cancelled", "source", id)

	if len(token) > 0 {
		if err := m.session.Discard(token); err != nil {
			m.logger.Warn("failed to discard partial data", "source", id, "err", err)
		}
	}

	return nil
}

// Progress returns the completed fraction of a tracked transfer.
func (m *Manager) Progress(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		return 0, false
	}

	return rec.Progress, true
}

// IsDownloaded reports whether the destination file for id exists on disk.
func (m *Manager) IsDownloaded(id string) bool {
	p, err := LocalDestinationPath(m.storageDir, id)
	if err != nil {
		return false
	}

	info, err := os.Stat(p)

	return err == nil && info.Mode().IsRegular()
}

// Snapshot returns a copy of the record tracked for id.
func (m *Manager) Snapshot(id string) (transfer.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		return transfer.Record{}, false
	}

	return rec.Snapshot(), true
}

// Snapshots returns copies of every tracked record.
func (m *Manager) Snapshots() []transfer.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registry.Snapshots()
}

// OnProgress implements transfer.Callbacks.
func (m *Manager) OnProgress(attempt transfer.Attempt, received, expected int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.current(attempt)
	if !ok || expected <= 0 {
		return
	}

	p := float64(received) / float64(expected)
	if p > 1 {
		p = 1
	}

	if p <= rec.Progress {
		return
	}

	rec.Progress = p
	m.emit(Event{Kind: EventProgress, SourceID: rec.SourceID, Progress: p})
}

// OnCompleted implements transfer.Callbacks.
func (m *Manager) OnCompleted(attempt transfer.Attempt, dataPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.current(attempt)
	if !ok {
		m.logger.Debug("dropping stale completion", "source", attempt.SourceID, "attempt", attempt.ID)
		m.removeData(dataPath)

		return
	}

	id := rec.SourceID
	m.dropTask(id)

	if err := persistFile(dataPath, rec.LocalPath); err != nil {
		m.removeData(dataPath)
		m.fail(rec, err)

		return
	}

	elapsed := m.finish(id, "completed")
	rec.State = transfer.StateCompleted
	rec.Progress = 1
	m.registry.Remove(id)

	m.logger.Info("download completed", "source", id, "local_path", rec.LocalPath, "elapsed", elapsed)
	m.emit(Event{Kind: EventCompleted, SourceID: id, Progress: 1, LocalPath: rec.LocalPath, Elapsed: elapsed})
}

// OnFailed implements transfer.Callbacks.
func (m *Manager) OnFailed(attempt transfer.Attempt, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.current(attempt)
	if !ok {
		return
	}

	m.dropTask(rec.SourceID)
	m.fail(rec, err)
}

// removeData deletes received data that will not be persisted.
func (m *Manager) removeData(dataPath string) {
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove received data", "path", dataPath, "err", err)
	}
}

func (m *Manager) fail(rec *transfer.Record, err error) {
	elapsed := m.finish(rec.SourceID, "failed")
	rec.State = transfer.StateFailed
	rec.Token = nil
	rec.Err = err

	m.logger.Error("download failed", "source", rec.SourceID, "err", err)
	m.emit(Event{Kind: EventFailed, SourceID: rec.SourceID, Progress: rec.Progress, LocalPath: rec.LocalPath, Err: err, Elapsed: elapsed})
}

// current returns the record a callback belongs to, or false when the
// callback comes from an attempt that is no longer downloading.
func (m *Manager) current(attempt transfer.Attempt) (*transfer.Record, bool) {
	rec, ok := m.registry.Get(attempt.SourceID)
	if !ok || rec.State != transfer.StateDownloading {
		return nil, false
	}

	at, ok := m.tasks[attempt.SourceID]
	if !ok || at.attempt.ID != attempt.ID {
		return nil, false
	}

	return rec, true
}

func (m *Manager) dropTask(id string) {
	if _, ok := m.tasks[id]; !ok {
		return
	}

	delete(m.tasks, id)
	m.telemetry.DecrementActiveTransfers()
}

// finish records the outcome metric and returns the time since start.
func (m *Manager) finish(id, status string) time.Duration {
	var elapsed time.Duration
	if start, ok := m.started[id]; ok {
		elapsed = time.Since(start)
		delete(m.started, id)
	}

	m.telemetry.RecordDownload(status, elapsed)

	return elapsed
}

// emit queues ev for the dispatcher. Consecutive progress events for the
// same source collapse into the latest one.
func (m *Manager) emit(ev Event) {
	if !m.running || m.closed {
		return
	}

	ev.At = time.Now()

	if n := len(m.queue); n > 0 && ev.Kind == EventProgress {
		last := &m.queue[n-1]
		if last.Kind == EventProgress && last.SourceID == ev.SourceID {
			*last = ev

			return
		}
	}

	m.queue = append(m.queue, ev)

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	defer close(m.stopped)
	defer close(m.events)
	defer func() {
		m.mu.Lock()
		m.running = false
		m.queue = nil
		m.mu.Unlock()
	}()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()

				break
			}

			ev := m.queue[0]
			m.queue[0] = Event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case m.events <- ev:
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
