package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/preview_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var content = bytes.Repeat([]byte("0123456789abcdef"), 4096)

type completion struct {
	attempt transfer.Attempt
	path    string
}

type failure struct {
	attempt transfer.Attempt
	err     error
}

// recorder captures callbacks delivered by the session.
type recorder struct {
	mu        sync.Mutex
	received  map[transfer.Attempt]int64
	expected  map[transfer.Attempt]int64
	completed chan completion
	failed    chan failure
}

func newRecorder() *recorder {
	return &recorder{
		received:  make(map[transfer.Attempt]int64),
		expected:  make(map[transfer.Attempt]int64),
		completed: make(chan completion, 4),
		failed:    make(chan failure, 4),
	}
}

func (r *recorder) OnProgress(attempt transfer.Attempt, received, expected int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.received[attempt] = received
	r.expected[attempt] = expected
}

func (r *recorder) OnCompleted(attempt transfer.Attempt, path string) {
	r.completed <- completion{attempt: attempt, path: path}
}

func (r *recorder) OnFailed(attempt transfer.Attempt, err error) {
	r.failed <- failure{attempt: attempt, err: err}
}

func (r *recorder) progress(attempt transfer.Attempt) (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.received[attempt], r.expected[attempt]
}

func (r *recorder) waitCompleted(t *testing.T) completion {
	t.Helper()

	select {
	case c := <-r.completed:
		return c
	case f := <-r.failed:
		t.Fatalf("unexpected failure: %v", f.err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	return completion{}
}

func (r *recorder) waitFailed(t *testing.T) failure {
	t.Helper()

	select {
	case f := <-r.failed:
		return f
	case c := <-r.completed:
		t.Fatalf("unexpected completion: %s", c.path)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}

	return failure{}
}

func (r *recorder) assertSilent(t *testing.T) {
	t.Helper()

	select {
	case c := <-r.completed:
		t.Fatalf("unexpected completion: %s", c.path)
	case f := <-r.failed:
		t.Fatalf("unexpected failure: %v", f.err)
	default:
	}
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()

	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}

	s, err := NewSession(context.Background(), cfg, nil)
	require.NoError(t, err)

	return s
}

func serveContent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", `"v1"`)
	http.ServeContent(w, r, "track.m4a", time.Time{}, bytes.NewReader(content))
}

// stallingServer sends the first half of the content to plain requests and
// then holds the connection open; range requests are served normally.
func stallingServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			serveContent(w, r)

			return
		}

		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content[:len(content)/2])
		w.(http.Flusher).Flush()

		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	return server
}

func TestSession_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(serveContent))
	defer server.Close()

	s := newTestSession(t, Config{UserAgent: "preview-downloader/test"})
	rec := newRecorder()
	url := server.URL + "/previews/track.m4a"
	attempt := transfer.NewAttempt(url)

	_, err := s.Fetch(context.Background(), attempt, url, rec)
	require.NoError(t, err)

	done := rec.waitCompleted(t)
	assert.Equal(t, attempt, done.attempt)

	data, err := os.ReadFile(done.path)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	received, expected := rec.progress(attempt)
	assert.Equal(t, int64(len(content)), received)
	assert.Equal(t, int64(len(content)), expected)

	require.NoError(t, s.Close())
}

func TestSession_PauseResumeIsByteIdentical(t *testing.T) {
	server := stallingServer(t)

	s := newTestSession(t, Config{})
	rec := newRecorder()
	url := server.URL + "/track.m4a"
	first := transfer.NewAttempt(url)

	task, err := s.Fetch(context.Background(), first, url, rec)
	require.NoError(t, err)

	half := int64(len(content) / 2)
	require.Eventually(t, func() bool {
		received, _ := rec.progress(first)

		return received == half
	}, 5*time.Second, 10*time.Millisecond)

	token, ok := task.Pause()
	require.True(t, ok)

	var tok resumeToken
	require.NoError(t, json.Unmarshal(token, &tok))
	assert.Equal(t, url, tok.URL)
	assert.Equal(t, half, tok.Offset)
	assert.Equal(t, int64(len(content)), tok.Total)
	assert.Equal(t, `"v1"`, tok.ETag)

	_, ok = task.Pause()
	assert.False(t, ok, "second pause must not produce a token")

	second := transfer.NewAttempt(url)
	_, err = s.Resume(context.Background(), second, url, token, rec)
	require.NoError(t, err)

	done := rec.waitCompleted(t)
	assert.Equal(t, second, done.attempt)

	data, err := os.ReadFile(done.path)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	received, expected := rec.progress(second)
	assert.Equal(t, int64(len(content)), received)
	assert.Equal(t, int64(len(content)), expected)

	require.NoError(t, s.Close())
	rec.assertSilent(t)
}

func TestSession_ResumeRestartsWhenRangeIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "old.part")
	require.NoError(t, os.WriteFile(partial, []byte("stale bytes"), 0o644))

	url := server.URL + "/track.m4a"
	token, err := json.Marshal(resumeToken{URL: url, PartialPath: partial, Offset: 5, Total: int64(len(content)), ETag: `"v1"`})
	require.NoError(t, err)

	s := newTestSession(t, Config{TempDir: dir})
	rec := newRecorder()

	_, err = s.Resume(context.Background(), transfer.NewAttempt(url), url, token, rec)
	require.NoError(t, err)

	done := rec.waitCompleted(t)

	data, err := os.ReadFile(done.path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

// heldTransport delays handing a response back to the client until released.
type heldTransport struct {
	base     http.RoundTripper
	arrived  chan struct{}
	released chan struct{}
}

func (h *heldTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := h.base.RoundTrip(req)

	select {
	case h.arrived <- struct{}{}:
	default:
	}

	<-h.released

	return resp, err
}

func TestSession_PauseBeforeRestartKeepsPartialData(t *testing.T) {
	var ignoreRange atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ignoreRange.Load() {
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write(content)

			return
		}

		serveContent(w, r)
	}))
	defer server.Close()

	dir := t.TempDir()
	half := int64(len(content) / 2)
	partial := filepath.Join(dir, "held.part")
	require.NoError(t, os.WriteFile(partial, content[:half], 0o644))

	url := server.URL + "/track.m4a"
	token, err := json.Marshal(resumeToken{URL: url, PartialPath: partial, Offset: half, Total: int64(len(content)), ETag: `"v1"`})
	require.NoError(t, err)

	s := newTestSession(t, Config{TempDir: dir})
	held := &heldTransport{base: s.client.Transport, arrived: make(chan struct{}, 1), released: make(chan struct{})}
	s.client.Transport = held
	rec := newRecorder()

	ignoreRange.Store(true)

	task, err := s.Resume(context.Background(), transfer.NewAttempt(url), url, token, rec)
	require.NoError(t, err)

	select {
	case <-held.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the response")
	}

	paused, ok := task.Pause()
	require.True(t, ok)

	var tok resumeToken
	require.NoError(t, json.Unmarshal(paused, &tok))
	assert.Equal(t, half, tok.Offset)

	close(held.released)
	s.wg.Wait()
	rec.assertSilent(t)

	info, err := os.Stat(partial)
	require.NoError(t, err)
	assert.Equal(t, half, info.Size(), "partial data must survive a pause taken before the body was read")

	ignoreRange.Store(false)

	_, err = s.Resume(context.Background(), transfer.NewAttempt(url), url, paused, rec)
	require.NoError(t, err)

	done := rec.waitCompleted(t)

	data, err := os.ReadFile(done.path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestSession_ResumeAlreadyComplete(t *testing.T) {
	var sawRange string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = r.Header.Get("Range")
		serveContent(w, r)
	}))
	defer server.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "full.part")
	require.NoError(t, os.WriteFile(partial, content, 0o644))

	url := server.URL + "/track.m4a"
	size := int64(len(content))
	token, err := json.Marshal(resumeToken{URL: url, PartialPath: partial, Offset: size, Total: size, ETag: `"v1"`})
	require.NoError(t, err)

	s := newTestSession(t, Config{TempDir: dir})
	rec := newRecorder()
	attempt := transfer.NewAttempt(url)

	_, err = s.Resume(context.Background(), attempt, url, token, rec)
	require.NoError(t, err)

	done := rec.waitCompleted(t)
	assert.Equal(t, "bytes="+strconv.FormatInt(size, 10)+"-", sawRange)

	data, err := os.ReadFile(done.path)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	received, expected := rec.progress(attempt)
	assert.Equal(t, size, received)
	assert.Equal(t, size, expected)
}

func TestSession_FetchErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantAuth   bool
		wantStatus int
	}{
		{name: "not found", status: http.StatusNotFound, wantStatus: http.StatusNotFound},
		{name: "server error", status: http.StatusBadGateway, wantStatus: http.StatusBadGateway},
		{name: "forbidden", status: http.StatusForbidden, wantAuth: true, wantStatus: http.StatusForbidden},
		{name: "unauthorized", status: http.StatusUnauthorized, wantAuth: true, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			dir := t.TempDir()
			s := newTestSession(t, Config{TempDir: dir})
			rec := newRecorder()
			url := server.URL + "/track.m4a"

			_, err := s.Fetch(context.Background(), transfer.NewAttempt(url), url, rec)
			require.NoError(t, err)

			failed := rec.waitFailed(t)

			var netErr *transfer.NetworkError
			require.ErrorAs(t, failed.err, &netErr)
			assert.Equal(t, tt.wantStatus, netErr.StatusCode)

			var authErr *transfer.AuthenticationError
			assert.Equal(t, tt.wantAuth, errors.As(failed.err, &authErr))

			require.NoError(t, s.Close())

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "partial data must be removed after a failure")
		})
	}
}

func TestSession_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(serveContent))
	url := server.URL + "/track.m4a"
	server.Close()

	s := newTestSession(t, Config{})
	rec := newRecorder()

	_, err := s.Fetch(context.Background(), transfer.NewAttempt(url), url, rec)
	require.NoError(t, err)

	failed := rec.waitFailed(t)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, failed.err, &netErr)
	assert.Zero(t, netErr.StatusCode)
	assert.Equal(t, "fetch", netErr.Operation)
}

func TestSession_Cancel(t *testing.T) {
	server := stallingServer(t)

	dir := t.TempDir()
	s := newTestSession(t, Config{TempDir: dir})
	rec := newRecorder()
	url := server.URL + "/track.m4a"
	attempt := transfer.NewAttempt(url)

	task, err := s.Fetch(context.Background(), attempt, url, rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		received, _ := rec.progress(attempt)

		return received > 0
	}, 5*time.Second, 10*time.Millisecond)

	task.Cancel()
	require.NoError(t, s.Close())

	rec.assertSilent(t)

	_, ok := task.Pause()
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSession_Discard(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "x.part")
	require.NoError(t, os.WriteFile(partial, []byte("abc"), 0o644))

	token, err := json.Marshal(resumeToken{URL: "https://a.example/x.m4a", PartialPath: partial, Offset: 3})
	require.NoError(t, err)

	s := newTestSession(t, Config{TempDir: dir})

	require.NoError(t, s.Discard(token))
	assert.NoFileExists(t, partial)
	require.NoError(t, s.Discard(token))

	assert.ErrorIs(t, s.Discard(nil), transfer.ErrNoResumeData)
	assert.ErrorIs(t, s.Discard(transfer.ContinuationToken("{not json")), transfer.ErrNoResumeData)
}

func TestSession_ResumeRejectsForeignToken(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "x.part")
	require.NoError(t, os.WriteFile(partial, []byte("abc"), 0o644))

	token, err := json.Marshal(resumeToken{URL: "https://a.example/x.m4a", PartialPath: partial, Offset: 3})
	require.NoError(t, err)

	s := newTestSession(t, Config{TempDir: dir})

	_, err = s.Resume(context.Background(), transfer.NewAttempt("https://b.example/y.m4a"), "https://b.example/y.m4a", token, newRecorder())
	assert.ErrorIs(t, err, transfer.ErrNoResumeData)

	require.NoError(t, os.Remove(partial))

	_, err = s.Resume(context.Background(), transfer.NewAttempt("https://a.example/x.m4a"), "https://a.example/x.m4a", token, newRecorder())
	assert.ErrorIs(t, err, transfer.ErrNoResumeData)
}

func TestSession_SendsCredentials(t *testing.T) {
	var auth, agent string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		agent = r.Header.Get("User-Agent")
		serveContent(w, r)
	}))
	defer server.Close()

	s := newTestSession(t, Config{Token: "secret", UserAgent: "preview-downloader/test"})
	rec := newRecorder()
	url := server.URL + "/track.m4a"

	_, err := s.Fetch(context.Background(), transfer.NewAttempt(url), url, rec)
	require.NoError(t, err)
	rec.waitCompleted(t)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "preview-downloader/test", agent)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header    string
		wantStart int64
		wantTotal int64
		wantOK    bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-9/*", 0, -1, true},
		{"bytes */200", 0, 0, false},
		{"items 0-9/10", 0, 0, false},
		{"bytes 5-9", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, total, ok := parseContentRange(tt.header)
			assert.Equal(t, tt.wantOK, ok)

			if tt.wantOK {
				assert.Equal(t, tt.wantStart, start)
				assert.Equal(t, tt.wantTotal, total)
			}
		})
	}
}
