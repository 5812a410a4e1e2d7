package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/italolelis/preview_downloader/internal/downloader"
	"github.com/italolelis/preview_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trackURL = "https://cdn.example.com/previews/track.m4a"

// mockManager implements DownloadManager for testing.
type mockManager struct {
	err        error
	records    map[string]transfer.Record
	downloaded map[string]bool
	calls      []string
}

func newMockManager() *mockManager {
	return &mockManager{
		records:    make(map[string]transfer.Record),
		downloaded: make(map[string]bool),
	}
}

func (m *mockManager) StartDownload(_ context.Context, id string) error {
	m.calls = append(m.calls, "start "+id)

	return m.err
}

func (m *mockManager) PauseDownload(id string) error {
	m.calls = append(m.calls, "pause "+id)

	return m.err
}

func (m *mockManager) ResumeDownload(_ context.Context, id string) error {
	m.calls = append(m.calls, "resume "+id)

	return m.err
}

func (m *mockManager) CancelDownload(id string) error {
	m.calls = append(m.calls, "cancel "+id)

	return m.err
}

func (m *mockManager) IsDownloaded(id string) bool {
	return m.downloaded[id]
}

func (m *mockManager) Snapshot(id string) (transfer.Record, bool) {
	rec, ok := m.records[id]

	return rec, ok
}

func (m *mockManager) Snapshots() []transfer.Record {
	out := make([]transfer.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}

	return out
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestDownloadsHandler_Actions(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantCall   string
	}{
		{name: "start", path: "/downloads", wantStatus: http.StatusAccepted, wantCall: "start " + trackURL},
		{name: "start in progress", path: "/downloads", err: downloader.ErrAlreadyInProgress, wantStatus: http.StatusConflict, wantCall: "start " + trackURL},
		{name: "start invalid source", path: "/downloads", err: fmt.Errorf("%w: bad", transfer.ErrInvalidSource), wantStatus: http.StatusBadRequest, wantCall: "start " + trackURL},
		{name: "pause", path: "/downloads/pause", wantStatus: http.StatusOK, wantCall: "pause " + trackURL},
		{name: "pause untracked", path: "/downloads/pause", err: fmt.Errorf("%w: x", transfer.ErrNotFound), wantStatus: http.StatusNotFound, wantCall: "pause " + trackURL},
		{name: "pause wrong state", path: "/downloads/pause", err: &transfer.StateError{SourceID: trackURL, State: transfer.StatePaused, Operation: "pause"}, wantStatus: http.StatusConflict, wantCall: "pause " + trackURL},
		{name: "resume", path: "/downloads/resume", wantStatus: http.StatusOK, wantCall: "resume " + trackURL},
		{name: "resume without data", path: "/downloads/resume", err: transfer.ErrNoResumeData, wantStatus: http.StatusConflict, wantCall: "resume " + trackURL},
		{name: "resume start failure", path: "/downloads/resume", err: errors.New("disk gone"), wantStatus: http.StatusInternalServerError, wantCall: "resume " + trackURL},
		{name: "cancel", path: "/downloads/cancel", wantStatus: http.StatusOK, wantCall: "cancel " + trackURL},
		{name: "cancel after close", path: "/downloads/cancel", err: downloader.ErrClosed, wantStatus: http.StatusServiceUnavailable, wantCall: "cancel " + trackURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockManager()
			m.err = tt.err
			h := NewDownloadsHandler("", "", m).Routes()

			rec := doRequest(t, h, http.MethodPost, tt.path, `{"url":"`+trackURL+`"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, []string{tt.wantCall}, m.calls)

			if tt.err != nil {
				var resp errorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Contains(t, resp.Error, tt.err.Error())
			}
		})
	}
}

func TestDownloadsHandler_RejectsBadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "url=x"},
		{name: "missing url", body: `{}`},
		{name: "empty body", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockManager()
			h := NewDownloadsHandler("", "", m).Routes()

			rec := doRequest(t, h, http.MethodPost, "/downloads", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, m.calls)
		})
	}
}

func TestDownloadsHandler_Status(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "track.m4a")
	require.NoError(t, os.WriteFile(local, make([]byte, 2048), 0o644))

	m := newMockManager()
	m.downloaded[trackURL] = true
	m.records[trackURL] = transfer.Record{
		SourceID:  trackURL,
		State:     transfer.StateCompleted,
		Progress:  1,
		LocalPath: local,
	}

	h := NewDownloadsHandler("", "", m).Routes()

	rec := doRequest(t, h, http.MethodGet, "/downloads/status?url="+trackURL, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Downloaded)
	assert.Equal(t, trackURL, resp.URL)
	require.NotNil(t, resp.DownloadSnapshot)
	assert.Equal(t, "completed", resp.State)
	assert.InDelta(t, 1.0, resp.Progress, 0.0001)
	assert.Equal(t, local, resp.LocalPath)
	assert.Equal(t, "2.0 kB", resp.Size)
}

func TestDownloadsHandler_StatusUntracked(t *testing.T) {
	h := NewDownloadsHandler("", "", newMockManager()).Routes()

	rec := doRequest(t, h, http.MethodGet, "/downloads/status?url="+trackURL, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Downloaded)
	assert.Nil(t, resp.DownloadSnapshot)

	rec = doRequest(t, h, http.MethodGet, "/downloads/status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadsHandler_List(t *testing.T) {
	m := newMockManager()
	m.records[trackURL] = transfer.Record{
		SourceID: trackURL,
		State:    transfer.StateFailed,
		Progress: 0.25,
		Err:      &transfer.NetworkError{Operation: "fetch", StatusCode: http.StatusNotFound, APIMessage: "Not Found"},
	}

	h := NewDownloadsHandler("", "", m).Routes()

	rec := doRequest(t, h, http.MethodGet, "/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []DownloadSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "failed", resp[0].State)
	assert.Contains(t, resp[0].Error, "HTTP 404")
	assert.Empty(t, resp[0].Size)
}

func TestDownloadsHandler_BasicAuth(t *testing.T) {
	h := NewDownloadsHandler("admin", "secret", newMockManager()).Routes()

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		wantStatus int
	}{
		{name: "missing credentials", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "nope", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "valid credentials", user: "admin", pass: "secret", setAuth: true, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", transfer.ErrInvalidSource), http.StatusBadRequest},
		{transfer.ErrNotFound, http.StatusNotFound},
		{downloader.ErrAlreadyInProgress, http.StatusConflict},
		{&transfer.StateError{State: transfer.StateDownloading, Operation: "resume"}, http.StatusConflict},
		{transfer.ErrNoResumeData, http.StatusConflict},
		{downloader.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}
