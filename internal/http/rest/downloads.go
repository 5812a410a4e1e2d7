package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/preview_downloader/internal/downloader"
	"github.com/italolelis/preview_downloader/internal/logctx"
	"github.com/italolelis/preview_downloader/internal/transfer"
)

const maxRequestSize = 64 * 1024

// DownloadManager is the part of the download manager the API drives.
type DownloadManager interface {
	StartDownload(ctx context.Context, id string) error
	PauseDownload(id string) error
	ResumeDownload(ctx context.Context, id string) error
	CancelDownload(id string) error
	IsDownloaded(id string) bool
	Snapshot(id string) (transfer.Record, bool)
	Snapshots() []transfer.Record
}

type DownloadRequest struct {
	URL string `json:"url"`
}

// DownloadSnapshot is the JSON view of a tracked download.
type DownloadSnapshot struct {
	URL       string  `json:"url"`
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	LocalPath string  `json:"local_path,omitempty"`
	Size      string  `json:"size,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// StatusResponse carries the snapshot fields inline; they are absent for an
// untracked URL.
type StatusResponse struct {
	URL        string `json:"url"`
	Downloaded bool   `json:"downloaded"`
	*DownloadSnapshot
}

type ActionResponse struct {
	URL    string `json:"url"`
	Result string `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	username string
	password string
	manager  DownloadManager
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced only
// when a username is configured.
func NewDownloadsHandler(username, password string, manager DownloadManager) *DownloadsHandler {
	return &DownloadsHandler{
		username: username,
		password: password,
		manager:  manager,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Post("/downloads", h.HandleStart)
	r.Get("/downloads/status", h.HandleStatus)
	r.Post("/downloads/pause", h.HandlePause)
	r.Post("/downloads/resume", h.HandleResume)
	r.Post("/downloads/cancel", h.HandleCancel)

	return r
}

// HandleStart begins downloading the requested URL.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.manager.StartDownload(r.Context(), req.URL); err != nil {
		writeError(r.Context(), w, "start", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, ActionResponse{URL: req.URL, Result: "started"})
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.manager.PauseDownload(req.URL); err != nil {
		writeError(r.Context(), w, "pause", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, ActionResponse{URL: req.URL, Result: "paused"})
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.manager.ResumeDownload(r.Context(), req.URL); err != nil {
		writeError(r.Context(), w, "resume", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, ActionResponse{URL: req.URL, Result: "resumed"})
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.manager.CancelDownload(req.URL); err != nil {
		writeError(r.Context(), w, "cancel", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, ActionResponse{URL: req.URL, Result: "cancelled"})
}

// HandleList returns every tracked download.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records := h.manager.Snapshots()

	out := make([]DownloadSnapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, newSnapshot(rec))
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

// HandleStatus reports whether a URL is on disk and, when tracked, its record.
func (h *DownloadsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "url query parameter is required"})

		return
	}

	resp := StatusResponse{
		URL:        url,
		Downloaded: h.manager.IsDownloaded(url),
	}

	if rec, ok := h.manager.Snapshot(url); ok {
		snap := newSnapshot(rec)
		resp.DownloadSnapshot = &snap
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="preview_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func newSnapshot(rec transfer.Record) DownloadSnapshot {
	snap := DownloadSnapshot{
		URL:       rec.SourceID,
		State:     rec.State.String(),
		Progress:  rec.Progress,
		LocalPath: rec.LocalPath,
	}

	if rec.Err != nil {
		snap.Error = rec.Err.Error()
	}

	if rec.State == transfer.StateCompleted {
		if info, err := os.Stat(rec.LocalPath); err == nil {
			snap.Size = humanize.Bytes(uint64(info.Size()))
		}
	}

	return snap
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (DownloadRequest, bool) {
	var req DownloadRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logctx.LoggerFromContext(r.Context()).Debug("failed to decode request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return req, false
	}

	if req.URL == "" {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "url is required"})

		return req, false
	}

	return req, true
}

// statusForError maps manager errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, transfer.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrDuplicateTransfer),
		errors.Is(err, transfer.ErrInvalidState),
		errors.Is(err, transfer.ErrNoResumeData):
		return http.StatusConflict
	case errors.Is(err, downloader.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, action string, err error) {
	status := statusForError(err)

	logger := logctx.LoggerFromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.Error("download action failed", "action", action, "err", err)
	} else {
		logger.Debug("download action rejected", "action", action, "status", status, "err", err)
	}

	writeJSON(ctx, w, status, errorResponse{Error: fmt.Sprintf("failed to %s download: %v", action, err)})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
