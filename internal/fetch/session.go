package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/italolelis/preview_downloader/internal/logctx"
	"github.com/italolelis/preview_downloader/internal/telemetry"
	"github.com/italolelis/preview_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const dirPerm = 0755

// Config configures the HTTP session.
type Config struct {
	// TempDir holds partial data until a transfer completes.
	TempDir   string
	UserAgent string
	// Timeout bounds the wait for response headers. The body has no deadline.
	Timeout          time.Duration
	ProgressInterval time.Duration
	// Token, when set, is sent as a bearer token on every request.
	Token string
}

// Session fetches sources over HTTP, one goroutine per transfer.
type Session struct {
	cfg       Config
	client    *http.Client
	transport *http.Transport
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewSession creates the temporary directory and the instrumented HTTP client.
func NewSession(ctx context.Context, cfg Config, tel *telemetry.Telemetry) (*Session, error) {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	if err := os.MkdirAll(cfg.TempDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	var rt http.RoundTripper = otelhttp.NewTransport(transport,
		otelhttp.WithTracerProvider(tel.TracerProvider()),
		otelhttp.WithMeterProvider(tel.MeterProvider()),
	)

	if cfg.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   rt,
		}
	}

	return &Session{
		cfg:       cfg,
		client:    &http.Client{Transport: rt},
		transport: transport,
		logger:    logctx.LoggerFromContext(ctx).With("component", "fetch"),
	}, nil
}

// Fetch downloads url from the beginning into a new partial file.
func (s *Session) Fetch(ctx context.Context, attempt transfer.Attempt, url string, cb transfer.Callbacks) (transfer.Task, error) {
	partialPath := filepath.Join(s.cfg.TempDir, attempt.ID.String()+".part")

	file, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}

	t := s.newTask(ctx, attempt, url, cb, file, partialPath)
	t.start(nil)

	return t, nil
}

// Resume continues url from the partial data referenced by token.
func (s *Session) Resume(ctx context.Context, attempt transfer.Attempt, url string, token transfer.ContinuationToken, cb transfer.Callbacks) (transfer.Task, error) {
	tok, err := decodeToken(token)
	if err != nil {
		return nil, err
	}

	if tok.URL != url {
		return nil, fmt.Errorf("%w: token belongs to %s", transfer.ErrNoResumeData, tok.URL)
	}

	file, err := os.OpenFile(tok.PartialPath, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transfer.ErrNoResumeData, err)
	}

	// Drop anything past the recorded offset so the file matches the token.
	if err := file.Truncate(tok.Offset); err != nil {
		file.Close()

		return nil, fmt.Errorf("failed to truncate partial file: %w", err)
	}

	if _, err := file.Seek(tok.Offset, 0); err != nil {
		file.Close()

		return nil, fmt.Errorf("failed to seek partial file: %w", err)
	}

	t := s.newTask(ctx, attempt, url, cb, file, tok.PartialPath)
	t.offset = tok.Offset
	t.total = tok.Total
	t.etag = tok.ETag
	t.lastModified = tok.LastModified
	t.start(&tok)

	return t, nil
}

// Discard removes the partial data referenced by token.
func (s *Session) Discard(token transfer.ContinuationToken) error {
	tok, err := decodeToken(token)
	if err != nil {
		return err
	}

	if err := os.Remove(tok.PartialPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial data: %w", err)
	}

	return nil
}

// Close waits for stopped transfers to exit and closes idle connections.
func (s *Session) Close() error {
	s.wg.Wait()
	s.transport.CloseIdleConnections()

	return nil
}

// resumeToken is the continuation token format.
type resumeToken struct {
	URL          string `json:"url"`
	PartialPath  string `json:"partial_path"`
	Offset       int64  `json:"offset"`
	Total        int64  `json:"total"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func decodeToken(token transfer.ContinuationToken) (resumeToken, error) {
	var tok resumeToken

	if len(token) == 0 {
		return tok, transfer.ErrNoResumeData
	}

	if err := json.Unmarshal(token, &tok); err != nil {
		return tok, fmt.Errorf("%w: malformed token: %w", transfer.ErrNoResumeData, err)
	}

	if tok.PartialPath == "" || tok.Offset < 0 {
		return tok, fmt.Errorf("%w: incomplete token", transfer.ErrNoResumeData)
	}

	return tok, nil
}
