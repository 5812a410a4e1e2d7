package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/preview_downloader/internal/progress"
	"github.com/italolelis/preview_downloader/internal/transfer"
)

var errStopped = errors.New("transfer stopped")

// task is one attempt. It writes the response body into the partial file
// through Write, which refuses data once the task has been paused or
// cancelled, so the offset captured by Pause is exact.
type task struct {
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
	attempt transfer.Attempt
	url     string
	cb      transfer.Callbacks

	mu           sync.Mutex
	file         *os.File
	partialPath  string
	offset       int64
	total        int64
	etag         string
	lastModified string
	stopped      bool
	cancelled    bool
	finished     bool
}

func (s *Session) newTask(ctx context.Context, attempt transfer.Attempt, url string, cb transfer.Callbacks, file *os.File, partialPath string) *task {
	ctx, cancel := context.WithCancel(ctx)

	return &task{
		session:     s,
		ctx:         ctx,
		cancel:      cancel,
		attempt:     attempt,
		url:         url,
		cb:          cb,
		file:        file,
		partialPath: partialPath,
		total:       -1,
	}
}

func (t *task) start(resume *resumeToken) {
	t.session.wg.Add(1)

	go t.run(resume)
}

// Pause stops the transfer and returns a token describing the partial data.
func (t *task) Pause() (transfer.ContinuationToken, bool) {
	t.mu.Lock()
	if t.finished || t.stopped {
		t.mu.Unlock()

		return nil, false
	}

	t.stopped = true
	tok := resumeToken{
		URL:          t.url,
		PartialPath:  t.partialPath,
		Offset:       t.offset,
		Total:        t.total,
		ETag:         t.etag,
		LastModified: t.lastModified,
	}
	t.mu.Unlock()

	t.cancel()

	data, err := json.Marshal(tok)
	if err != nil {
		return nil, false
	}

	return data, true
}

// Cancel stops the transfer; its partial file is removed when the goroutine exits.
func (t *task) Cancel() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()

		return
	}

	t.stopped = true
	t.cancelled = true
	t.mu.Unlock()

	t.cancel()
}

func (t *task) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return 0, errStopped
	}

	n, err := t.file.Write(p)
	t.offset += int64(n)

	return n, err
}

func (t *task) run(resume *resumeToken) {
	defer t.session.wg.Done()
	defer t.cancel()

	logger := t.session.logger.With("source", t.url, "attempt", t.attempt.ID)

	err := t.transfer(resume)

	t.mu.Lock()
	closeErr := t.file.Close()

	if t.stopped {
		cancelled := t.cancelled
		t.mu.Unlock()

		if cancelled {
			t.removePartial()
			logger.Debug("transfer cancelled")
		} else {
			logger.Debug("transfer paused", "offset", humanize.Bytes(uint64(t.offset)))
		}

		return
	}

	t.finished = true
	t.mu.Unlock()

	if err == nil && closeErr != nil {
		err = &transfer.PersistenceError{Path: t.partialPath, Reason: "close partial file", Err: closeErr}
	}

	if err != nil {
		t.removePartial()
		logger.Warn("transfer failed", "err", err)
		t.cb.OnFailed(t.attempt, err)

		return
	}

	logger.Debug("transfer finished", "size", humanize.Bytes(uint64(t.offset)))
	t.cb.OnCompleted(t.attempt, t.partialPath)
}

func (t *task) removePartial() {
	if err := os.Remove(t.partialPath); err != nil && !os.IsNotExist(err) {
		t.session.logger.Warn("failed to remove partial file", "path", t.partialPath, "err", err)
	}
}

func (t *task) transfer(resume *resumeToken) error {
	op := "fetch"
	if resume != nil {
		op = "resume"
	}

	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return &transfer.NetworkError{Operation: op, APIMessage: "invalid request", Err: err}
	}

	if t.session.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", t.session.cfg.UserAgent)
	}

	if resume != nil && resume.Offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resume.Offset))

		switch {
		case resume.ETag != "":
			req.Header.Set("If-Range", resume.ETag)
		case resume.LastModified != "":
			req.Header.Set("If-Range", resume.LastModified)
		}
	}

	resp, err := t.session.client.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: op, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	offset, expected, err := t.prepare(op, resume, resp)
	if err != nil {
		return err
	}

	if expected == 0 && offset > 0 {
		t.cb.OnProgress(t.attempt, offset, offset)

		return nil
	}

	t.session.logger.Debug("receiving data",
		"source", t.url,
		"status", resp.StatusCode,
		"offset", humanize.Bytes(uint64(offset)),
		"size", sizeString(expected),
	)

	pw := progress.NewWriter(t, offset, expected, t.session.cfg.ProgressInterval, func(written, total int64) {
		t.cb.OnProgress(t.attempt, written, total)
	})

	if _, err := io.Copy(pw, resp.Body); err != nil {
		return &transfer.NetworkError{Operation: op, APIMessage: "reading body: " + err.Error(), Err: err}
	}

	if expected > 0 && pw.Written() != expected {
		return &transfer.NetworkError{
			Operation:  op,
			APIMessage: fmt.Sprintf("short body: got %d of %d bytes", pw.Written(), expected),
		}
	}

	pw.Flush()

	return nil
}

// prepare inspects the response status, positions the partial file and
// returns the starting offset and the expected total size (-1 if unknown).
// A zero expected size with a positive offset means the data is already complete.
func (t *task) prepare(op string, resume *resumeToken, resp *http.Response) (int64, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A pause may land while the response headers are in flight; the token it
	// handed out describes the file as it is now, so leave the file alone.
	if t.stopped {
		return 0, 0, errStopped
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		t.etag = etag
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		t.lastModified = lm
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && resume != nil:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != t.offset {
			return 0, 0, &transfer.NetworkError{
				Operation:  op,
				StatusCode: resp.StatusCode,
				APIMessage: "unexpected content range " + resp.Header.Get("Content-Range"),
			}
		}

		if total < 0 && resp.ContentLength >= 0 {
			total = t.offset + resp.ContentLength
		}

		t.total = total

		return t.offset, total, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && resume != nil && resume.Total > 0 && resume.Offset == resume.Total:
		// Everything was received before the pause.
		return t.offset, 0, nil
	case resp.StatusCode == http.StatusOK:
		// The server ignored the range or the resource changed: start over.
		if t.offset > 0 {
			if err := t.file.Truncate(0); err != nil {
				return 0, 0, &transfer.PersistenceError{Path: t.partialPath, Reason: "truncate partial file", Err: err}
			}

			if _, err := t.file.Seek(0, io.SeekStart); err != nil {
				return 0, 0, &transfer.PersistenceError{Path: t.partialPath, Reason: "seek partial file", Err: err}
			}

			t.offset = 0
		}

		t.total = resp.ContentLength

		return 0, resp.ContentLength, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, 0, &transfer.AuthenticationError{
			Operation: op,
			Err:       &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)},
		}
	default:
		return 0, 0, &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)}
	}
}

// parseContentRange parses "bytes start-end/total". total is -1 when the
// server reports it as "*".
func parseContentRange(h string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(h, "bytes ")
	if !found {
		return 0, 0, false
	}

	rng, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}

	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if size == "*" {
		return start, -1, true
	}

	total, err = strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return start, total, true
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
