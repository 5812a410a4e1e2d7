package progress

import (
	"io"
	"time"
)

// Writer wraps an io.Writer and reports the cumulative byte count via a
// callback, at most once per interval and always when total is reached.
type Writer struct {
	Writer     io.Writer
	Total      int64
	OnProgress func(written int64, total int64)
	written    int64 // cumulative total, including the starting offset
	lastReport time.Time
	interval   time.Duration
	now        func() time.Time
}

// NewWriter starts counting at offset, for transfers continued from partial data.
func NewWriter(w io.Writer, offset, total int64, interval time.Duration, cb func(written int64, total int64)) *Writer {
	return &Writer{
		Writer:     w,
		Total:      total,
		OnProgress: cb,
		written:    offset,
		interval:   interval,
		now:        time.Now,
	}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.written += int64(n)

		now := pw.now()
		if pw.interval <= 0 || now.Sub(pw.lastReport) >= pw.interval || (pw.Total > 0 && pw.written >= pw.Total) {
			pw.OnProgress(pw.written, pw.Total)
			pw.lastReport = now
		}
	}

	return n, err
}

// Written returns the cumulative byte count.
func (pw *Writer) Written() int64 {
	return pw.written
}

// Flush reports the current count regardless of the interval.
func (pw *Writer) Flush() {
	pw.OnProgress(pw.written, pw.Total)
	pw.lastReport = pw.now()
}
