package telemetry

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/preview_downloader/internal/logctx"
)

// responseRecorder remembers the first status code and counts body bytes.
// It is shared by the access log and the metrics middleware.
type responseRecorder struct {
	http.ResponseWriter

	status int
	size   int64
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	if rr, ok := w.(*responseRecorder); ok {
		return rr
	}

	return &responseRecorder{ResponseWriter: w}
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status != 0 {
		return
	}

	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.WriteHeader(http.StatusOK)
	}

	n, err := rr.ResponseWriter.Write(b)
	rr.size += int64(n)

	return n, err
}

// Status is the code sent to the client; 200 when the handler wrote nothing.
func (rr *responseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}

	return rr.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPLogging writes one access log line per request, keyed by chi route.
// Status lookups also carry the queried source URL. Server errors log at
// error and client errors at warn; everything else logs at debug.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := newResponseRecorder(w)

		next.ServeHTTP(rr, r)

		ctx := r.Context()
		status := rr.Status()

		attrs := []any{
			"method", r.Method,
			"route", routePattern(r),
			"status", status,
			"size", humanize.Bytes(uint64(rr.size)),
			"duration", time.Since(start).Round(time.Microsecond).String(),
		}

		if source := r.URL.Query().Get("url"); source != "" {
			attrs = append(attrs, "source", source)
		}

		logger := logctx.LoggerFromContext(ctx)

		switch {
		case status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "request failed", attrs...)
		case status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "request rejected", attrs...)
		default:
			logger.DebugContext(ctx, "request served", attrs...)
		}
	})
}
