package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/paybackrewards/payback-api/internal/pkg/logger"
)

const accessLogKey contextKey = "access_log"

// accessLog collects fields that handlers learn while serving a request,
// such as the operator or the transaction being acted on.
type accessLog struct {
	mu     sync.Mutex
	fields map[string]string
}

func (a *accessLog) set(key, value string) {
	a.mu.Lock()
	a.fields[key] = value
	a.mu.Unlock()
}

func (a *accessLog) apply(ev *zerolog.Event) *zerolog.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.fields {
		ev = ev.Str(k, v)
	}
	return ev
}

// Annotate adds a field to the access log line of the current request.
// It is a no-op outside of Logger.
func Annotate(ctx context.Context, key, value string) {
	if a, ok := ctx.Value(accessLogKey).(*accessLog); ok {
		a.set(key, value)
	}
}

// Logger writes one access line per request once it is served. Server errors
// are logged at error level and rejected operations at warn level so failed
// refunds and cancellations stand out from routine reads.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		entry := &accessLog{fields: map[string]string{}}
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), accessLogKey, entry)))

		l := logger.FromContext(r.Context())
		var ev *zerolog.Event
		switch status := rec.Status(); {
		case status >= http.StatusInternalServerError:
			ev = l.Error()
		case status >= http.StatusBadRequest:
			ev = l.Warn()
		case r.URL.Path == "/health":
			ev = l.Debug()
		default:
			ev = l.Info()
		}

		entry.apply(ev).
			Str("method", r.Method).
			Str("route", routePattern(r)).
			Str("path", r.URL.Path).
			Int("status", rec.Status()).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Str("ip", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// routePattern returns the matched chi pattern, e.g. /api/v1/payback/transactions/{id}/refund.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Status is the code sent to the client, or 200 when nothing was written.
func (rw *statusRecorder) Status() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *statusRecorder) started() bool {
	return rw.status != 0
}
