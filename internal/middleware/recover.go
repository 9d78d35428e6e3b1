package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/paybackrewards/payback-api/internal/pkg/logger"
	"github.com/paybackrewards/payback-api/internal/pkg/response"
)

// Recover turns a panicking handler into a 500. The panic is logged with the
// route and whatever the handler annotated, so a crash during a refund or a
// booking can be traced to its transaction.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// net/http uses this to abort a response silently
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			ev := logger.FromContext(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("method", r.Method).
				Str("route", routePattern(r))
			if a, ok := r.Context().Value(accessLogKey).(*accessLog); ok {
				ev = a.apply(ev)
			}
			ev.Msg("Panic recovered")

			// a partially written body cannot be replaced
			if sr, ok := w.(*statusRecorder); ok && sr.started() {
				return
			}
			response.InternalError(w)
		}()

		next.ServeHTTP(w, r)
	})
}
