package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/paybackrewards/payback-api/internal/pkg/logger"
)

// capture returns a request whose context logger writes into buf.
func capture(buf *bytes.Buffer, method, target string) *http.Request {
	l := zerolog.New(buf)
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(logger.WithContext(req.Context(), &l))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	return line
}

func TestRequestIDKeepsIncomingHeader(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("expected req-42, got %q", got)
	}
}

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestRecoverReturns500(t *testing.T) {
	h := Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestTimeoutDisabledForNonPositive(t *testing.T) {
	h := Timeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestLoggerRecordsRejectedOperationAsWarning(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), "transaction_id", "tx-7")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"transaction is being sent"}`))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, capture(&buf, http.MethodPost, "/api/v1/payback/transactions/tx-7/refund"))

	line := decodeLine(t, &buf)
	if line["level"] != "warn" {
		t.Errorf("expected warn level, got %v", line["level"])
	}
	if line["status"] != float64(http.StatusConflict) {
		t.Errorf("expected status 409, got %v", line["status"])
	}
	if line["transaction_id"] != "tx-7" {
		t.Errorf("expected transaction_id tx-7, got %v", line["transaction_id"])
	}
	if line["bytes"] != float64(len(`{"error":"transaction is being sent"}`)) {
		t.Errorf("expected body size to be logged, got %v", line["bytes"])
	}
}

func TestLoggerDefaultsToOKWhenNothingWritten(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), capture(&buf, http.MethodGet, "/api/v1/payback/transactions"))

	line := decodeLine(t, &buf)
	if line["level"] != "info" || line["status"] != float64(http.StatusOK) {
		t.Fatalf("expected info line with status 200, got %v/%v", line["level"], line["status"])
	}
}

func TestRecoverLogsAnnotatedPanic(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), "transaction_id", "tx-9")
		panic("nil customer")
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, capture(&buf, http.MethodPost, "/"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected panic and access lines, got %d", len(lines))
	}
	var panicLine map[string]any
	if err := json.Unmarshal(lines[0], &panicLine); err != nil {
		t.Fatalf("decode panic line: %v", err)
	}
	if panicLine["panic"] != "nil customer" || panicLine["transaction_id"] != "tx-9" {
		t.Fatalf("expected panic with transaction id, got %v", panicLine)
	}
}

func TestRecoverKeepsStartedResponse(t *testing.T) {
	h := Logger(Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("after header")
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected the started 202 to stand, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("expected no error body appended, got %q", w.Body.String())
	}
}

func TestRecoverRepanicsAbortHandler(t *testing.T) {
	h := Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
