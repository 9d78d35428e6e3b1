package paybackapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExecuteBookSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"INVALID_METHOD"}}`))
			return
		}
		if r.URL.Path != "/v1/points/book" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"INVALID_PATH"}}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"INVALID_TOKEN"}}`))
			return
		}
		if r.Header.Get("User-Agent") != "payback-engine/test" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"INVALID_USER_AGENT"}}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"receiptNo":"IC-1"`) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"INVALID_BODY"}}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"transaction":{"points":800,"lockedUntil":"2026-12-01T10:00:00Z"}}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "test-token", time.Second, "payback-engine/test")
	resp := client.Execute(context.Background(), Request{Kind: KindBook, ReceiptNo: "IC-1", PaybackNumber: "4711", Points: 750})

	if !resp.Successful() {
		t.Fatalf("expected success, got %d %s %s", resp.HTTPCode, resp.ErrorCode, resp.RawBody)
	}
	attrs := resp.Attributes()
	if attrs.PointsAmount == nil || *attrs.PointsAmount != 800 {
		t.Fatalf("expected points 800, got %v", attrs.PointsAmount)
	}
	want := time.Date(2026, 12, 1, 10, 0, 0, 0, time.UTC)
	if attrs.LockedUntil == nil || !attrs.LockedUntil.Equal(want) {
		t.Fatalf("expected lockedUntil %s, got %v", want, attrs.LockedUntil)
	}
}

func TestExecuteErrorCodeParsed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"MEMBER_AUTHENTICATION_FAILED","message":"unknown member"}}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "token", time.Second, "")
	resp := client.Execute(context.Background(), Request{Kind: KindRefund, ReceiptNo: "IC-1R"})

	if resp.Successful() {
		t.Fatal("expected failure")
	}
	if resp.HTTPCode != http.StatusUnauthorized || resp.ErrorCode != "MEMBER_AUTHENTICATION_FAILED" {
		t.Fatalf("unexpected response %d %s", resp.HTTPCode, resp.ErrorCode)
	}
	if !resp.Parseable {
		t.Fatal("expected parseable response")
	}
}

func TestExecuteUnparseableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "token", time.Second, "")
	resp := client.Execute(context.Background(), Request{Kind: KindBook})

	if resp.Parseable {
		t.Fatal("expected unparseable response")
	}
	if resp.RawBody != "<html>bad gateway</html>" {
		t.Fatalf("expected raw body retained, got %q", resp.RawBody)
	}
}

func TestExecuteTimeoutClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "token", 20*time.Millisecond, "")
	resp := client.Execute(context.Background(), Request{Kind: KindBook})

	if resp.HTTPCode != http.StatusGatewayTimeout || resp.ErrorCode != ErrorCodeTimeout {
		t.Fatalf("expected timeout classification, got %d %s", resp.HTTPCode, resp.ErrorCode)
	}
}

func TestExecuteOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR"}}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "token", time.Second, "")
	for i := 0; i < 5; i++ {
		resp := client.Execute(context.Background(), Request{Kind: KindBook})
		if resp.ErrorCode != "INTERNAL_ERROR" {
			t.Fatalf("call %d: expected INTERNAL_ERROR, got %s", i, resp.ErrorCode)
		}
	}

	resp := client.Execute(context.Background(), Request{Kind: KindBook})
	if resp.ErrorCode != ErrorCodeCircuitOpen {
		t.Fatalf("expected open circuit, got %s", resp.ErrorCode)
	}
	if calls != 5 {
		t.Fatalf("expected 5 partner calls, got %d", calls)
	}
}

func TestExecuteWithoutBaseURL(t *testing.T) {
	client := NewClient("", "token", time.Second, "")
	resp := client.Execute(context.Background(), Request{Kind: KindBook})
	if resp.Successful() || resp.ErrorCode != ErrorCodeRequestError {
		t.Fatalf("expected request error, got %d %s", resp.HTTPCode, resp.ErrorCode)
	}
}
