package paybackapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

const defaultTimeout = 15 * time.Second

// Synthetic error codes for failures that never produced a partner response.
const (
	ErrorCodeTimeout      = "TIMEOUT"
	ErrorCodeNetwork      = "NETWORK_ERROR"
	ErrorCodeCircuitOpen  = "CIRCUIT_OPEN"
	ErrorCodeRequestError = "REQUEST_ERROR"
)

// Kind selects the partner endpoint.
type Kind string

const (
	KindBook   Kind = "book"
	KindRefund Kind = "refund"
)

// Request is a points booking or refund sent to the partner.
type Request struct {
	Kind              Kind      `json:"-"`
	ReceiptNo         string    `json:"receiptNo"`
	PaybackNumber     string    `json:"paybackNumber"`
	Points            int       `json:"points"`
	EffectiveDate     time.Time `json:"effectiveDate"`
	CompanyName       string    `json:"companyName,omitempty"`
	CategoryName      string    `json:"categoryName,omitempty"`
	OriginalReceiptNo string    `json:"originalReceiptNo,omitempty"`
	OriginalDate      time.Time `json:"originalDate,omitempty"`
}

// Attributes are values the partner may override on success.
type Attributes struct {
	LockedUntil  *time.Time
	PointsAmount *int
}

// Response is the outcome of one partner call. Transport failures are
// folded into synthetic HTTP and error codes.
type Response struct {
	HTTPCode  int
	ErrorCode string
	RawBody   string
	// Parseable is false when the partner answered with a body that is not JSON.
	Parseable bool
}

func (r *Response) Successful() bool {
	return r.Parseable && r.HTTPCode >= 200 && r.HTTPCode < 300
}

// Attributes extracts lockedUntil and pointsAmount from a successful body.
func (r *Response) Attributes() Attributes {
	var attrs Attributes
	if !r.Successful() {
		return attrs
	}
	if v := gjson.Get(r.RawBody, "transaction.lockedUntil"); v.Exists() {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			attrs.LockedUntil = &t
		}
	}
	if v := gjson.Get(r.RawBody, "transaction.points"); v.Exists() && v.Int() > 0 {
		points := int(v.Int())
		attrs.PointsAmount = &points
	}
	return attrs
}

// Client represents the Payback partner HTTP client.
type Client struct {
	baseURL string
	token   string
	ua      string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a new partner client.
func NewClient(baseURL, token string, timeout time.Duration, ua string) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		ua:      ua,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "payback-api",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// errPartnerUnavailable marks 5xx answers as breaker failures.
var errPartnerUnavailable = errors.New("partner unavailable")

// Execute sends req and never returns an error: every outcome is a Response.
func (c *Client) Execute(ctx context.Context, req Request) *Response {
	if c == nil || c.http == nil || strings.TrimSpace(c.baseURL) == "" {
		return &Response{HTTPCode: http.StatusServiceUnavailable, ErrorCode: ErrorCodeRequestError, Parseable: true}
	}

	var resp *Response
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp = c.do(ctx, req)
		if resp.HTTPCode >= 500 {
			return nil, errPartnerUnavailable
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Response{HTTPCode: http.StatusServiceUnavailable, ErrorCode: ErrorCodeCircuitOpen, Parseable: true}
	}
	return resp
}

func (c *Client) do(ctx context.Context, r Request) *Response {
	payload, err := json.Marshal(r)
	if err != nil {
		return &Response{HTTPCode: http.StatusBadRequest, ErrorCode: ErrorCodeRequestError, Parseable: true}
	}

	endpoint := c.baseURL + "/v1/points/" + string(r.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return &Response{HTTPCode: http.StatusBadRequest, ErrorCode: ErrorCodeRequestError, Parseable: true}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &Response{HTTPCode: http.StatusBadGateway, ErrorCode: ErrorCodeNetwork, Parseable: true}
	}
	return parseResponse(httpResp.StatusCode, body)
}

func parseResponse(status int, body []byte) *Response {
	raw := string(body)
	resp := &Response{HTTPCode: status, RawBody: raw}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		// empty bodies are fine for 2xx, anything else carries no error code
		resp.Parseable = status >= 200 && status < 300
		return resp
	}
	if !gjson.Valid(trimmed) {
		return resp
	}
	resp.Parseable = true
	if status < 200 || status >= 300 {
		resp.ErrorCode = gjson.Get(trimmed, "error.code").String()
	}
	return resp
}

func classifyRequestError(ctx context.Context, err error) *Response {
	if isTimeoutError(ctx, err) {
		return &Response{HTTPCode: http.StatusGatewayTimeout, ErrorCode: ErrorCodeTimeout, RawBody: err.Error(), Parseable: true}
	}
	if isNetworkError(err) {
		return &Response{HTTPCode: http.StatusServiceUnavailable, ErrorCode: ErrorCodeNetwork, RawBody: err.Error(), Parseable: true}
	}
	return &Response{HTTPCode: http.StatusServiceUnavailable, ErrorCode: ErrorCodeRequestError, RawBody: fmt.Sprintf("request error: %v", err), Parseable: true}
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	return false
}
