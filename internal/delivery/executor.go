package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_retry/internal/tracing"
)

const (
	SignatureHeader = "X-Signature"  // sha256=<hex>
	EventHeader     = "X-Event-Name" // event name, e.g. invoice.paid
	AttemptHeader   = "X-Delivery-Attempt"
	TraceHeader     = "X-Trace-Id"

	DefaultTimeout = 10 * time.Second
	userAgent      = "harbor-retry/1"
)

// Request describes one delivery attempt.
type Request struct {
	SubscriptionID string
	TenantID       string
	URL            string
	Payload        json.RawMessage
	Secret         string
	EventName      string
	Attempt        int
}

// Executor performs single delivery attempts. It never touches subscription state.
type Executor struct {
	client *http.Client
}

// NewExecutor returns an executor whose attempts are bounded by timeout (DefaultTimeout when <= 0).
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{client: &http.Client{Timeout: timeout}}
}

// NewExecutorWithClient is used by tests to point the executor at an httptest server.
func NewExecutorWithClient(c *http.Client) *Executor {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return &Executor{client: c}
}

// Timeout reports the per-attempt bound.
func (e *Executor) Timeout() time.Duration { return e.client.Timeout }

func (req Request) validate() error {
	u, err := url.ParseRequestURI(req.URL)
	if err != nil {
		return fmt.Errorf("%w: malformed url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidConfig)
	}
	if req.Secret == "" {
		return fmt.Errorf("%w: missing signing secret", ErrInvalidConfig)
	}
	if !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidConfig)
	}
	return nil
}

// Attempt POSTs the payload exactly as supplied and classifies the result.
func (e *Executor) Attempt(ctx context.Context, req Request) Outcome {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("subscription_id", req.SubscriptionID),
		attribute.String("tenant_id", req.TenantID),
		attribute.String("event_name", req.EventName),
		attribute.Int("attempt", req.Attempt),
	)
	defer span.End()

	if err := req.validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return RetriableFailure{Reason: ReasonInvalidConfig, Err: err}
	}

	tracing.AddSpanEvent(ctx, "http.sign_request")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		tracing.SetSpanError(ctx, err)
		return RetriableFailure{Reason: ReasonInvalidConfig, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(SignatureHeader, Sign(req.Secret, req.Payload))
	httpReq.Header.Set(EventHeader, req.EventName)
	httpReq.Header.Set(AttemptHeader, strconv.Itoa(req.Attempt))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set(TraceHeader, traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, doErr := e.client.Do(httpReq)
	latency := time.Since(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if doErr == nil && status >= 200 && status < 300 {
		return Success{StatusCode: status, Latency: latency}
	}

	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	if doErr == nil {
		doErr = fmt.Errorf("endpoint responded %d", status)
	}
	tracing.SetSpanError(ctx, doErr)
	return RetriableFailure{Reason: reason, StatusCode: status, Err: doErr, Latency: latency}
}
