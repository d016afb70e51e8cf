// Package engine implements the webhook delivery state machine: destination
// validation, request signing, the bounded retry loop with exponential
// backoff, and attempt-set persistence.
//
// One Deliver call is one blocking sequence of HTTP attempts on the
// caller's goroutine; the engine spawns no background work. Concurrent
// deliveries are independent and share only the recorder and metrics
// sinks, both of which are safe for concurrent use.
package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bmcallister/signalhook/internal/logging"
	"github.com/bmcallister/signalhook/internal/record"
	"github.com/bmcallister/signalhook/internal/safety"
	"github.com/bmcallister/signalhook/internal/signing"
	"github.com/bmcallister/signalhook/internal/tracing"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Second

	// maxRedirects caps redirect chains; every hop is re-validated
	// against the safety validator so a destination cannot bounce the
	// engine into private address space.
	maxRedirects = 5

	// maxBodyExcerpt bounds how much of an error response body is read.
	maxBodyExcerpt = 4 << 10

	deliveryIDPrefix = "wh_"
)

// Status is the terminal state of a delivery.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Request describes one delivery. Payload must be JSON-serializable; its
// canonical form (sorted keys, no extra whitespace) is both the request
// body and the signed message.
type Request struct {
	DestinationURL string
	Payload        map[string]any
	Headers        map[string]string // caller headers; signature headers are added on top
	MaxAttempts    int               // default 3
	Timeout        time.Duration     // per-attempt network timeout, default 10s
	SigningSecret  string            // non-empty enables HMAC signing

	// Tracking metadata. Persistence and per-tenant metrics are enabled
	// when TenantID and EventType are both present.
	EventType string
	TenantID  string
	ObjectID  string
}

// Result is the terminal outcome reported to the caller.
type Result struct {
	DeliveryID   string        `json:"delivery_id,omitempty"`
	Status       Status        `json:"status"`
	Attempts     int           `json:"attempts"`
	ResponseCode int           `json:"response_code,omitempty"` // 0 when no HTTP response was seen
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// MetricsRecorder receives delivery outcome metrics. Implementations must
// be safe for concurrent use.
type MetricsRecorder interface {
	RecordDelivery(tenant, eventType, status string, duration time.Duration, attempts int)
	RecordValidationFailure(tenant, eventType string)
	RecordRetry(reason string)
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(string, string, string, time.Duration, int) {}
func (NopMetrics) RecordValidationFailure(string, string)                    {}
func (NopMetrics) RecordRetry(string)                                        {}

// Options configures an Engine. Zero-value fields get working defaults.
type Options struct {
	Validator *safety.Validator
	Recorder  record.Recorder
	Metrics   MetricsRecorder
	Logger    *logging.Logger
	Backoff   Backoff

	// AllowLocalhost relaxes only the loopback check on destination
	// validation, for test environments delivering to local servers.
	AllowLocalhost bool
}

// Engine delivers signed event notifications with bounded retries.
type Engine struct {
	client         *http.Client
	validator      *safety.Validator
	recorder       record.Recorder
	metrics        MetricsRecorder
	log            *logging.Logger
	backoff        Backoff
	allowLocalhost bool
}

// New builds an Engine.
func New(opts Options) *Engine {
	e := &Engine{
		validator:      opts.Validator,
		recorder:       opts.Recorder,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		backoff:        opts.Backoff,
		allowLocalhost: opts.AllowLocalhost,
	}
	if e.validator == nil {
		e.validator = safety.New()
	}
	if e.recorder == nil {
		e.recorder = record.Noop{}
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.log == nil {
		e.log = logging.New("signalhook-engine")
	}
	if e.backoff.Base <= 0 {
		e.backoff.Base = time.Second
	}
	if e.backoff.Max <= 0 {
		e.backoff.Max = 30 * time.Second
	}
	// Per-attempt timeouts come from the request context, not the
	// client. Redirects are followed but each hop passes the same
	// destination screening as the original URL.
	e.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if ok, reason := e.validateDestination(req.URL.String()); !ok {
				return fmt.Errorf("redirect to unsafe destination: %s", reason)
			}
			return nil
		},
	}
	return e
}

func (e *Engine) validateDestination(url string) (bool, string) {
	if e.allowLocalhost {
		return e.validator.ValidateForTesting(url, true)
	}
	return e.validator.Validate(url)
}

// Deliver validates, signs, and posts one event notification, retrying
// retryable failures up to MaxAttempts with exponential backoff. The
// backoff wait honors ctx cancellation; individual attempts are bounded
// by the per-attempt timeout. The engine imposes no overall deadline:
// callers wanting one wrap ctx themselves.
func (e *Engine) Deliver(ctx context.Context, req Request) Result {
	start := time.Now()
	if req.MaxAttempts < 1 {
		req.MaxAttempts = DefaultMaxAttempts
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	tracked := req.TenantID != "" && req.EventType != ""

	ctx, span := tracing.StartSpan(ctx, "engine.deliver",
		attribute.String("destination", req.DestinationURL),
		attribute.String("tenant_id", req.TenantID),
		attribute.String("event_type", req.EventType),
		attribute.Int("max_attempts", req.MaxAttempts),
	)
	defer span.End()

	// Fail fast on unsafe destinations: no network call, no record.
	if ok, reason := e.validateDestination(req.DestinationURL); !ok {
		tracing.AddSpanEvent(ctx, "delivery.validation_failed")
		if tracked {
			e.metrics.RecordValidationFailure(req.TenantID, req.EventType)
		}
		e.log.WithContext(ctx).WithTenant(req.TenantID).WithDestination(req.DestinationURL).
			WithField("reason", reason).Warn("rejected delivery destination")
		return Result{
			Status:   StatusFailed,
			Error:    "invalid destination: " + reason,
			Duration: time.Since(start),
		}
	}

	deliveryID := newDeliveryID()
	span.SetAttributes(attribute.String("delivery_id", deliveryID))

	body, err := signing.Canonicalize(req.Payload)
	if err != nil {
		return Result{
			DeliveryID: deliveryID,
			Status:     StatusFailed,
			Error:      record.TruncateError(err.Error()),
			Duration:   time.Since(start),
		}
	}

	headers := make(map[string]string, len(req.Headers)+3)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	if req.SigningSecret != "" {
		tracing.AddSpanEvent(ctx, "delivery.sign")
		// Signature headers win over caller headers of the same name.
		for k, v := range signing.SignRaw(body, req.SigningSecret, time.Now()) {
			headers[k] = v
		}
	}

	if tracked {
		e.recorder.Create(ctx, record.Record{
			DeliveryID: deliveryID,
			TenantID:   req.TenantID,
			WebhookURL: req.DestinationURL,
			EventType:  req.EventType,
			ObjectID:   req.ObjectID,
			Payload:    req.Payload,
		})
	}

	var lastStatus int
	var lastErr string
	for attempt := 1; attempt <= req.MaxAttempts; attempt++ {
		tracing.AddSpanEvent(ctx, "delivery.attempt", attribute.Int("attempt", attempt))
		status, excerpt, doErr := e.attempt(ctx, req.DestinationURL, body, headers, req.Timeout)

		switch classify(status, doErr) {
		case OutcomeSuccess:
			now := time.Now()
			if tracked {
				e.recorder.Update(ctx, deliveryID, record.Update{
					Status:       record.StatusDelivered,
					Attempts:     attempt,
					ResponseCode: intPtr(status),
					DeliveredAt:  &now,
				})
				e.metrics.RecordDelivery(req.TenantID, req.EventType, "success", time.Since(start), attempt)
			}
			e.log.WithContext(ctx).WithDelivery(deliveryID).WithTenant(req.TenantID).
				WithFields(map[string]any{"attempts": attempt, "status": status}).Info("delivered")
			return Result{
				DeliveryID:   deliveryID,
				Status:       StatusDelivered,
				Attempts:     attempt,
				ResponseCode: status,
				Duration:     time.Since(start),
			}

		case OutcomeClientError:
			// 4xx will not self-correct; terminal regardless of
			// remaining attempts.
			errText := fmt.Sprintf("client error: HTTP %d", status)
			if excerpt != "" {
				errText += ": " + excerpt
			}
			errText = record.TruncateError(errText)
			if tracked {
				e.recorder.Update(ctx, deliveryID, record.Update{
					Status:       record.StatusFailed,
					Attempts:     attempt,
					ResponseCode: intPtr(status),
					LastError:    errText,
				})
				e.metrics.RecordDelivery(req.TenantID, req.EventType, "client_error", time.Since(start), attempt)
			}
			e.log.WithContext(ctx).WithDelivery(deliveryID).WithTenant(req.TenantID).
				WithFields(map[string]any{"attempts": attempt, "status": status}).Warn("delivery rejected by receiver")
			return Result{
				DeliveryID:   deliveryID,
				Status:       StatusFailed,
				Attempts:     attempt,
				ResponseCode: status,
				Error:        errText,
				Duration:     time.Since(start),
			}

		case OutcomeRetryable:
			lastStatus = status
			if doErr != nil {
				lastErr = record.TruncateError(doErr.Error())
			} else {
				lastErr = record.TruncateError(fmt.Sprintf("HTTP %d: %s", status, excerpt))
			}
			tracing.SetSpanError(ctx, errors.New(lastErr))

			if attempt == req.MaxAttempts {
				break
			}
			reason := retryReason(status, doErr)
			e.metrics.RecordRetry(reason)
			delay := e.backoff.Delay(attempt)
			e.log.WithContext(ctx).WithDelivery(deliveryID).WithTenant(req.TenantID).
				WithFields(map[string]any{"attempt": attempt, "reason": reason, "delay": delay.String()}).
				Info("delivery retry scheduled")
			if err := sleep(ctx, delay); err != nil {
				// Caller canceled during backoff: report what we know.
				return e.exhausted(ctx, req, deliveryID, attempt, lastStatus,
					record.TruncateError("canceled during backoff: "+lastErr), start, tracked)
			}
		}
	}

	return e.exhausted(ctx, req, deliveryID, req.MaxAttempts, lastStatus, lastErr, start, tracked)
}

// exhausted finalizes a delivery whose retry budget ran out.
func (e *Engine) exhausted(ctx context.Context, req Request, deliveryID string, attempts, lastStatus int, lastErr string, start time.Time, tracked bool) Result {
	if tracked {
		u := record.Update{
			Status:    record.StatusFailed,
			Attempts:  attempts,
			LastError: lastErr,
		}
		if lastStatus > 0 {
			u.ResponseCode = intPtr(lastStatus)
		}
		e.recorder.Update(ctx, deliveryID, u)
		e.metrics.RecordDelivery(req.TenantID, req.EventType, "max_retries_exceeded", time.Since(start), attempts)
	}
	e.log.WithContext(ctx).WithDelivery(deliveryID).WithTenant(req.TenantID).
		WithFields(map[string]any{"attempts": attempts, "last_status": lastStatus, "last_error": lastErr}).
		Error("delivery failed after retries")
	return Result{
		DeliveryID:   deliveryID,
		Status:       StatusFailed,
		Attempts:     attempts,
		ResponseCode: lastStatus,
		Error:        lastErr,
		Duration:     time.Since(start),
	}
}

// attempt performs one HTTP POST, returning the status code and an excerpt
// of the response body for non-2xx responses.
func (e *Engine) attempt(ctx context.Context, url string, body []byte, headers map[string]string, timeout time.Duration) (int, string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyExcerpt))
		return resp.StatusCode, "", nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
	return resp.StatusCode, record.TruncateError(string(excerpt)), nil
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newDeliveryID returns "wh_" plus 12 random hex characters.
func newDeliveryID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to a time-derived suffix rather than panic.
		return deliveryIDPrefix + hex.EncodeToString([]byte(time.Now().Format("150405.000"))[:6])
	}
	return deliveryIDPrefix + hex.EncodeToString(b)
}

func intPtr(v int) *int { return &v }
