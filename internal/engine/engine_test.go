package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bmcallister/signalhook/internal/record"
	"github.com/bmcallister/signalhook/internal/signing"
)

// captureRecorder records Create/Update calls for assertions.
type captureRecorder struct {
	mu      sync.Mutex
	created []record.Record
	updates []record.Update
	ids     []string
}

func (c *captureRecorder) Create(_ context.Context, r record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, r)
}

func (c *captureRecorder) Update(_ context.Context, id string, u record.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	c.updates = append(c.updates, u)
}

// sequenceServer returns an httptest server answering with the given
// status codes in order (the last one repeats), and a capture of every
// request's body and headers.
type received struct {
	body    []byte
	headers http.Header
}

func sequenceServer(t *testing.T, codes ...int) (*httptest.Server, *[]received) {
	t.Helper()
	var mu sync.Mutex
	var calls []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		n := len(calls)
		calls = append(calls, received{body: body, headers: r.Header.Clone()})
		mu.Unlock()
		idx := n
		if idx >= len(codes) {
			idx = len(codes) - 1
		}
		w.WriteHeader(codes[idx])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// testEngine builds an engine that can reach httptest servers on loopback
// and uses a fast backoff unless overridden.
func testEngine(rec record.Recorder, backoff Backoff) *Engine {
	if backoff.Base == 0 {
		backoff = Backoff{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond}
	}
	return New(Options{
		Recorder:       rec,
		Backoff:        backoff,
		AllowLocalhost: true,
	})
}

func TestDeliverFirstAttemptSuccess(t *testing.T) {
	srv, calls := sequenceServer(t, 200)
	rec := &captureRecorder{}
	e := testEngine(rec, Backoff{})

	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "creative.approved", "id": "cr_1"},
		TenantID:       "tn_1",
		EventType:      "creative.approved",
	})

	if res.Status != StatusDelivered {
		t.Fatalf("Status = %q, want delivered (err %q)", res.Status, res.Error)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.ResponseCode != 200 {
		t.Errorf("ResponseCode = %d, want 200", res.ResponseCode)
	}
	if !strings.HasPrefix(res.DeliveryID, "wh_") || len(res.DeliveryID) != len("wh_")+12 {
		t.Errorf("DeliveryID = %q, want wh_ plus 12 hex chars", res.DeliveryID)
	}
	if len(*calls) != 1 {
		t.Errorf("server saw %d requests, want 1", len(*calls))
	}
	if got := (*calls)[0].headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	if len(rec.created) != 1 || len(rec.updates) != 1 {
		t.Fatalf("recorder calls: %d creates, %d updates; want 1 and 1", len(rec.created), len(rec.updates))
	}
	if rec.updates[0].Status != record.StatusDelivered || rec.updates[0].Attempts != 1 {
		t.Errorf("record update = %+v, want delivered with 1 attempt", rec.updates[0])
	}
	if rec.updates[0].DeliveredAt == nil {
		t.Error("record update missing delivered_at")
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, calls := sequenceServer(t, 400)
	rec := &captureRecorder{}
	e := testEngine(rec, Backoff{})

	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    3,
		TenantID:       "tn_1",
		EventType:      "creative.rejected",
	})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (client errors are never retried)", res.Attempts)
	}
	if res.ResponseCode != 400 {
		t.Errorf("ResponseCode = %d, want 400", res.ResponseCode)
	}
	if len(*calls) != 1 {
		t.Errorf("server saw %d requests, want 1", len(*calls))
	}
	if len(rec.updates) != 1 || rec.updates[0].Status != record.StatusFailed || rec.updates[0].Attempts != 1 {
		t.Errorf("record update = %+v, want failed with 1 attempt", rec.updates)
	}
}

func TestRetryThenSuccessWithRealBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("uses the production 1s backoff base")
	}
	srv, _ := sequenceServer(t, 503, 200)
	e := New(Options{AllowLocalhost: true}) // default 1s base

	start := time.Now()
	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    3,
	})
	elapsed := time.Since(start)

	if res.Status != StatusDelivered {
		t.Fatalf("Status = %q, want delivered (err %q)", res.Status, res.Error)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if elapsed < time.Second {
		t.Errorf("elapsed = %v, want >= 1s (first backoff)", elapsed)
	}
}

func TestExhaustion(t *testing.T) {
	srv, calls := sequenceServer(t, 500)
	rec := &captureRecorder{}
	e := testEngine(rec, Backoff{})

	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    3,
		TenantID:       "tn_1",
		EventType:      "creative.approved",
	})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if res.ResponseCode != 500 {
		t.Errorf("ResponseCode = %d, want 500", res.ResponseCode)
	}
	if res.Error == "" {
		t.Error("Error is empty, want last observed failure")
	}
	if len(*calls) != 3 {
		t.Errorf("server saw %d requests, want 3", len(*calls))
	}
	if len(rec.updates) != 1 || rec.updates[0].Attempts != 3 {
		t.Errorf("record update = %+v, want failed with 3 attempts", rec.updates)
	}
}

func TestConcreteFlakySequenceWithSignature(t *testing.T) {
	srv, calls := sequenceServer(t, 503, 503, 200)
	e := testEngine(record.Noop{}, Backoff{})

	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "creative.approved", "id": "cr_1"},
		SigningSecret:  "s3cr3t",
		MaxAttempts:    3,
	})

	if res.Status != StatusDelivered {
		t.Fatalf("Status = %q, want delivered (err %q)", res.Status, res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if res.ResponseCode != 200 {
		t.Errorf("ResponseCode = %d, want 200", res.ResponseCode)
	}

	if len(*calls) != 3 {
		t.Fatalf("server saw %d requests, want 3", len(*calls))
	}
	last := (*calls)[2]
	sig := last.headers.Get(signing.SignatureHeader)
	ts := last.headers.Get(signing.TimestampHeader)
	if sig == "" || ts == "" {
		t.Fatalf("missing signature headers: sig=%q ts=%q", sig, ts)
	}
	if !signing.Verify(last.body, sig, ts, "s3cr3t", 0) {
		t.Error("received signature does not verify against the received body")
	}
	// Every attempt posts the identical canonical body.
	if string((*calls)[0].body) != string(last.body) {
		t.Errorf("attempt bodies differ: %s vs %s", (*calls)[0].body, last.body)
	}
}

func TestInvalidDestinationFailsFast(t *testing.T) {
	rec := &captureRecorder{}
	e := testEngine(rec, Backoff{})

	tests := []struct {
		name string
		url  string
	}{
		{"metadata ip", "http://169.254.169.254/latest/meta-data/"},
		{"private", "http://10.0.0.5/hook"},
		{"bad scheme", "ftp://example.com/hook"},
		{"empty host", "http:///hook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Deliver(context.Background(), Request{
				DestinationURL: tt.url,
				Payload:        map[string]any{"event": "x"},
				TenantID:       "tn_1",
				EventType:      "creative.approved",
			})
			if res.Status != StatusFailed {
				t.Errorf("Status = %q, want failed", res.Status)
			}
			if !strings.Contains(res.Error, "invalid destination") {
				t.Errorf("Error = %q, want invalid destination reason", res.Error)
			}
			if res.Attempts != 0 {
				t.Errorf("Attempts = %d, want 0 (no network call)", res.Attempts)
			}
			if res.DeliveryID != "" {
				t.Errorf("DeliveryID = %q, want empty before validation passes", res.DeliveryID)
			}
		})
	}
	if len(rec.created) != 0 {
		t.Errorf("recorder saw %d creates, want 0 for rejected destinations", len(rec.created))
	}
}

func TestCallerHeadersPreservedSignatureWins(t *testing.T) {
	srv, calls := sequenceServer(t, 200)
	e := testEngine(record.Noop{}, Backoff{})

	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		SigningSecret:  "s3cr3t",
		Headers: map[string]string{
			"X-Custom-Header":       "kept",
			signing.SignatureHeader: "sha256=spoofed",
		},
	})
	if res.Status != StatusDelivered {
		t.Fatalf("Status = %q, want delivered", res.Status)
	}

	got := (*calls)[0]
	if got.headers.Get("X-Custom-Header") != "kept" {
		t.Errorf("caller header dropped: %q", got.headers.Get("X-Custom-Header"))
	}
	sig := got.headers.Get(signing.SignatureHeader)
	if sig == "sha256=spoofed" {
		t.Error("caller was able to overwrite the signature header")
	}
	if !signing.Verify(got.body, sig, got.headers.Get(signing.TimestampHeader), "s3cr3t", 0) {
		t.Error("sent signature does not verify")
	}
}

func TestTransportFailureRetriesThenExhausts(t *testing.T) {
	// A server that is immediately closed yields connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := testEngine(record.Noop{}, Backoff{})
	res := e.Deliver(context.Background(), Request{
		DestinationURL: url,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    2,
	})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if res.ResponseCode != 0 {
		t.Errorf("ResponseCode = %d, want 0 for transport failure", res.ResponseCode)
	}
	if res.Error == "" {
		t.Error("Error is empty, want transport error text")
	}
}

func TestMaxAttemptsOneNeverRetries(t *testing.T) {
	srv, calls := sequenceServer(t, 500)
	e := testEngine(record.Noop{}, Backoff{})

	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    1,
	})

	if res.Attempts != 1 || res.Status != StatusFailed {
		t.Errorf("got attempts=%d status=%q, want 1 failed", res.Attempts, res.Status)
	}
	if len(*calls) != 1 {
		t.Errorf("server saw %d requests, want 1", len(*calls))
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	srv, _ := sequenceServer(t, 500)
	e := testEngine(record.Noop{}, Backoff{Base: 5 * time.Second, Max: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := e.Deliver(ctx, Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    3,
	})
	if time.Since(start) > 2*time.Second {
		t.Errorf("Deliver did not honor cancellation during backoff (took %v)", time.Since(start))
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %q, want failed on cancellation", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestRedirectToPrivateAddressBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	e := testEngine(record.Noop{}, Backoff{})
	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    1,
	})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "unsafe destination") {
		t.Errorf("Error = %q, want redirect-blocked reason", res.Error)
	}
}

func TestPersistenceDegradationDoesNotChangeOutcome(t *testing.T) {
	// A recorder whose storage is down swallows everything; the delivery
	// result must match what a healthy store would have recorded.
	srv, _ := sequenceServer(t, 503, 200)
	e := testEngine(record.Noop{}, Backoff{})

	res := e.Deliver(context.Background(), Request{
		DestinationURL: srv.URL,
		Payload:        map[string]any{"event": "x"},
		MaxAttempts:    3,
		TenantID:       "tn_1",
		EventType:      "creative.approved",
	})
	if res.Status != StatusDelivered || res.Attempts != 2 || res.ResponseCode != 200 {
		t.Errorf("got %+v, want delivered in 2 attempts with 200", res)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   Outcome
	}{
		{"200", 200, nil, OutcomeSuccess},
		{"204", 204, nil, OutcomeSuccess},
		{"299", 299, nil, OutcomeSuccess},
		{"301 unfollowed", 301, nil, OutcomeRetryable},
		{"400", 400, nil, OutcomeClientError},
		{"404", 404, nil, OutcomeClientError},
		{"429", 429, nil, OutcomeClientError},
		{"499", 499, nil, OutcomeClientError},
		{"500", 500, nil, OutcomeRetryable},
		{"503", 503, nil, OutcomeRetryable},
		{"transport error", 0, errors.New("dial tcp: connection refused"), OutcomeRetryable},
		{"error wins over status", 200, errors.New("read: connection reset"), OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.status, tt.err); got != tt.want {
				t.Errorf("classify(%d, %v) = %v, want %v", tt.status, tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryReason(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   string
	}{
		{"timeout", 0, errors.New("context deadline exceeded"), "timeout"},
		{"refused", 0, errors.New("dial tcp 1.2.3.4:443: connection refused"), "connection_refused"},
		{"dns", 0, errors.New("lookup nope.test: no such host"), "dns_error"},
		{"other network", 0, errors.New("read: connection reset by peer"), "network"},
		{"5xx", 503, nil, "http_5xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryReason(tt.status, tt.err); got != tt.want {
				t.Errorf("retryReason(%d, %v) = %q, want %q", tt.status, tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{20, 30 * time.Second},
		{0, time.Second}, // clamped to first attempt
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
