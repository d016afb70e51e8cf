// Package record persists one row per delivery attempt-set for audit and
// operator inspection. Persistence is best-effort observability: write
// failures are logged and swallowed so they can never change the outcome
// of a delivery.
package record

import (
	"context"
	"time"
)

// Status is the lifecycle state of a delivery record. Transitions are
// pending -> delivered or pending -> failed, never reversed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Record is the persisted shape of one logical delivery.
type Record struct {
	DeliveryID    string         `json:"delivery_id"`
	TenantID      string         `json:"tenant_id"`
	WebhookURL    string         `json:"webhook_url"`
	EventType     string         `json:"event_type"`
	ObjectID      string         `json:"object_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	ResponseCode  *int           `json:"response_code,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
}

// Update carries the terminal mutation applied to a pending record.
type Update struct {
	Status       Status
	Attempts     int
	ResponseCode *int
	LastError    string
	DeliveredAt  *time.Time
}

// Recorder persists delivery records. Implementations must be safe for
// concurrent use across distinct delivery IDs and must swallow storage
// errors rather than return them.
type Recorder interface {
	Create(ctx context.Context, r Record)
	Update(ctx context.Context, deliveryID string, u Update)
}

// Noop discards all writes. Used by library callers that run the engine
// without a database.
type Noop struct{}

func (Noop) Create(context.Context, Record)         {}
func (Noop) Update(context.Context, string, Update) {}

// maxErrorLen bounds last_error text stored or returned to operators.
const maxErrorLen = 200

// TruncateError trims an error message to a human-readable excerpt.
func TruncateError(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen] + "..."
}
