// Package task defines the queue message carrying a delivery request from
// the ingest API to the delivery workers, and the dead-letter envelope for
// deliveries that terminally failed.
package task

import "time"

// Task is one delivery request on the notifications topic.
type Task struct {
	EventID        string            `json:"event_id"`
	TenantID       string            `json:"tenant_id"`
	DestinationURL string            `json:"destination_url"`
	EventType      string            `json:"event_type"`
	ObjectID       string            `json:"object_id,omitempty"`
	Payload        map[string]any    `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	SigningSecret  string            `json:"signing_secret,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	PublishedAt    string            `json:"published_at"` // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}

// DLQType tags dead-letter envelopes on the wire.
const DLQType = "notification.dlq"

// DeadLetter wraps a terminally failed delivery for the DLQ topic.
type DeadLetter struct {
	Type       string `json:"type"`    // "notification.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string `json:"reason"`  // human/debug text
	DeliveryID string `json:"delivery_id,omitempty"`
	Attempts   int    `json:"attempts"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Task       Task   `json:"task"` // full delivery snapshot
}

// NewDeadLetter builds a DeadLetter envelope for t.
func NewDeadLetter(t Task, deliveryID string, attempts, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		DeliveryID: deliveryID,
		Attempts:   attempts,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Task:       t,
	}
}
