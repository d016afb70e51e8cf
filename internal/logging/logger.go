// Package logging emits structured JSON log lines with trace correlation.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bmcallister/signalhook/internal/tracing"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Entry is a single structured log line.
type Entry struct {
	Time        time.Time      `json:"time"`
	Level       Level          `json:"level"`
	Message     string         `json:"msg"`
	Service     string         `json:"service,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	DeliveryID  string         `json:"delivery_id,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Logger creates entries tagged with a service name.
type Logger struct {
	service string
}

// New returns a Logger for the given service.
func New(service string) *Logger {
	return &Logger{service: service}
}

// Plain starts an entry with no request context.
func (l *Logger) Plain() *Entry {
	return &Entry{Time: time.Now().UTC(), Service: l.service}
}

// WithContext starts an entry carrying the trace ID from ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Entry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.TraceID = traceID
	}
	return e
}

// WithTenant sets the tenant ID.
func (e *Entry) WithTenant(tenantID string) *Entry {
	e.TenantID = tenantID
	return e
}

// WithEvent sets the event ID.
func (e *Entry) WithEvent(eventID string) *Entry {
	e.EventID = eventID
	return e
}

// WithDelivery sets the delivery ID.
func (e *Entry) WithDelivery(deliveryID string) *Entry {
	e.DeliveryID = deliveryID
	return e
}

// WithDestination sets the destination URL.
func (e *Entry) WithDestination(url string) *Entry {
	e.Destination = url
	return e
}

// WithField adds one key-value pair.
func (e *Entry) WithField(key string, value any) *Entry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple key-value pairs.
func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError adds an error field when err is non-nil.
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *Entry) Debug(msg string) { e.log(LevelDebug, msg) }
func (e *Entry) Info(msg string)  { e.log(LevelInfo, msg) }
func (e *Entry) Warn(msg string)  { e.log(LevelWarn, msg) }
func (e *Entry) Error(msg string) { e.log(LevelError, msg) }

// Infof logs at info level with formatting.
func (e *Entry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Errorf logs at error level with formatting.
func (e *Entry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits the process.
func (e *Entry) Fatal(msg string) {
	e.log(LevelFatal, msg)
	os.Exit(1)
}

func (e *Entry) log(level Level, msg string) {
	e.Level = level
	e.Message = msg
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Printf("%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Println(string(data))
}
