// Package deliverylog records the final outcome of every notification the
// dispatcher handled. Rows are append-only and carry the trace of the request
// that produced the event.
package deliverylog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

type Entry struct {
	MessageID string
	EventType string
	StreamID  string
	Handler   string
	Status    Status
	Attempts  int
	Error     string
	TraceID   string
	SpanID    string
	At        time.Time
}

// Repository persists delivery outcomes.
type Repository interface {
	Save(ctx context.Context, entry *Entry) error
	ListByMessage(ctx context.Context, messageID string) ([]Entry, error)
}

// NewEntry builds an entry stamped with the span active in ctx, if any.
func NewEntry(ctx context.Context, messageID, eventType, streamID, handler string, err error) *Entry {
	e := &Entry{
		MessageID: messageID,
		EventType: eventType,
		StreamID:  streamID,
		Handler:   handler,
		Status:    StatusDelivered,
		At:        time.Now().UTC(),
	}
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}
