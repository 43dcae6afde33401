package domain

import (
	"context"
	"time"
)

// EventType names an observable pipeline event.
type EventType string

const (
	EventTradeDetected   EventType = "trade_detected"
	EventEntryMalformed  EventType = "entry_malformed"
	EventPollSkipped     EventType = "poll_skipped"
	EventSignalDuplicate EventType = "signal_duplicate"
	EventOrderSubmitted  EventType = "order_submitted"
	EventOrderFilled     EventType = "order_filled"
	EventOrderPartial    EventType = "order_partially_filled"
	EventOrderResting    EventType = "order_resting"
	EventOrderRejected   EventType = "order_rejected"
	EventOrderFailed     EventType = "order_failed"
)

// Event is emitted to the host for detected trades and order outcomes.
type Event struct {
	Type     EventType      `json:"type"`
	At       time.Time      `json:"at"`
	Address  string         `json:"address,omitempty"`
	SignalID string         `json:"signal_id,omitempty"`
	OrderID  string         `json:"order_id,omitempty"`
	Message  string         `json:"message,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Fields flattens the event for audit rows and notifications.
func (e Event) Fields() map[string]any {
	out := make(map[string]any, len(e.Detail)+4)
	for k, v := range e.Detail {
		out[k] = v
	}
	if e.Address != "" {
		out["address"] = e.Address
	}
	if e.SignalID != "" {
		out["signal_id"] = e.SignalID
	}
	if e.OrderID != "" {
		out["order_id"] = e.OrderID
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	return out
}

// EventSink receives pipeline events. Emit must not block for long; sinks
// that do I/O bound it with their own timeout.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }
