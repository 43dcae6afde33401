package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

const sinkTimeout = 2 * time.Second

// Multi fans an event out to every non-nil sink in order.
type Multi []domain.EventSink

// NewMulti drops nil sinks.
func NewMulti(sinks ...domain.EventSink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) Emit(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// BusSink broadcasts events as JSON on the event bus, topic = event type.
type BusSink struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.EventBus, logger *slog.Logger) *BusSink {
	return &BusSink{bus: bus, logger: logger.With(slog.String("component", "event_bus"))}
}

func (s *BusSink) Emit(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal event", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := s.bus.Broadcast(ctx, string(ev.Type), payload); err != nil {
		s.logger.WarnContext(ctx, "broadcast event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
	}
}

// AuditSink writes every event to the audit log.
type AuditSink struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditSink creates an AuditSink.
func NewAuditSink(audit domain.AuditStore, logger *slog.Logger) *AuditSink {
	return &AuditSink{audit: audit, logger: logger.With(slog.String("component", "audit"))}
}

func (s *AuditSink) Emit(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := s.audit.Log(ctx, string(ev.Type), ev.Fields()); err != nil {
		s.logger.WarnContext(ctx, "audit event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
	}
}
