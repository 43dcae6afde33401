// Package notify alerts the operator about copy-pipeline events over
// Telegram and Discord. Events are filtered by type and delivered from a
// queue so a slow webhook never holds up the executor.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

const (
	queueSize   = 64
	sendTimeout = 10 * time.Second
)

type note struct {
	title, message string
}

// Notifier fans notifications out to every Sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	queue   chan note
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list lets every event
// type through.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan note, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Emit queues a notification for ev when its type is allowed. A full queue
// drops the notification.
func (n *Notifier) Emit(ctx context.Context, ev domain.Event) {
	if !n.Enabled() || (len(n.events) > 0 && !n.events[ev.Type]) {
		return
	}
	title, message := format(ev)
	select {
	case n.queue <- note{title: title, message: message}:
	default:
		n.logger.WarnContext(ctx, "notification dropped, queue full", slog.String("event", string(ev.Type)))
	}
}

// Run delivers queued notifications until ctx ends, then sends whatever is
// still queued on a detached context.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			dctx := context.WithoutCancel(ctx)
			for {
				select {
				case nt := <-n.queue:
					_ = n.dispatch(dctx, nt.title, nt.message)
				default:
					return nil
				}
			}
		case nt := <-n.queue:
			_ = n.dispatch(ctx, nt.title, nt.message)
		}
	}
}

// NotifyAll sends immediately, bypassing the filter and the queue.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.Send(sctx, title, message)
		cancel()
		if err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

func format(ev domain.Event) (string, string) {
	title := "polymirror: " + strings.ReplaceAll(string(ev.Type), "_", " ")

	fields := ev.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, fields[k])
	}
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, "at: %s", ev.At.UTC().Format(time.RFC3339))
	}
	return title, strings.TrimRight(b.String(), "\n")
}

var _ domain.EventSink = (*Notifier)(nil)
