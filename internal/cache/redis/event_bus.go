package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

const (
	// eventChannelRoot prefixes every pub/sub channel: events:<topic>.
	eventChannelRoot = "events"
	// historyStream keeps the replayable event log.
	historyStream = "events:history"
	// historyMaxLen caps the log via XADD MAXLEN ~.
	historyMaxLen int64 = 10000
)

// EventBus implements domain.EventBus. Live delivery rides pub/sub; the
// history is a capped stream whose entries carry topic and payload.
type EventBus struct {
	c *Client
}

// NewEventBus creates an EventBus backed by c.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

// Broadcast publishes and appends in one MULTI so a subscriber never sees an
// event the history lacks.
func (b *EventBus) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("redis: broadcast: empty topic")
	}
	_, err := b.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: b.c.key(historyStream),
			MaxLen: historyMaxLen,
			Approx: true,
			Values: map[string]any{"topic": topic, "payload": payload},
		})
		p.Publish(ctx, b.channel(topic), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: broadcast %s: %w", topic, err)
	}
	return nil
}

// Subscribe uses PSUBSCRIBE so "order_*" follows every order event. The
// returned channel closes when ctx ends or the connection drops.
func (b *EventBus) Subscribe(ctx context.Context, pattern string) (<-chan domain.BusMessage, error) {
	if pattern == "" {
		pattern = "*"
	}
	pubsub := b.c.rdb.PSubscribe(ctx, b.channel(pattern))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", pattern, err)
	}

	root := b.channel("")
	out := make(chan domain.BusMessage, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				m := domain.BusMessage{
					Topic:   strings.TrimPrefix(msg.Channel, root),
					Payload: []byte(msg.Payload),
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// History reads the event log without blocking. An empty log is not an
// error.
func (b *EventBus) History(ctx context.Context, afterID string, count int) ([]domain.StreamMessage, error) {
	if afterID == "" {
		afterID = "0"
	}
	res, err := b.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.c.key(historyStream), afterID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: history after %s: %w", afterID, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			payload, ok := asBytes(msg.Values["payload"])
			if !ok {
				continue
			}
			topic, _ := msg.Values["topic"].(string)
			out = append(out, domain.StreamMessage{ID: msg.ID, Topic: topic, Payload: payload})
		}
	}
	return out, nil
}

// channel maps a topic or pattern to its namespaced pub/sub channel.
func (b *EventBus) channel(topic string) string {
	return b.c.key(eventChannelRoot) + ":" + topic
}

func asBytes(v any) ([]byte, bool) {
	switch t := v.(type) {
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	}
	return nil, false
}

var _ domain.EventBus = (*EventBus)(nil)
