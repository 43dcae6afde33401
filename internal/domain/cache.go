package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// Lease is a held distributed lock.
type Lease interface {
	// Refresh extends the lease. It returns ErrLockHeld if ownership was lost.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// StreamMessage is one entry of the event history.
type StreamMessage struct {
	ID      string
	Topic   string
	Payload []byte
}

// BusMessage is one live event delivered to a subscriber.
type BusMessage struct {
	Topic   string
	Payload []byte
}

// EventBus fans pipeline events out to other processes and keeps a capped
// history of them.
type EventBus interface {
	// Broadcast publishes payload under topic and appends it to the history.
	Broadcast(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers live events whose topic matches the glob pattern
	// until ctx ends.
	Subscribe(ctx context.Context, pattern string) (<-chan BusMessage, error)
	// History returns up to count entries after afterID, oldest first. "0"
	// reads from the start.
	History(ctx context.Context, afterID string, count int) ([]StreamMessage, error)
}
