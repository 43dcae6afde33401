// Package handoff is the ordered, bounded channel between the trade monitor
// and the executor.
package handoff

import (
	"context"
	"sync"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// Commit asks the consumer to persist Cursor for Address once the carrying
// item has been processed. It rides on the last signal of a feed page.
type Commit struct {
	Address string
	Cursor  string
}

// Item is one signal in flight.
type Item struct {
	Signal domain.TradeSignal
	Commit *Commit
}

// Channel is a FIFO with fixed capacity. Send blocks while it is full.
type Channel struct {
	ch        chan Item
	closeOnce sync.Once
}

// New creates a Channel holding at most capacity items.
func New(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{ch: make(chan Item, capacity)}
}

// Send enqueues item, waiting for space. It returns ctx.Err() if the context
// ends first, in which case the item was not enqueued.
func (c *Channel) Send(ctx context.Context, item Item) error {
	// Prefer reporting cancellation over racing a free slot.
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive exposes the consumer side.
func (c *Channel) Receive() <-chan Item { return c.ch }

// Len is the number of buffered items.
func (c *Channel) Len() int { return len(c.ch) }

// Cap is the channel capacity.
func (c *Channel) Cap() int { return cap(c.ch) }

// Close signals that no producer will send again. Must only be called once
// every producer has returned.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.ch) })
}
