package handoff

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string) Item {
	return Item{Signal: domain.TradeSignal{ID: id}}
}

func TestChannelPreservesOrder(t *testing.T) {
	c := New(8)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Send(ctx, item(strconv.Itoa(i))))
	}
	assert.Equal(t, 8, c.Len())
	c.Close()

	var got []string
	for it := range c.Receive() {
		got = append(got, it.Signal.ID)
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7"}, got)
}

func TestSendBlocksWhenFull(t *testing.T) {
	c := New(1)
	require.NoError(t, c.Send(context.Background(), item("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, item("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.Len(), "blocked item must not be enqueued")

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), item("c")) }()

	select {
	case <-done:
		t.Fatal("send returned while channel was full")
	case <-time.After(20 * time.Millisecond):
	}

	first := <-c.Receive()
	assert.Equal(t, "a", first.Signal.ID)
	require.NoError(t, <-done)
	second := <-c.Receive()
	assert.Equal(t, "c", second.Signal.ID)
}

func TestSendOnCancelledContext(t *testing.T) {
	c := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Send(ctx, item("x")), context.Canceled)
	assert.Equal(t, 0, c.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(1)
	c.Close()
	assert.NotPanics(t, c.Close)
}
