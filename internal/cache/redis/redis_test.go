package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

func setupClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate redis: %v", err)
		}
	})

	addr, err := container.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: addr, KeyPrefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedis(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()

	t.Run("lease is exclusive until released", func(t *testing.T) {
		lm := NewLockManager(c)
		lease, err := lm.Acquire(ctx, "instance", time.Minute)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "instance", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockHeld)

		require.NoError(t, lease.Refresh(ctx, time.Minute))
		lease.Release()
		lease.Release()

		again, err := lm.Acquire(ctx, "instance", time.Minute)
		require.NoError(t, err)
		defer again.Release()

		assert.ErrorIs(t, lease.Refresh(ctx, time.Minute), domain.ErrLockHeld, "released lease cannot steal the new holder's lock")
	})

	t.Run("sliding window admits limit per window", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "venue", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "request %d", i)
		}
		ok, err := rl.Allow(ctx, "venue", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		wctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, rl.Wait(wctx, "venue", 3, time.Minute), context.DeadlineExceeded)

		require.NoError(t, rl.Wait(ctx, "short", 1, 100*time.Millisecond))
		require.NoError(t, rl.Wait(ctx, "short", 1, 100*time.Millisecond), "admitted once the window slides")
	})

	t.Run("event history", func(t *testing.T) {
		bus := NewEventBus(c)
		msgs, err := bus.History(ctx, "0", 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		require.NoError(t, bus.Broadcast(ctx, "order_filled", []byte(`{"type":"order_filled"}`)))
		require.NoError(t, bus.Broadcast(ctx, "order_failed", []byte(`{"type":"order_failed"}`)))
		assert.Error(t, bus.Broadcast(ctx, "", []byte(`{}`)))

		msgs, err = bus.History(ctx, "0", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "order_failed", msgs[1].Topic)
		assert.JSONEq(t, `{"type":"order_failed"}`, string(msgs[1].Payload))

		msgs, err = bus.History(ctx, msgs[0].ID, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	})

	t.Run("live subscription", func(t *testing.T) {
		bus := NewEventBus(c)
		sctx, cancel := context.WithCancel(ctx)
		ch, err := bus.Subscribe(sctx, "order_*")
		require.NoError(t, err)

		require.NoError(t, bus.Broadcast(ctx, "balance_refreshed", []byte("skip")))
		require.NoError(t, bus.Broadcast(ctx, "order_submitted", []byte("hello")))
		select {
		case got := <-ch:
			assert.Equal(t, "order_submitted", got.Topic)
			assert.Equal(t, "hello", string(got.Payload))
		case <-time.After(5 * time.Second):
			t.Fatal("no message")
		}

		cancel()
		assert.Eventually(t, func() bool {
			_, open := <-ch
			return !open
		}, 5*time.Second, 10*time.Millisecond)
	})
}
