package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelaysStrictlyIncreaseUntilCap(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: 3 * time.Second, Jitter: 0.45, MaxAttempts: 20}

	// worst-case jitter sources: none, always maximal, alternating
	sources := map[string]func() float64{
		"zero":        func() float64 { return 0 },
		"max":         func() float64 { return 0.999999 },
		"alternating": alternating(),
	}
	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			b := New(p).WithRand(src)
			var prev time.Duration
			reachedCap := false
			for i := 0; i < p.MaxAttempts; i++ {
				d, err := b.Next()
				require.NoError(t, err)
				assert.LessOrEqual(t, d, p.Cap, "attempt %d exceeds cap", i)
				if reachedCap {
					assert.Equal(t, p.Cap, d)
				} else {
					assert.Greater(t, d, prev, "attempt %d did not increase", i)
				}
				if d == p.Cap {
					reachedCap = true
				}
				prev = d
			}
			assert.True(t, reachedCap)
		})
	}
}

func alternating() func() float64 {
	n := 0
	return func() float64 {
		n++
		if n%2 == 0 {
			return 0.999
		}
		return 0
	}
}

func TestNextExhausts(t *testing.T) {
	b := New(Policy{Base: time.Millisecond, Cap: time.Second, MaxAttempts: 2})
	_, err := b.Next()
	require.NoError(t, err)
	_, err = b.Next()
	require.NoError(t, err)
	assert.True(t, b.Exhausted())

	_, err = b.Next()
	assert.ErrorIs(t, err, ErrExhausted)

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.False(t, b.Exhausted())
}

func TestPeekDoublesAndCaps(t *testing.T) {
	b := New(Policy{Base: time.Second, Cap: 5 * time.Second})
	assert.Equal(t, time.Second, b.Peek(0))
	assert.Equal(t, 2*time.Second, b.Peek(1))
	assert.Equal(t, 4*time.Second, b.Peek(2))
	assert.Equal(t, 5*time.Second, b.Peek(3))
	assert.Equal(t, 5*time.Second, b.Peek(60), "no overflow on large attempts")
}

func TestWaitHonoursContext(t *testing.T) {
	b := New(Policy{Base: time.Hour, Cap: time.Hour, MaxAttempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)
}

func TestRetry(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 3}
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), p, nil, func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), p, nil, func(context.Context) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 4, calls, "one initial call plus MaxAttempts retries")
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), p, func(err error) bool { return !errors.Is(err, fatal) }, func(context.Context) error {
			calls++
			return fatal
		})
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})
}
