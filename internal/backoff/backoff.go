// Package backoff implements a bounded exponential backoff with the attempt
// counter as explicit state.
//
// Delays grow as base*2^attempt until they reach the cap. Below the cap a
// subtractive jitter of at most Jitter*delay is applied; with Jitter < 0.5
// every uncapped delay stays strictly above the previous one, and once the
// cap is reached the delay is exactly the cap.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrExhausted is returned by Next and Wait once MaxAttempts delays were handed out.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Policy configures a Backoff.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction in [0, 0.5)
	MaxAttempts int
}

// Backoff tracks consecutive failures at one call site. It is safe for
// concurrent use, though each call site normally owns its own instance.
type Backoff struct {
	policy Policy

	mu      sync.Mutex
	attempt int
	rnd     func() float64
}

// New creates a Backoff. Out-of-range jitter is clamped.
func New(p Policy) *Backoff {
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 0.5 {
		p.Jitter = 0.49
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return &Backoff{policy: p, rnd: rand.Float64}
}

// WithRand replaces the jitter source, for deterministic tests.
func (b *Backoff) WithRand(f func() float64) *Backoff {
	b.mu.Lock()
	b.rnd = f
	b.mu.Unlock()
	return b
}

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Exhausted reports whether no further delay will be granted.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts
}

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return 0, ErrExhausted
	}
	d := b.delayLocked(b.attempt)
	b.attempt++
	return d, nil
}

// Peek returns the un-jittered delay for attempt n.
func (b *Backoff) Peek(n int) time.Duration {
	return raw(b.policy.Base, b.policy.Cap, n)
}

func (b *Backoff) delayLocked(n int) time.Duration {
	d := raw(b.policy.Base, b.policy.Cap, n)
	if d >= b.policy.Cap || b.policy.Jitter == 0 {
		return d
	}
	cut := time.Duration(float64(d) * b.policy.Jitter * b.rnd())
	return d - cut
}

func raw(base, ceiling time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	d, err := b.Next()
	if err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. retryable decides which errors are worth another try;
// nil retries everything. The last error is returned on exhaustion.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	b := New(p)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if werr := b.Wait(ctx); werr != nil {
			if errors.Is(werr, ErrExhausted) {
				return err
			}
			return werr
		}
	}
}
