// Package balance keeps the operator's capital snapshot fresh for sizing.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polymirror/internal/backoff"
	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/shopspring/decimal"
)

// Source reads an account's spendable collateral. domain.Venue satisfies it.
type Source interface {
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)
}

// Config holds refresh parameters.
type Config struct {
	// Account is the operator's collateral holder.
	Account         string
	RefreshInterval time.Duration
	Timeout         time.Duration
	Backoff         backoff.Policy
	// Sources are watched addresses whose capital is tracked best effort.
	Sources []string
}

// Tracker serves the last good snapshot. Refreshes run in the background on
// an interval and on demand; readers never wait for I/O.
type Tracker struct {
	src    Source
	store  domain.BalanceStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	refreshCh chan struct{}
	refreshMu sync.Mutex

	mu       sync.RWMutex
	snap     domain.BalanceSnapshot
	sources  map[string]domain.BalanceSnapshot
	updated  chan struct{}
	failures int64
}

// New creates a Tracker. store may be nil.
func New(src Source, store domain.BalanceStore, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &Tracker{
		src:       src,
		store:     store,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "balance_tracker")),
		now:       time.Now,
		refreshCh: make(chan struct{}, 1),
		sources:   make(map[string]domain.BalanceSnapshot),
		updated:   make(chan struct{}),
	}
}

// Prime takes the first snapshot, retrying transient failures. Failure is
// fatal: without a balance no order can be sized.
func (t *Tracker) Prime(ctx context.Context) error {
	err := backoff.Retry(ctx, t.cfg.Backoff, nil, t.refreshOperator)
	if err != nil {
		return fmt.Errorf("balance: initial refresh of %s: %w: %w", t.cfg.Account, domain.ErrConfigurationFatal, err)
	}
	t.refreshSources(ctx)
	snap := t.Snapshot()
	t.logger.InfoContext(ctx, "operator balance",
		slog.String("account", snap.Account),
		slog.String("available", snap.AvailableCapital.StringFixed(2)),
	)
	return nil
}

// Run refreshes on the interval and on RequestRefresh until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.refreshSources(ctx)
		case <-t.refreshCh:
		}
		if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
			t.logger.WarnContext(ctx, "balance refresh failed, serving last snapshot",
				slog.String("error", err.Error()),
				slog.Duration("age", t.Snapshot().Age(t.now())),
			)
		}
	}
}

// Refresh updates the operator snapshot, retrying transient failures within
// the backoff policy.
func (t *Tracker) Refresh(ctx context.Context) error {
	err := backoff.Retry(ctx, t.cfg.Backoff, func(error) bool { return ctx.Err() == nil }, t.refreshOperator)
	if err != nil {
		t.mu.Lock()
		t.failures++
		t.mu.Unlock()
	}
	return err
}

// RequestRefresh schedules an immediate refresh without blocking.
func (t *Tracker) RequestRefresh() {
	select {
	case t.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the last good operator snapshot.
func (t *Tracker) Snapshot() domain.BalanceSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Age is the age of the current snapshot.
func (t *Tracker) Age() time.Duration {
	return t.Snapshot().Age(t.now())
}

// Failures counts refreshes that gave up.
func (t *Tracker) Failures() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failures
}

// SourceCapital returns the last known capital of a watched address.
func (t *Tracker) SourceCapital(address string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sources[domain.NormalizeAddress(address)]
	if !ok || !s.AvailableCapital.IsPositive() {
		return decimal.Zero, false
	}
	return s.AvailableCapital, true
}

// WaitFresh returns a snapshot no older than maxAge, requesting refreshes
// until one arrives or ctx ends.
func (t *Tracker) WaitFresh(ctx context.Context, maxAge time.Duration) (domain.BalanceSnapshot, error) {
	for {
		t.mu.RLock()
		snap, updated := t.snap, t.updated
		t.mu.RUnlock()

		if snap.Age(t.now()) <= maxAge {
			return snap, nil
		}
		t.RequestRefresh()
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("balance: snapshot %s old: %w", snap.Age(t.now()).Round(time.Second), ctx.Err())
		case <-updated:
		}
	}
}

func (t *Tracker) refreshOperator(ctx context.Context) error {
	// One fetch at a time; Prime, Run and WaitFresh may overlap.
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	// AsOf is when the read began: anything settled before then is included.
	started := t.now()
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	amount, err := t.src.GetBalance(callCtx, t.cfg.Account)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrTransientIO) {
			return err
		}
		return fmt.Errorf("balance: get %s: %w: %w", t.cfg.Account, domain.ErrTransientIO, err)
	}

	snap := domain.BalanceSnapshot{
		Account:          t.cfg.Account,
		AsOf:             started,
		AvailableCapital: amount,
	}
	t.mu.Lock()
	t.snap = snap
	close(t.updated)
	t.updated = make(chan struct{})
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Record(ctx, snap); err != nil {
			t.logger.WarnContext(ctx, "recording balance snapshot failed", slog.String("error", err.Error()))
		}
	}
	t.logger.DebugContext(ctx, "balance refreshed", slog.String("available", amount.String()))
	return nil
}

// refreshSources reads watched-account capital. Failures keep the previous
// reading; sizing falls back to the configured estimate.
func (t *Tracker) refreshSources(ctx context.Context) {
	for _, addr := range t.cfg.Sources {
		addr = domain.NormalizeAddress(addr)
		callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		amount, err := t.src.GetBalance(callCtx, addr)
		cancel()
		if err != nil {
			t.logger.DebugContext(ctx, "source balance unavailable",
				slog.String("address", addr),
				slog.String("error", err.Error()),
			)
			continue
		}
		t.mu.Lock()
		t.sources[addr] = domain.BalanceSnapshot{Account: addr, AsOf: t.now(), AvailableCapital: amount}
		t.mu.Unlock()
	}
}
