package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polymirror/internal/backoff"
	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operator = "0x1111111111111111111111111111111111111111"

type fakeSource struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	fail     int
	calls    int
}

func (f *fakeSource) GetBalance(_ context.Context, account string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return decimal.Zero, errors.New("rpc down")
	}
	b, ok := f.balances[account]
	if !ok {
		return decimal.Zero, errors.New("unknown account")
	}
	return b, nil
}

func (f *fakeSource) set(account string, v string) {
	f.mu.Lock()
	f.balances[account] = decimal.RequireFromString(v)
	f.mu.Unlock()
}

func newTracker(src *fakeSource, store domain.BalanceStore, sources ...string) *Tracker {
	return New(src, store, Config{
		Account:         operator,
		RefreshInterval: time.Hour,
		Timeout:         time.Second,
		Backoff:         backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 2},
		Sources:         sources,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPrimeRecordsSnapshot(t *testing.T) {
	src := &fakeSource{balances: map[string]decimal.Decimal{}}
	src.set(operator, "250.5")
	store := memory.NewBalanceStore()
	tr := newTracker(src, store)

	assert.True(t, tr.Snapshot().IsZero())
	require.NoError(t, tr.Prime(context.Background()))

	snap := tr.Snapshot()
	assert.Equal(t, operator, snap.Account)
	assert.True(t, snap.AvailableCapital.Equal(decimal.RequireFromString("250.5")))
	assert.Less(t, tr.Age(), time.Second)

	latest, err := store.Latest(context.Background(), operator)
	require.NoError(t, err)
	assert.True(t, latest.AvailableCapital.Equal(snap.AvailableCapital))
}

func TestPrimeRetriesTransientFailures(t *testing.T) {
	src := &fakeSource{balances: map[string]decimal.Decimal{}, fail: 2}
	src.set(operator, "10")
	tr := newTracker(src, nil)

	require.NoError(t, tr.Prime(context.Background()))
	assert.Equal(t, 3, src.calls)
}

func TestPrimeFailureIsFatal(t *testing.T) {
	src := &fakeSource{balances: map[string]decimal.Decimal{}, fail: 100}
	tr := newTracker(src, nil)

	err := tr.Prime(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigurationFatal)
	assert.ErrorIs(t, err, domain.ErrTransientIO)
}

func TestFailedRefreshKeepsLastSnapshot(t *testing.T) {
	src := &fakeSource{balances: map[string]decimal.Decimal{}}
	src.set(operator, "100")
	tr := newTracker(src, nil)
	require.NoError(t, tr.Prime(context.Background()))
	before := tr.Snapshot()

	src.mu.Lock()
	src.fail = 100
	src.mu.Unlock()
	require.Error(t, tr.Refresh(context.Background()))

	assert.Equal(t, before, tr.Snapshot())
	assert.Equal(t, int64(1), tr.Failures())
}

func TestRequestRefreshDoesNotBlock(t *testing.T) {
	tr := newTracker(&fakeSource{balances: map[string]decimal.Decimal{}}, nil)
	for range 10 {
		tr.RequestRefresh()
	}
	assert.Len(t, tr.refreshCh, 1)
}

func TestWaitFreshTriggersRefresh(t *testing.T) {
	src := &fakeSource{balances: map[string]decimal.Decimal{}}
	src.set(operator, "42")
	tr := newTracker(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	snap, err := tr.WaitFresh(waitCtx, time.Minute)
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(decimal.NewFromInt(42)))
}

func TestWaitFreshHonoursContext(t *testing.T) {
	src := &fakeSource{balances: map[string]decimal.Decimal{}, fail: 1 << 30}
	tr := newTracker(src, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.WaitFresh(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSourceCapital(t *testing.T) {
	const watched = "0x2222222222222222222222222222222222222222"
	const missing = "0x3333333333333333333333333333333333333333"
	src := &fakeSource{balances: map[string]decimal.Decimal{}}
	src.set(operator, "1")
	src.set(watched, "9000")
	tr := newTracker(src, nil, watched, missing)

	require.NoError(t, tr.Prime(context.Background()))

	got, ok := tr.SourceCapital(watched)
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromInt(9000)))

	_, ok = tr.SourceCapital(missing)
	assert.False(t, ok)
}
