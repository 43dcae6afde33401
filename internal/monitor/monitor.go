// Package monitor discovers new trades of watched addresses and hands them to
// the executor in order.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polymirror/internal/backoff"
	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/handoff"
)

// ErrCycleSkipped is returned by PollOnce when retries were exhausted.
var ErrCycleSkipped = errors.New("poll cycle skipped")

// Config holds polling parameters.
type Config struct {
	PollInterval       time.Duration
	PageSize           int
	MaxPagesPerCycle   int
	CallTimeout        time.Duration
	Backoff            backoff.Policy
	StartFromBeginning bool
}

type watcher struct {
	addr    domain.WatchedAddress
	backoff *backoff.Backoff
	nudge   chan struct{}
	pollMu  sync.Mutex

	mu        sync.Mutex
	state     State
	committed string
	lastPoll  time.Time
	lastErr   string
	emitted   int64
	dropped   int64
	skipped   int64
}

// Monitor runs one polling loop per active watched address.
type Monitor struct {
	feed    domain.TradeFeed
	cursors domain.CursorStore
	out     *handoff.Channel
	sink    domain.EventSink
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	watchers map[string]*watcher
	order    []string

	initOnce sync.Once
	initErr  error
}

// New creates a Monitor. Address order is kept for status reporting.
func New(
	feed domain.TradeFeed,
	cursors domain.CursorStore,
	out *handoff.Channel,
	sink domain.EventSink,
	addresses []domain.WatchedAddress,
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.MaxPagesPerCycle < 1 {
		cfg.MaxPagesPerCycle = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = domain.EventSinkFunc(func(context.Context, domain.Event) {})
	}
	m := &Monitor{
		feed:     feed,
		cursors:  cursors,
		out:      out,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "monitor")),
		now:      time.Now,
		watchers: make(map[string]*watcher, len(addresses)),
	}
	for _, a := range addresses {
		a.Address = domain.NormalizeAddress(a.Address)
		if a.Status == "" {
			a.Status = domain.AddressActive
		}
		if _, dup := m.watchers[a.Address]; dup {
			continue
		}
		m.watchers[a.Address] = &watcher{
			addr:    a,
			backoff: backoff.New(cfg.Backoff),
			nudge:   make(chan struct{}, 1),
			state:   StateIdle,
		}
		m.order = append(m.order, a.Address)
	}
	return m
}

// Init loads committed cursors. Addresses without one start at the feed's
// initial cursor, which is committed right away so a restart before the first
// trade does not move the starting point. Init runs once; Run calls it too.
func (m *Monitor) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		for _, addr := range m.order {
			w := m.watchers[addr]
			cursor, err := m.cursors.LoadCursor(ctx, addr)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrNotFound):
				cursor = w.addr.Cursor
				if cursor == "" {
					cursor = m.feed.InitialCursor(m.now(), m.cfg.StartFromBeginning)
				}
				if cerr := m.cursors.CommitCursor(ctx, addr, cursor); cerr != nil {
					m.initErr = fmt.Errorf("monitor: init %s: %w", addr, cerr)
					return
				}
			default:
				m.initErr = fmt.Errorf("monitor: load cursor %s: %w", addr, err)
				return
			}
			w.mu.Lock()
			w.addr.Cursor = cursor
			w.committed = cursor
			w.mu.Unlock()
			m.logger.InfoContext(ctx, "watching address",
				slog.String("address", addr),
				slog.String("label", w.addr.Label),
				slog.String("cursor", cursor),
				slog.Bool("paused", !w.addr.Active()),
			)
		}
	})
	return m.initErr
}

// Run polls every active address on its own timer until ctx is cancelled.
// In-flight feed calls see the cancellation; cursors are never advanced past
// signals that were not handed off.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Init(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, addr := range m.order {
		w := m.watchers[addr]
		if !w.addr.Active() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.watch(ctx, w)
		}()
	}
	wg.Wait()
	m.logger.Info("monitor stopped")
	return nil
}

func (m *Monitor) watch(ctx context.Context, w *watcher) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		err := m.PollOnce(ctx, w.addr.Address)
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrCycleSkipped) {
			m.logger.WarnContext(ctx, "poll failed",
				slog.String("address", w.addr.Address),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.nudge:
		}
	}
}

// Nudge requests an early poll of address. It never blocks and reports
// whether the address is watched and active.
func (m *Monitor) Nudge(address string) bool {
	w, ok := m.watchers[domain.NormalizeAddress(address)]
	if !ok || !w.addr.Active() {
		return false
	}
	select {
	case w.nudge <- struct{}{}:
	default:
	}
	return true
}

// PollOnce runs one polling cycle for address: up to MaxPagesPerCycle pages,
// stopping at the first page that is not full.
func (m *Monitor) PollOnce(ctx context.Context, address string) error {
	w, ok := m.watchers[domain.NormalizeAddress(address)]
	if !ok {
		return fmt.Errorf("monitor: %s: %w", address, domain.ErrNotFound)
	}
	if !w.addr.Active() {
		return nil
	}

	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	for page := 0; page < m.cfg.MaxPagesPerCycle; page++ {
		full, err := m.pollPage(ctx, w)
		if err != nil || !full {
			return err
		}
	}
	return nil
}

func (m *Monitor) pollPage(ctx context.Context, w *watcher) (bool, error) {
	addr := w.addr.Address
	log := m.logger.With(slog.String("address", addr))
	cursor := w.cursor()

	w.setState(StatePolling)
	var (
		entries []domain.FeedEntry
		next    string
		err     error
	)
	for {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		entries, next, err = m.feed.GetTrades(callCtx, addr, cursor, m.cfg.PageSize)
		cancel()
		if err == nil {
			w.backoff.Reset()
			break
		}
		if ctx.Err() != nil {
			w.setState(StateIdle)
			return false, ctx.Err()
		}

		delay, berr := w.backoff.Next()
		if berr != nil {
			w.skip(m.now(), err)
			log.WarnContext(ctx, "feed retries exhausted, skipping cycle",
				slog.Int("attempts", w.backoff.Attempt()),
				slog.String("error", err.Error()),
			)
			m.sink.Emit(ctx, domain.Event{
				Type:    domain.EventPollSkipped,
				At:      m.now(),
				Address: addr,
				Message: err.Error(),
			})
			w.backoff.Reset()
			w.setState(StateIdle)
			return false, fmt.Errorf("monitor: %s: %w: %w", addr, ErrCycleSkipped, err)
		}

		w.setState(StateBackingOff)
		log.DebugContext(ctx, "feed call failed, backing off",
			slog.Int("attempt", w.backoff.Attempt()),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, delay); err != nil {
			w.setState(StateIdle)
			return false, err
		}
		w.setState(StatePolling)
	}
	w.polled(m.now())

	signals := make([]domain.TradeSignal, 0, len(entries))
	for _, e := range entries {
		sig, err := e.ToSignal(addr)
		if err != nil {
			w.drop()
			log.WarnContext(ctx, "dropping malformed feed entry",
				slog.String("entry_id", e.ID),
				slog.String("error", err.Error()),
			)
			m.sink.Emit(ctx, domain.Event{
				Type:    domain.EventEntryMalformed,
				At:      m.now(),
				Address: addr,
				Message: err.Error(),
				Detail:  map[string]any{"entry_id": e.ID},
			})
			continue
		}
		signals = append(signals, sig)
	}
	sort.SliceStable(signals, func(i, j int) bool {
		if !signals[i].ObservedAt.Equal(signals[j].ObservedAt) {
			return signals[i].ObservedAt.Before(signals[j].ObservedAt)
		}
		return signals[i].ID < signals[j].ID
	})

	if len(signals) > 0 {
		w.setState(StateEmitting)
		for i, sig := range signals {
			item := handoff.Item{Signal: sig}
			if i == len(signals)-1 {
				item.Commit = &handoff.Commit{Address: addr, Cursor: next}
			}
			// Blocks while the channel is full; the cursor stays put until
			// every signal of the page is handed off.
			if err := m.out.Send(ctx, item); err != nil {
				w.setState(StateIdle)
				return false, err
			}
			w.emit()
			m.sink.Emit(ctx, domain.Event{
				Type:     domain.EventTradeDetected,
				At:       m.now(),
				Address:  addr,
				SignalID: sig.ID,
				Detail: map[string]any{
					"market":  sig.Market,
					"outcome": sig.Outcome,
					"side":    string(sig.Side),
					"size":    sig.Size.String(),
					"price":   sig.Price.String(),
				},
			})
		}
		log.InfoContext(ctx, "trades detected", slog.Int("count", len(signals)), slog.String("cursor", next))
	}

	w.advance(next)
	w.setState(StateIdle)
	return len(entries) >= m.cfg.PageSize, nil
}

// Commit persists cursor for address. The executor calls it after consuming
// the last signal of a page.
func (m *Monitor) Commit(ctx context.Context, address, cursor string) error {
	addr := domain.NormalizeAddress(address)
	if err := m.cursors.CommitCursor(ctx, addr, cursor); err != nil {
		return fmt.Errorf("monitor: commit %s: %w", addr, err)
	}
	if w, ok := m.watchers[addr]; ok {
		w.mu.Lock()
		w.committed = cursor
		w.mu.Unlock()
	}
	return nil
}

// Cursor returns the in-memory cursor of address.
func (m *Monitor) Cursor(address string) string {
	w, ok := m.watchers[domain.NormalizeAddress(address)]
	if !ok {
		return ""
	}
	return w.cursor()
}

// States returns a snapshot of every watched address.
func (m *Monitor) States() []AddressStatus {
	out := make([]AddressStatus, 0, len(m.order))
	for _, addr := range m.order {
		w := m.watchers[addr]
		w.mu.Lock()
		out = append(out, AddressStatus{
			Address:         addr,
			Label:           w.addr.Label,
			Paused:          !w.addr.Active(),
			State:           w.state,
			Cursor:          w.addr.Cursor,
			CommittedCursor: w.committed,
			Attempt:         w.backoff.Attempt(),
			LastPoll:        w.lastPoll,
			LastError:       w.lastErr,
			Emitted:         w.emitted,
			Dropped:         w.dropped,
			Skipped:         w.skipped,
		})
		w.mu.Unlock()
	}
	return out
}

func (w *watcher) cursor() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr.Cursor
}

func (w *watcher) advance(next string) {
	w.mu.Lock()
	w.addr.Cursor = next
	w.mu.Unlock()
}

func (w *watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *watcher) polled(at time.Time) {
	w.mu.Lock()
	w.lastPoll = at
	w.lastErr = ""
	w.mu.Unlock()
}

func (w *watcher) skip(at time.Time, err error) {
	w.mu.Lock()
	w.state = StateSkipped
	w.lastPoll = at
	w.lastErr = err.Error()
	w.skipped++
	w.mu.Unlock()
}

func (w *watcher) emit() {
	w.mu.Lock()
	w.emitted++
	w.mu.Unlock()
}

func (w *watcher) drop() {
	w.mu.Lock()
	w.dropped++
	w.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
