// Package executor turns trade signals into sized copy orders on the venue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/backoff"
	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/handoff"
)

// Balances is the read side of the balance tracker.
type Balances interface {
	Snapshot() domain.BalanceSnapshot
	WaitFresh(ctx context.Context, maxAge time.Duration) (domain.BalanceSnapshot, error)
	RequestRefresh()
	SourceCapital(address string) (decimal.Decimal, bool)
}

// Committer persists a monitor cursor once the signals before it are handled.
type Committer interface {
	Commit(ctx context.Context, address, cursor string) error
}

// Config holds executor parameters.
type Config struct {
	Sizing Sizing
	// SourceEstimates overrides Sizing.SourceCapitalEstimate per address.
	SourceEstimates   map[string]decimal.Decimal
	OrderType         domain.OrderType
	SubmitTimeout     time.Duration
	MarketTimeout     time.Duration
	StoreTimeout      time.Duration
	MaxSubmitAttempts int
	MaxBalanceAge     time.Duration
	StaleWait         time.Duration
	// SettleGrace is how long after a fill a balance read may still miss it.
	// Zero trusts any read that began after the fill.
	SettleGrace  time.Duration
	RateLimit    int
	RateWindow   time.Duration
	RetryBackoff backoff.Policy
	MarketTTL    time.Duration
}

// Stats counts executor outcomes since start.
type Stats struct {
	Processed      int64     `json:"processed"`
	Duplicates     int64     `json:"duplicates"`
	Filled         int64     `json:"filled"`
	Partial        int64     `json:"partially_filled"`
	Resting        int64     `json:"resting"`
	Rejected       int64     `json:"rejected"`
	Failed         int64     `json:"failed"`
	LastSignalAt   time.Time `json:"last_signal_at,omitzero"`
	LastSignalID   string    `json:"last_signal_id,omitempty"`
	CachedMarkets  int       `json:"cached_markets"`
	PendingSignals int       `json:"pending_signals"`
	// UnsettledSpend is buy notional not yet visible in the balance snapshot.
	UnsettledSpend string `json:"unsettled_spend"`
}

// spend is collateral consumed by a fill at a point in time.
type spend struct {
	at     time.Time
	amount decimal.Decimal
}

// Executor is the single consumer of the handoff channel. Signals are handled
// strictly in arrival order and a failure on one never stops the loop.
type Executor struct {
	in       *handoff.Channel
	venue    domain.Venue
	ledger   domain.CopyOrderStore
	balances Balances
	commits  Committer
	sink     domain.EventSink
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	limiter    domain.RateLimiter
	limiterKey string

	markets         *marketCache
	cleanupInterval time.Duration

	processed  atomic.Int64
	duplicates atomic.Int64
	filled     atomic.Int64
	partial    atomic.Int64
	resting    atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64

	lastMu       sync.Mutex
	lastSignalAt time.Time
	lastSignalID string

	spendMu   sync.Mutex
	unsettled []spend
}

// New creates an Executor.
func New(
	in *handoff.Channel,
	venue domain.Venue,
	ledger domain.CopyOrderStore,
	balances Balances,
	commits Committer,
	sink domain.EventSink,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeFAK
	}
	if cfg.MaxSubmitAttempts < 1 {
		cfg.MaxSubmitAttempts = 1
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.MarketTimeout <= 0 {
		cfg.MarketTimeout = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MarketTTL <= 0 {
		cfg.MarketTTL = time.Minute
	}
	if cfg.RetryBackoff.MaxAttempts <= 0 {
		cfg.RetryBackoff.MaxAttempts = 3
	}
	if sink == nil {
		sink = domain.EventSinkFunc(func(context.Context, domain.Event) {})
	}
	return &Executor{
		in:              in,
		venue:           venue,
		ledger:          ledger,
		balances:        balances,
		commits:         commits,
		sink:            sink,
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "executor")),
		now:             time.Now,
		markets:         newMarketCache(cfg.MarketTTL),
		cleanupInterval: 30 * time.Second,
	}
}

// SetRateLimiter gates venue submissions through a shared limiter keyed by
// key. Must be called before Run.
func (e *Executor) SetRateLimiter(l domain.RateLimiter, key string) {
	e.limiter = l
	e.limiterKey = key
}

// Run consumes signals until the channel is closed and empty, or ctx ends.
// Cancelling ctx is the hard stop: remaining items stay unconsumed and their
// cursors uncommitted.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := e.in.Len(); n > 0 {
				e.logger.Warn("executor stopped with signals pending", slog.Int("pending", n))
			}
			return nil

		case item, ok := <-e.in.Receive():
			if !ok {
				return nil
			}
			e.Handle(ctx, item)

		case <-cleanupTicker.C:
			e.markets.Cleanup()
		}
	}
}

// Handle processes one item and commits its cursor when it carries one.
func (e *Executor) Handle(ctx context.Context, item handoff.Item) {
	if ctx.Err() != nil {
		return
	}
	e.process(ctx, item.Signal)

	if item.Commit == nil || e.commits == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.commits.Commit(cctx, item.Commit.Address, item.Commit.Cursor); err != nil {
		e.logger.ErrorContext(ctx, "cursor commit failed",
			slog.String("address", item.Commit.Address),
			slog.String("cursor", item.Commit.Cursor),
			slog.String("error", err.Error()),
		)
	}
}

// process runs one signal through reservation, sizing, risk checks and
// submission. It returns the final ledger record.
func (e *Executor) process(ctx context.Context, sig domain.TradeSignal) domain.CopyOrder {
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("address", sig.SourceAddress),
		slog.String("market", sig.Market),
		slog.String("side", string(sig.Side)),
	)
	e.processed.Add(1)
	e.lastMu.Lock()
	e.lastSignalAt, e.lastSignalID = e.now(), sig.ID
	e.lastMu.Unlock()

	now := e.now().UTC()
	order := domain.CopyOrder{
		ID:            uuid.New().String(),
		SignalID:      sig.ID,
		SourceAddress: sig.SourceAddress,
		Market:        sig.Market,
		Outcome:       sig.Outcome,
		TokenID:       sig.TokenID,
		Side:          sig.Side,
		SignalSize:    sig.Size,
		SignalPrice:   sig.Price,
		Status:        domain.CopyPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// 1. Reserve. The unique signal id makes the ledger the dedup authority.
	if err := e.reserve(ctx, order); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			e.duplicates.Add(1)
			log.InfoContext(ctx, "signal already handled, skipping")
			e.sink.Emit(ctx, domain.Event{
				Type: domain.EventSignalDuplicate, At: e.now(),
				Address: sig.SourceAddress, SignalID: sig.ID,
			})
			if existing, gerr := e.ledger.GetBySignalID(ctx, sig.ID); gerr == nil {
				return existing
			}
			return order
		}
		e.failed.Add(1)
		log.ErrorContext(ctx, "ledger reservation failed", slog.String("error", err.Error()))
		e.sink.Emit(ctx, domain.Event{
			Type: domain.EventOrderFailed, At: e.now(),
			Address: sig.SourceAddress, SignalID: sig.ID,
			Message: err.Error(),
		})
		order.Status, order.Reason = domain.CopyFailed, err.Error()
		return order
	}

	// 2-3. Size and gate.
	req, err := e.prepare(ctx, &order, sig)
	if err != nil {
		if errors.Is(err, domain.ErrTransientIO) {
			return e.finish(ctx, log, order, domain.CopyFailed, err)
		}
		return e.finish(ctx, log, order, domain.CopyRejected, err)
	}

	// 4. Submit.
	order.Status = domain.CopySubmitted
	order.UpdatedAt = e.now().UTC()
	e.save(ctx, log, order)
	e.sink.Emit(ctx, domain.Event{
		Type: domain.EventOrderSubmitted, At: e.now(),
		Address: sig.SourceAddress, SignalID: sig.ID, OrderID: order.ID,
		Detail: map[string]any{
			"token_id":    order.TokenID,
			"size":        order.ComputedSize.String(),
			"limit_price": order.LimitPrice.String(),
		},
	})

	res, err := e.submit(ctx, log, &order, req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrVenueRejection):
			return e.finish(ctx, log, order, domain.CopyRejected, err)
		case domain.DeliveryOf(err) == domain.DeliveryNotReceived:
			return e.finish(ctx, log, order, domain.CopyFailed, err)
		default:
			err = fmt.Errorf("executor: submit %s: %w: %w", order.ID, domain.ErrUnconfirmedSubmission, err)
			return e.finish(ctx, log, order, domain.CopyFailed, err)
		}
	}

	// 5. Outcome.
	order.VenueOrderID = res.VenueOrderID
	order.FilledSize = res.FilledSize
	switch res.Status {
	case domain.VenueFilled:
		order.Status = domain.CopyFilled
		e.filled.Add(1)
		e.noteSpend(order)
		e.balances.RequestRefresh()
		e.record(ctx, log, order, domain.EventOrderFilled, res.Message)
	case domain.VenuePartial:
		order.Status = domain.CopyPartiallyFilled
		e.partial.Add(1)
		e.noteSpend(order)
		e.balances.RequestRefresh()
		e.record(ctx, log, order, domain.EventOrderPartial, res.Message)
	case domain.VenueResting:
		e.resting.Add(1)
		e.record(ctx, log, order, domain.EventOrderResting, res.Message)
	default:
		reason := res.Message
		if reason == "" {
			reason = "no fill"
		}
		return e.finish(ctx, log, order, domain.CopyRejected,
			fmt.Errorf("executor: %s: %w", reason, domain.ErrVenueRejection))
	}
	return order
}

// prepare resolves the market, computes size and limit price and fills them
// into order. Errors are rejections unless they wrap ErrTransientIO.
func (e *Executor) prepare(ctx context.Context, order *domain.CopyOrder, sig domain.TradeSignal) (domain.OrderRequest, error) {
	sz := e.cfg.Sizing

	snap, err := e.freshBalance(ctx)
	if err != nil {
		return domain.OrderRequest{}, err
	}

	capital := e.settledCapital(snap)
	ratio, err := sz.Ratio(capital, e.sourceCapital(sig.SourceAddress))
	if err != nil {
		return domain.OrderRequest{}, err
	}
	size, err := sz.Size(sig.Size, ratio)
	if err != nil {
		return domain.OrderRequest{}, err
	}

	market, err := e.market(ctx, sig.Market)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	if !market.Tradable() {
		return domain.OrderRequest{}, fmt.Errorf("executor: market %s not accepting orders: %w", sig.Market, domain.ErrVenueRejection)
	}
	token, ok := market.ResolveToken(sig.Outcome, sig.TokenID)
	if !ok {
		return domain.OrderRequest{}, fmt.Errorf("executor: market %s has no outcome %q: %w", sig.Market, sig.Outcome, domain.ErrVenueRejection)
	}

	limit, err := sz.LimitPrice(sig.Side, sig.Price, market.TickSize)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	size, err = sz.CapitalClamp(sig.Side, size, limit, capital)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	if market.MinSize.IsPositive() && size.LessThan(market.MinSize) {
		return domain.OrderRequest{}, fmt.Errorf("executor: size %s below market minimum %s: %w",
			size, market.MinSize, domain.ErrRiskLimitExceeded)
	}

	tick := market.TickSize
	if !tick.IsPositive() {
		tick = sz.TickSize
	}
	order.TokenID = token.TokenID
	order.Outcome = token.Outcome
	order.ComputedSize = size
	order.LimitPrice = limit

	return domain.OrderRequest{
		Market:     market.ID,
		Outcome:    token.Outcome,
		TokenID:    token.TokenID,
		Side:       sig.Side,
		Size:       size,
		LimitPrice: limit,
		Type:       e.cfg.OrderType,
		TickSize:   tick,
		NegRisk:    market.NegRisk,
		ClientID:   order.ID,
	}, nil
}

// freshBalance returns a snapshot within MaxBalanceAge, waiting up to
// StaleWait for a refresh.
func (e *Executor) freshBalance(ctx context.Context) (domain.BalanceSnapshot, error) {
	snap := e.balances.Snapshot()
	if e.cfg.MaxBalanceAge <= 0 || snap.Age(e.now()) <= e.cfg.MaxBalanceAge {
		return snap, nil
	}
	e.balances.RequestRefresh()
	wctx, cancel := context.WithTimeout(ctx, e.cfg.StaleWait)
	defer cancel()
	snap, err := e.balances.WaitFresh(wctx, e.cfg.MaxBalanceAge)
	if err != nil {
		return snap, fmt.Errorf("executor: balance snapshot stale: %w: %w", domain.ErrRiskLimitExceeded, err)
	}
	return snap, nil
}

// noteSpend remembers the notional of a buy fill until a balance snapshot
// can include it. Sells only free collateral and are left out.
func (e *Executor) noteSpend(order domain.CopyOrder) {
	if order.Side != domain.SideBuy {
		return
	}
	filled := order.FilledSize
	if !filled.IsPositive() {
		filled = order.ComputedSize
	}
	amount := filled.Mul(order.LimitPrice)
	if !amount.IsPositive() {
		return
	}
	e.spendMu.Lock()
	e.unsettled = append(e.unsettled, spend{at: e.now(), amount: amount})
	e.spendMu.Unlock()
}

// settledCapital is snap's capital less fills the snapshot cannot show yet.
// A fill is covered once the snapshot's read began SettleGrace after it;
// covered fills are forgotten.
func (e *Executor) settledCapital(snap domain.BalanceSnapshot) decimal.Decimal {
	e.spendMu.Lock()
	defer e.spendMu.Unlock()
	kept := e.unsettled[:0]
	pending := decimal.Zero
	for _, sp := range e.unsettled {
		if !snap.AsOf.Before(sp.at.Add(e.cfg.SettleGrace)) {
			continue
		}
		kept = append(kept, sp)
		pending = pending.Add(sp.amount)
	}
	e.unsettled = kept
	return snap.AvailableCapital.Sub(pending)
}

func (e *Executor) unsettledSpend() decimal.Decimal {
	e.spendMu.Lock()
	defer e.spendMu.Unlock()
	total := decimal.Zero
	for _, sp := range e.unsettled {
		total = total.Add(sp.amount)
	}
	return total
}

func (e *Executor) sourceCapital(address string) decimal.Decimal {
	if e.cfg.Sizing.Mode == ModeOnchainBalance {
		if c, ok := e.balances.SourceCapital(address); ok {
			return c
		}
	}
	if c, ok := e.cfg.SourceEstimates[domain.NormalizeAddress(address)]; ok {
		return c
	}
	return decimal.Zero
}

// market looks a market up through the cache. Unknown markets are venue
// rejections; other failures are retried and then reported as transient.
func (e *Executor) market(ctx context.Context, id string) (domain.MarketInfo, error) {
	if m, ok := e.markets.Get(id); ok {
		return m, nil
	}
	var info domain.MarketInfo
	retryable := func(err error) bool { return !errors.Is(err, domain.ErrNotFound) }
	err := backoff.Retry(ctx, e.cfg.RetryBackoff, retryable, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.MarketTimeout)
		defer cancel()
		var err error
		info, err = e.venue.GetMarket(cctx, id)
		return err
	})
	switch {
	case err == nil:
		e.markets.Put(id, info)
		return info, nil
	case errors.Is(err, domain.ErrNotFound):
		return info, fmt.Errorf("executor: market %s: %w: %w", id, domain.ErrVenueRejection, err)
	case errors.Is(err, domain.ErrTransientIO):
		return info, fmt.Errorf("executor: market %s: %w", id, err)
	default:
		return info, fmt.Errorf("executor: market %s: %w: %w", id, domain.ErrTransientIO, err)
	}
}

// submit places the order. A resend happens only when the venue certainly
// never saw the previous attempt.
func (e *Executor) submit(ctx context.Context, log *slog.Logger, order *domain.CopyOrder, req domain.OrderRequest) (domain.OrderResult, error) {
	policy := e.cfg.RetryBackoff
	policy.MaxAttempts = e.cfg.MaxSubmitAttempts
	b := backoff.New(policy)
	for {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, e.limiterKey, e.cfg.RateLimit, e.cfg.RateWindow); err != nil {
				return domain.OrderResult{}, &domain.SubmitError{
					Delivery: domain.DeliveryNotReceived,
					Err:      fmt.Errorf("executor: rate limit: %w", err),
				}
			}
		}

		order.Attempts++
		cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		res, err := e.venue.PlaceOrder(cctx, req)
		cancel()
		if err == nil {
			return res, nil
		}

		if domain.DeliveryOf(err) != domain.DeliveryNotReceived || order.Attempts >= e.cfg.MaxSubmitAttempts {
			return res, err
		}
		log.WarnContext(ctx, "order not delivered, resending",
			slog.Int("attempt", order.Attempts),
			slog.String("error", err.Error()),
		)
		if werr := b.Wait(ctx); werr != nil {
			return res, err
		}
	}
}

// finish records a terminal rejection or failure.
func (e *Executor) finish(ctx context.Context, log *slog.Logger, order domain.CopyOrder, status domain.CopyOrderStatus, cause error) domain.CopyOrder {
	order.Status = status
	order.Reason = cause.Error()
	evType := domain.EventOrderRejected
	if status == domain.CopyFailed {
		evType = domain.EventOrderFailed
		e.failed.Add(1)
	} else {
		e.rejected.Add(1)
	}
	e.record(ctx, log, order, evType, order.Reason)
	return order
}

// record persists order and emits the matching event.
func (e *Executor) record(ctx context.Context, log *slog.Logger, order domain.CopyOrder, evType domain.EventType, msg string) {
	order.UpdatedAt = e.now().UTC()
	e.save(ctx, log, order)

	attrs := []any{
		slog.String("order_id", order.ID),
		slog.String("status", string(order.Status)),
		slog.String("size", order.ComputedSize.String()),
		slog.String("limit_price", order.LimitPrice.String()),
		slog.Int("attempts", order.Attempts),
	}
	switch order.Status {
	case domain.CopyFailed:
		log.ErrorContext(ctx, "copy order failed", append(attrs, slog.String("reason", msg))...)
	case domain.CopyRejected:
		log.WarnContext(ctx, "copy order rejected", append(attrs, slog.String("reason", msg))...)
	default:
		log.InfoContext(ctx, "copy order placed", append(attrs, slog.String("filled", order.FilledSize.String()))...)
	}

	e.sink.Emit(ctx, domain.Event{
		Type:     evType,
		At:       e.now(),
		Address:  order.SourceAddress,
		SignalID: order.SignalID,
		OrderID:  order.ID,
		Message:  msg,
		Detail: map[string]any{
			"status":        string(order.Status),
			"market":        order.Market,
			"side":          string(order.Side),
			"signal_size":   order.SignalSize.String(),
			"computed_size": order.ComputedSize.String(),
			"filled_size":   order.FilledSize.String(),
			"venue_order":   order.VenueOrderID,
		},
	})
}

// reserve creates the pending record, retrying store errors other than a
// duplicate.
func (e *Executor) reserve(ctx context.Context, order domain.CopyOrder) error {
	retryable := func(err error) bool { return !errors.Is(err, domain.ErrAlreadyExists) }
	return backoff.Retry(ctx, e.cfg.RetryBackoff, retryable, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
		return e.ledger.Create(cctx, order)
	})
}

// save updates the ledger. It survives cancellation so a shutdown mid-order
// still leaves an accurate record.
func (e *Executor) save(ctx context.Context, log *slog.Logger, order domain.CopyOrder) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.ledger.Update(cctx, order); err != nil {
		log.ErrorContext(ctx, "ledger update failed",
			slog.String("order_id", order.ID),
			slog.String("status", string(order.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// Stats returns outcome counters.
func (e *Executor) Stats() Stats {
	e.lastMu.Lock()
	at, id := e.lastSignalAt, e.lastSignalID
	e.lastMu.Unlock()
	return Stats{
		Processed:      e.processed.Load(),
		Duplicates:     e.duplicates.Load(),
		Filled:         e.filled.Load(),
		Partial:        e.partial.Load(),
		Resting:        e.resting.Load(),
		Rejected:       e.rejected.Load(),
		Failed:         e.failed.Load(),
		LastSignalAt:   at,
		LastSignalID:   id,
		CachedMarkets:  e.markets.Len(),
		PendingSignals: e.in.Len(),
		UnsettledSpend: e.unsettledSpend().String(),
	}
}
