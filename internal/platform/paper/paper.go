// Package paper is a simulated venue. Orders fill in full at their limit
// price against an in-memory collateral balance; market metadata and
// third-party balances come from the live read-only clients.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// MarketSource supplies market metadata.
type MarketSource interface {
	GetMarket(ctx context.Context, id string) (domain.MarketInfo, error)
}

// BalanceSource supplies balances of accounts other than the operator.
type BalanceSource interface {
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
}

// Venue implements domain.Venue without touching the exchange.
type Venue struct {
	account  string
	markets  MarketSource
	balances BalanceSource
	logger   *slog.Logger

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]decimal.Decimal // token id -> shares
}

// New creates a paper venue for account holding capital. balances may be nil.
func New(account string, capital decimal.Decimal, markets MarketSource, balances BalanceSource, logger *slog.Logger) *Venue {
	return &Venue{
		account:   domain.NormalizeAddress(account),
		markets:   markets,
		balances:  balances,
		logger:    logger.With(slog.String("component", "paper_venue")),
		cash:      capital,
		positions: make(map[string]decimal.Decimal),
	}
}

// PlaceOrder fills req at its limit price. Buys need the cash; sells need
// the shares, and an oversized sell fills what is held.
func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, &domain.SubmitError{Delivery: domain.DeliveryNotReceived, Err: err}
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	res := domain.OrderResult{
		VenueOrderID: "paper-" + uuid.NewString(),
		AvgPrice:     req.LimitPrice,
		Status:       domain.VenueFilled,
	}
	size := req.Size
	switch req.Side {
	case domain.SideBuy:
		cost := size.Mul(req.LimitPrice)
		if cost.GreaterThan(v.cash) {
			return domain.OrderResult{}, &domain.SubmitError{
				Delivery: domain.DeliveryConfirmed,
				Err:      fmt.Errorf("paper: cost %s exceeds cash %s: %w", cost, v.cash, domain.ErrVenueRejection),
			}
		}
		v.cash = v.cash.Sub(cost)
		v.positions[req.TokenID] = v.positions[req.TokenID].Add(size)
	case domain.SideSell:
		held := v.positions[req.TokenID]
		if !held.IsPositive() {
			res.Status = domain.VenueUnfilled
			res.Message = "no position"
			return res, nil
		}
		if held.LessThan(size) {
			size = held
			res.Status = domain.VenuePartial
		}
		v.cash = v.cash.Add(size.Mul(req.LimitPrice))
		v.positions[req.TokenID] = held.Sub(size)
	default:
		return domain.OrderResult{}, &domain.SubmitError{
			Delivery: domain.DeliveryNotReceived,
			Err:      fmt.Errorf("paper: side %q: %w", req.Side, domain.ErrMalformedData),
		}
	}
	res.FilledSize = size

	v.logger.InfoContext(ctx, "paper fill",
		slog.String("token_id", req.TokenID),
		slog.String("side", string(req.Side)),
		slog.String("size", size.String()),
		slog.String("price", req.LimitPrice.String()),
		slog.String("cash", v.cash.StringFixed(2)),
	)
	return res, nil
}

// GetBalance returns the simulated cash for the operator and delegates
// other accounts to the balance source.
func (v *Venue) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	if domain.NormalizeAddress(account) == v.account {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.cash, nil
	}
	if v.balances == nil {
		return decimal.Zero, fmt.Errorf("paper: balance of %s: %w", account, domain.ErrNotFound)
	}
	return v.balances.BalanceOf(ctx, account)
}

func (v *Venue) GetMarket(ctx context.Context, id string) (domain.MarketInfo, error) {
	return v.markets.GetMarket(ctx, id)
}

// Position returns simulated shares held for a token.
func (v *Venue) Position(tokenID string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[tokenID]
}

var _ domain.Venue = (*Venue)(nil)
