package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Venue is the trading venue adapter consumed by the executor and the
// balance tracker.
type Venue interface {
	// PlaceOrder submits one order. Errors that did not produce a result are
	// *SubmitError values carrying the adapter's delivery knowledge.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// GetBalance returns the spendable collateral of account.
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)
	// GetMarket returns metadata for a condition id or token id.
	GetMarket(ctx context.Context, id string) (MarketInfo, error)
}

// TradeFeed is a cursor-based source of trades per address.
type TradeFeed interface {
	// GetTrades returns entries after cursor and the cursor that follows them.
	// An empty page returns the input cursor unchanged.
	GetTrades(ctx context.Context, address, cursor string, pageSize int) ([]FeedEntry, string, error)
	// InitialCursor is used for addresses that have never been polled.
	InitialCursor(now time.Time, fromBeginning bool) string
}
