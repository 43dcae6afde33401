// Package polymarket adapts the Polymarket CLOB, Gamma API and Polygon
// collateral balances to domain.Venue.
package polymarket

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// Venue is the live domain.Venue.
type Venue struct {
	clob  *ClobClient
	gamma *GammaClient
	chain *ChainBalances
}

// NewVenue composes the three clients.
func NewVenue(clob *ClobClient, gamma *GammaClient, chain *ChainBalances) *Venue {
	return &Venue{clob: clob, gamma: gamma, chain: chain}
}

func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return v.clob.PostOrder(ctx, req)
}

func (v *Venue) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return v.chain.BalanceOf(ctx, account)
}

func (v *Venue) GetMarket(ctx context.Context, id string) (domain.MarketInfo, error) {
	return v.gamma.GetMarket(ctx, id)
}

var _ domain.Venue = (*Venue)(nil)
