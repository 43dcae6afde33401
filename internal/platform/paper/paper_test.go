package paper

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

const operator = "0x1111111111111111111111111111111111111111"

type staticMarkets map[string]domain.MarketInfo

func (s staticMarkets) GetMarket(_ context.Context, id string) (domain.MarketInfo, error) {
	m, ok := s[id]
	if !ok {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	return m, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newVenue() *Venue {
	return New(operator, d("100"), staticMarkets{"m": {ID: "m"}}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func order(side domain.Side, size, price string) domain.OrderRequest {
	return domain.OrderRequest{Market: "m", TokenID: "t", Side: side, Size: d(size), LimitPrice: d(price)}
}

func TestPaperBuyAndSell(t *testing.T) {
	v := newVenue()
	ctx := context.Background()

	res, err := v.PlaceOrder(ctx, order(domain.SideBuy, "20", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.VenueFilled, res.Status)
	assert.Equal(t, "20", res.FilledSize.String())

	bal, err := v.GetBalance(ctx, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, "90", bal.String())
	assert.Equal(t, "20", v.Position("t").String())

	res, err = v.PlaceOrder(ctx, order(domain.SideSell, "30", "0.6"))
	require.NoError(t, err)
	assert.Equal(t, domain.VenuePartial, res.Status)
	assert.Equal(t, "20", res.FilledSize.String())
	bal, _ = v.GetBalance(ctx, operator)
	assert.Equal(t, "102", bal.String())

	res, err = v.PlaceOrder(ctx, order(domain.SideSell, "1", "0.6"))
	require.NoError(t, err)
	assert.Equal(t, domain.VenueUnfilled, res.Status)
}

func TestPaperBuyBeyondCashRejected(t *testing.T) {
	v := newVenue()
	_, err := v.PlaceOrder(context.Background(), order(domain.SideBuy, "500", "0.5"))
	assert.ErrorIs(t, err, domain.ErrVenueRejection)
	assert.Equal(t, domain.DeliveryConfirmed, domain.DeliveryOf(err))
}

func TestPaperOtherBalancesNeedSource(t *testing.T) {
	v := newVenue()
	_, err := v.GetBalance(context.Background(), "0x2222222222222222222222222222222222222222")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = v.GetMarket(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
