package executor

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testSizing() Sizing {
	return Sizing{
		Mode:                  ModeStaticEstimate,
		ScaleFactor:           d("0.1"),
		SourceCapitalEstimate: d("10000"),
		MinOrderSize:          d("5"),
		MaxOrderSize:          d("20"),
		SizeDecimals:          2,
		TickSize:              d("0.01"),
		Slippage:              d("0.02"),
		ReserveMargin:         d("10"),
		FeeBuffer:             d("0.01"),
	}
}

func TestProportionalSizeClampsToMax(t *testing.T) {
	sz := testSizing()

	ratio, err := sz.Ratio(d("1000"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(d("0.1")))

	size, err := sz.Size(d("500"), ratio)
	require.NoError(t, err)
	assert.Equal(t, "20", size.String())

	sz.MaxOrderSize = d("100")
	size, err = sz.Size(d("500"), ratio)
	require.NoError(t, err)
	assert.Equal(t, "50", size.String())
}

func TestRatioModes(t *testing.T) {
	sz := testSizing()

	r, err := sz.Ratio(d("1000"), d("4000"))
	require.NoError(t, err)
	assert.Equal(t, "0.25", r.String(), "per-address estimate wins over the global one")

	sz.Mode = ModeFixedScale
	r, err = sz.Ratio(d("1"), d("4000"))
	require.NoError(t, err)
	assert.Equal(t, "0.1", r.String())

	sz.ScaleFactor = decimal.Zero
	_, err = sz.Ratio(d("1000"), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrRiskLimitExceeded)

	sz = testSizing()
	_, err = sz.Ratio(decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInsufficientCapital)
}

func TestSizeRoundsToZeroIsRejected(t *testing.T) {
	sz := testSizing()
	_, err := sz.Size(d("0.04"), d("0.1"))
	assert.ErrorIs(t, err, domain.ErrRiskLimitExceeded)
}

func TestSizeRaisedToMinimum(t *testing.T) {
	sz := testSizing()
	size, err := sz.Size(d("10"), d("0.1"))
	require.NoError(t, err)
	assert.Equal(t, "5", size.String())
}

func TestLimitPrice(t *testing.T) {
	sz := testSizing()
	tests := []struct {
		name  string
		side  domain.Side
		price string
		tick  string
		want  string
	}{
		{"buy rounds up", domain.SideBuy, "0.503", "0.01", "0.52"},
		{"buy exact tick", domain.SideBuy, "0.50", "0.01", "0.51"},
		{"buy capped below one", domain.SideBuy, "0.985", "0.01", "0.99"},
		{"sell rounds down", domain.SideSell, "0.50", "0.01", "0.49"},
		{"sell floored at tick", domain.SideSell, "0.01", "0.01", "0.01"},
		{"market tick", domain.SideBuy, "0.5", "0.001", "0.51"},
		{"config tick fallback", domain.SideSell, "0.5", "0", "0.49"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sz.LimitPrice(tc.side, d(tc.price), d(tc.tick))
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tc.want)), "got %s want %s", got, tc.want)
		})
	}

	_, err := sz.LimitPrice(domain.SideBuy, d("1"), d("0.01"))
	assert.ErrorIs(t, err, domain.ErrRiskLimitExceeded)
	_, err = sz.LimitPrice(domain.Side("hold"), d("0.5"), d("0.01"))
	assert.ErrorIs(t, err, domain.ErrMalformedData)
}

func TestCapitalClamp(t *testing.T) {
	sz := testSizing()

	got, err := sz.CapitalClamp(domain.SideBuy, d("20"), d("0.5"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, "20", got.String())

	// (100 - 10) / (0.5 * 1.01) = 178.217...
	got, err = sz.CapitalClamp(domain.SideBuy, d("500"), d("0.5"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, "178.21", got.String())

	_, err = sz.CapitalClamp(domain.SideBuy, d("20"), d("0.5"), d("10"))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapital)

	_, err = sz.CapitalClamp(domain.SideBuy, d("20"), d("0.5"), d("12"))
	assert.ErrorIs(t, err, domain.ErrInsufficientCapital, "affordable size below minimum")

	got, err = sz.CapitalClamp(domain.SideSell, d("500"), d("0.5"), d("0"))
	require.NoError(t, err)
	assert.Equal(t, "500", got.String())
}
