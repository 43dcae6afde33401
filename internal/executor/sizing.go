package executor

import (
	"fmt"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/shopspring/decimal"
)

// SizingMode selects how the capital ratio is derived.
type SizingMode string

const (
	ModeFixedScale     SizingMode = "fixed_scale"
	ModeStaticEstimate SizingMode = "static_estimate"
	ModeOnchainBalance SizingMode = "onchain_balance"
)

// Sizing holds the proportional sizing and pricing parameters.
type Sizing struct {
	Mode                  SizingMode
	ScaleFactor           decimal.Decimal
	SourceCapitalEstimate decimal.Decimal
	MinOrderSize          decimal.Decimal
	MaxOrderSize          decimal.Decimal
	SizeDecimals          int32
	TickSize              decimal.Decimal
	Slippage              decimal.Decimal
	ReserveMargin         decimal.Decimal
	FeeBuffer             decimal.Decimal
}

var one = decimal.NewFromInt(1)

// Ratio is operator capital over source capital, or the fixed scale factor.
// sourceCapital is the resolved per-address figure; zero falls back to the
// global estimate.
func (s Sizing) Ratio(operatorCapital, sourceCapital decimal.Decimal) (decimal.Decimal, error) {
	if s.Mode == ModeFixedScale {
		if !s.ScaleFactor.IsPositive() {
			return decimal.Zero, fmt.Errorf("executor: ratio: scale factor %s: %w", s.ScaleFactor, domain.ErrRiskLimitExceeded)
		}
		return s.ScaleFactor, nil
	}
	if !sourceCapital.IsPositive() {
		sourceCapital = s.SourceCapitalEstimate
	}
	if !sourceCapital.IsPositive() {
		return decimal.Zero, fmt.Errorf("executor: ratio: no source capital estimate: %w", domain.ErrRiskLimitExceeded)
	}
	if !operatorCapital.IsPositive() {
		return decimal.Zero, fmt.Errorf("executor: ratio: operator capital %s: %w", operatorCapital, domain.ErrInsufficientCapital)
	}
	return operatorCapital.Div(sourceCapital), nil
}

// Size scales the source size by ratio, truncates to the size precision and
// clamps into [min, max]. A size that truncates to zero is rejected rather
// than raised to the minimum.
func (s Sizing) Size(signalSize, ratio decimal.Decimal) (decimal.Decimal, error) {
	raw := signalSize.Mul(ratio).RoundDown(s.SizeDecimals)
	if !raw.IsPositive() {
		return decimal.Zero, fmt.Errorf("executor: size %s x %s rounds to zero: %w",
			signalSize, ratio.StringFixed(6), domain.ErrRiskLimitExceeded)
	}
	if s.MaxOrderSize.IsPositive() && raw.GreaterThan(s.MaxOrderSize) {
		raw = s.MaxOrderSize
	}
	if raw.LessThan(s.MinOrderSize) {
		raw = s.MinOrderSize
	}
	return raw, nil
}

// CapitalClamp limits a buy to what the operator can fund after the reserve
// and fee buffer. Sells spend shares, not collateral, and pass through.
func (s Sizing) CapitalClamp(side domain.Side, size, limit, available decimal.Decimal) (decimal.Decimal, error) {
	if side != domain.SideBuy {
		return size, nil
	}
	budget := available.Sub(s.ReserveMargin)
	if !budget.IsPositive() {
		return decimal.Zero, fmt.Errorf("executor: budget %s after reserve %s: %w",
			budget, s.ReserveMargin, domain.ErrInsufficientCapital)
	}
	unitCost := limit.Mul(one.Add(s.FeeBuffer))
	affordable := budget.Div(unitCost).RoundDown(s.SizeDecimals)
	if affordable.GreaterThanOrEqual(size) {
		return size, nil
	}
	if affordable.LessThan(s.MinOrderSize) || !affordable.IsPositive() {
		return decimal.Zero, fmt.Errorf("executor: affordable size %s below minimum %s: %w",
			affordable, s.MinOrderSize, domain.ErrInsufficientCapital)
	}
	return affordable, nil
}

// LimitPrice applies slippage in the adverse direction and snaps to tick.
// tick overrides the configured tick when positive.
func (s Sizing) LimitPrice(side domain.Side, price, tick decimal.Decimal) (decimal.Decimal, error) {
	if !tick.IsPositive() {
		tick = s.TickSize
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return decimal.Zero, fmt.Errorf("executor: price %s out of range: %w", price, domain.ErrRiskLimitExceeded)
	}
	ceiling := one.Sub(tick)

	var limit decimal.Decimal
	switch side {
	case domain.SideBuy:
		limit = price.Mul(one.Add(s.Slippage)).Div(tick).Ceil().Mul(tick)
		if limit.GreaterThan(ceiling) {
			limit = ceiling
		}
	case domain.SideSell:
		limit = price.Mul(one.Sub(s.Slippage)).Div(tick).Floor().Mul(tick)
		if limit.LessThan(tick) {
			limit = tick
		}
	default:
		return decimal.Zero, fmt.Errorf("executor: side %q: %w", side, domain.ErrMalformedData)
	}
	return limit, nil
}
