package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OutcomeToken pairs an outcome label with its CLOB token id.
type OutcomeToken struct {
	TokenID string
	Outcome string
}

// MarketInfo is the venue metadata the executor needs before submitting.
type MarketInfo struct {
	ID              string // condition id
	Question        string
	Active          bool
	Closed          bool
	AcceptingOrders bool
	NegRisk         bool
	TickSize        decimal.Decimal
	MinSize         decimal.Decimal
	Tokens          []OutcomeToken
}

// Tradable reports whether new orders can be placed.
func (m MarketInfo) Tradable() bool {
	return m.Active && !m.Closed && m.AcceptingOrders
}

// ResolveToken finds the token for a signal. A token hint from the feed wins
// when the market lists it; otherwise the outcome label is matched
// case-insensitively.
func (m MarketInfo) ResolveToken(outcome, hint string) (OutcomeToken, bool) {
	if hint != "" {
		for _, t := range m.Tokens {
			if t.TokenID == hint {
				return t, true
			}
		}
	}
	for _, t := range m.Tokens {
		if strings.EqualFold(t.Outcome, outcome) {
			return t, true
		}
	}
	return OutcomeToken{}, false
}
