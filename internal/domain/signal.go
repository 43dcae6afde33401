package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts the venue's upper-case and lower-case spellings.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("side %q: %w", s, ErrMalformedData)
	}
}

// TradeSignal is a trade observed on a watched address. It is immutable once
// created.
type TradeSignal struct {
	ID            string
	SourceAddress string
	Market        string // condition id
	Outcome       string
	TokenID       string // outcome token, when the feed reports it
	Title         string
	Side          Side
	Size          decimal.Decimal // shares
	Price         decimal.Decimal // 0..1 per share
	ObservedAt    time.Time
}

// Notional is Size x Price.
func (s TradeSignal) Notional() decimal.Decimal {
	return s.Size.Mul(s.Price)
}

// FeedEntry is a raw trade as returned by a TradeFeed. Numeric fields are
// kept as text so the monitor can reject entries it cannot parse.
type FeedEntry struct {
	ID        string
	Market    string
	Outcome   string
	TokenID   string
	Title     string
	Side      string
	Size      string
	Price     string
	Timestamp time.Time
}

// ToSignal validates the entry and converts it into a TradeSignal. Any
// failure wraps ErrMalformedData.
func (e FeedEntry) ToSignal(source string) (TradeSignal, error) {
	if e.ID == "" {
		return TradeSignal{}, fmt.Errorf("entry without id: %w", ErrMalformedData)
	}
	if e.Market == "" && e.TokenID == "" {
		return TradeSignal{}, fmt.Errorf("entry %s: no market: %w", e.ID, ErrMalformedData)
	}
	side, err := ParseSide(e.Side)
	if err != nil {
		return TradeSignal{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	size, err := decimal.NewFromString(strings.TrimSpace(e.Size))
	if err != nil || !size.IsPositive() {
		return TradeSignal{}, fmt.Errorf("entry %s: size %q: %w", e.ID, e.Size, ErrMalformedData)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(e.Price))
	if err != nil || !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return TradeSignal{}, fmt.Errorf("entry %s: price %q: %w", e.ID, e.Price, ErrMalformedData)
	}
	if e.Timestamp.IsZero() {
		return TradeSignal{}, fmt.Errorf("entry %s: no timestamp: %w", e.ID, ErrMalformedData)
	}
	return TradeSignal{
		ID:            e.ID,
		SourceAddress: NormalizeAddress(source),
		Market:        e.Market,
		Outcome:       e.Outcome,
		TokenID:       e.TokenID,
		Title:         e.Title,
		Side:          side,
		Size:          size,
		Price:         price,
		ObservedAt:    e.Timestamp.UTC(),
	}, nil
}
