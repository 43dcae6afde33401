package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEntry() FeedEntry {
	return FeedEntry{
		ID:        "0xabc:123:buy",
		Market:    "0xcond",
		Outcome:   "Yes",
		TokenID:   "123",
		Side:      "BUY",
		Size:      "500",
		Price:     "0.42",
		Timestamp: time.Unix(1733571600, 0),
	}
}

func TestFeedEntryToSignal(t *testing.T) {
	sig, err := validEntry().ToSignal("0xABCDEF")
	require.NoError(t, err)

	assert.Equal(t, "0xabcdef", sig.SourceAddress)
	assert.Equal(t, SideBuy, sig.Side)
	assert.Equal(t, "500", sig.Size.String())
	assert.Equal(t, "0.42", sig.Price.String())
	assert.Equal(t, "210", sig.Notional().String())
	assert.Equal(t, time.UTC, sig.ObservedAt.Location())
}

func TestFeedEntryToSignalMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *FeedEntry)
	}{
		{"missing id", func(e *FeedEntry) { e.ID = "" }},
		{"no market", func(e *FeedEntry) { e.Market = ""; e.TokenID = "" }},
		{"bad side", func(e *FeedEntry) { e.Side = "HOLD" }},
		{"unparsable size", func(e *FeedEntry) { e.Size = "lots" }},
		{"zero size", func(e *FeedEntry) { e.Size = "0" }},
		{"unparsable price", func(e *FeedEntry) { e.Price = "NaN" }},
		{"price above one", func(e *FeedEntry) { e.Price = "1.2" }},
		{"negative price", func(e *FeedEntry) { e.Price = "-0.1" }},
		{"no timestamp", func(e *FeedEntry) { e.Timestamp = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntry()
			tt.mutate(&e)
			_, err := e.ToSignal("0xabc")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedData))
		})
	}
}

func TestDeliveryOf(t *testing.T) {
	notReceived := &SubmitError{Delivery: DeliveryNotReceived, Err: errors.New("dial tcp: refused")}
	assert.Equal(t, DeliveryNotReceived, DeliveryOf(notReceived))
	assert.Equal(t, DeliveryConfirmed, DeliveryOf(&SubmitError{Delivery: DeliveryConfirmed, Err: ErrVenueRejection}))
	assert.Equal(t, DeliveryUnknown, DeliveryOf(errors.New("boom")))

	wrapped := errors.Join(errors.New("context"), &SubmitError{Delivery: DeliveryConfirmed, Err: ErrVenueRejection})
	assert.Equal(t, DeliveryConfirmed, DeliveryOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrVenueRejection))
}

func TestResolveToken(t *testing.T) {
	m := MarketInfo{Tokens: []OutcomeToken{{TokenID: "1", Outcome: "Yes"}, {TokenID: "2", Outcome: "No"}}}

	tok, ok := m.ResolveToken("no", "")
	require.True(t, ok)
	assert.Equal(t, "2", tok.TokenID)

	tok, ok = m.ResolveToken("Yes", "2")
	require.True(t, ok)
	assert.Equal(t, "2", tok.TokenID, "token hint wins over label")

	_, ok = m.ResolveToken("Maybe", "9")
	assert.False(t, ok)
}

func TestBalanceSnapshotAge(t *testing.T) {
	now := time.Now()
	assert.Greater(t, BalanceSnapshot{}.Age(now), 24*time.Hour)
	assert.Equal(t, 5*time.Second, BalanceSnapshot{AsOf: now.Add(-5 * time.Second)}.Age(now))
}
