package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AddressStatus controls whether a watched address is scheduled for polling.
type AddressStatus string

const (
	AddressActive AddressStatus = "active"
	AddressPaused AddressStatus = "paused"
)

// WatchedAddress is an external account whose trades are copied.
type WatchedAddress struct {
	Address string
	Label   string
	// Cursor is the last feed position whose entries were fully emitted.
	Cursor string
	Status AddressStatus
	// CapitalEstimate overrides the global source capital estimate when positive.
	CapitalEstimate decimal.Decimal
}

// Active reports whether the address should be polled.
func (w WatchedAddress) Active() bool {
	return w.Status != AddressPaused
}

// NormalizeAddress lowercases and trims a hex address so that comparisons
// against feed payloads are stable.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
