package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot is a point-in-time capital reading. Consumers get a copy.
type BalanceSnapshot struct {
	Account          string
	AsOf             time.Time
	AvailableCapital decimal.Decimal
}

// IsZero reports whether no reading has been taken yet.
func (b BalanceSnapshot) IsZero() bool {
	return b.AsOf.IsZero()
}

// Age is the time since the reading. An empty snapshot is infinitely old.
func (b BalanceSnapshot) Age(now time.Time) time.Duration {
	if b.AsOf.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(b.AsOf)
}
