package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CopyOrderStatus is the lifecycle state of a CopyOrder.
type CopyOrderStatus string

const (
	CopyPending         CopyOrderStatus = "pending"
	CopySubmitted       CopyOrderStatus = "submitted"
	CopyFilled          CopyOrderStatus = "filled"
	CopyPartiallyFilled CopyOrderStatus = "partially_filled"
	CopyRejected        CopyOrderStatus = "rejected"
	CopyFailed          CopyOrderStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s CopyOrderStatus) Terminal() bool {
	switch s {
	case CopyFilled, CopyPartiallyFilled, CopyRejected, CopyFailed:
		return true
	}
	return false
}

// Filled reports whether the order executed at least partially.
func (s CopyOrderStatus) Filled() bool {
	return s == CopyFilled || s == CopyPartiallyFilled
}

// CopyOrder is the executor's record for exactly one TradeSignal. SignalID is
// unique across the ledger.
type CopyOrder struct {
	ID            string
	SignalID      string
	SourceAddress string
	Market        string
	Outcome       string
	TokenID       string
	Side          Side
	SignalSize    decimal.Decimal
	SignalPrice   decimal.Decimal
	ComputedSize  decimal.Decimal
	LimitPrice    decimal.Decimal
	Status        CopyOrderStatus
	VenueOrderID  string
	FilledSize    decimal.Decimal
	Attempts      int
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderType is the CLOB time-in-force.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
)

// OrderRequest is what the executor asks the venue to place.
type OrderRequest struct {
	Market     string
	Outcome    string
	TokenID    string
	Side       Side
	Size       decimal.Decimal
	LimitPrice decimal.Decimal
	Type       OrderType
	TickSize   decimal.Decimal
	NegRisk    bool
	// ClientID is stable per CopyOrder so the adapter can reuse it on a
	// permitted resend.
	ClientID string
}

// VenueOrderStatus summarises the venue's answer to a placement.
type VenueOrderStatus string

const (
	VenueFilled   VenueOrderStatus = "filled"
	VenuePartial  VenueOrderStatus = "partial"
	VenueResting  VenueOrderStatus = "resting"
	VenueUnfilled VenueOrderStatus = "unfilled"
)

// OrderResult is the venue's response to PlaceOrder.
type OrderResult struct {
	VenueOrderID string
	Status       VenueOrderStatus
	FilledSize   decimal.Decimal
	AvgPrice     decimal.Decimal
	Message      string
}
