package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
)

// Copy pipeline error taxonomy. Callers match these with errors.Is.
var (
	// ErrTransientIO covers feed, balance and timeout failures that are retried.
	ErrTransientIO = errors.New("transient io failure")
	// ErrMalformedData marks a feed entry that cannot be parsed.
	ErrMalformedData = errors.New("malformed feed entry")
	// ErrInsufficientCapital rejects a signal the operator cannot afford.
	ErrInsufficientCapital = errors.New("insufficient capital")
	// ErrRiskLimitExceeded rejects a signal that breaks a sizing or staleness limit.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")
	// ErrVenueRejection is returned when the venue refuses an order.
	ErrVenueRejection = errors.New("rejected by venue")
	// ErrUnconfirmedSubmission means the order may or may not have reached the venue.
	ErrUnconfirmedSubmission = errors.New("submission delivery unconfirmed")
	// ErrConfigurationFatal aborts the process.
	ErrConfigurationFatal = errors.New("fatal configuration error")
)

// Delivery reports what the venue adapter knows about whether an order
// request reached the venue.
type Delivery int

const (
	// DeliveryUnknown: the request may have been received. Never retry.
	DeliveryUnknown Delivery = iota
	// DeliveryNotReceived: the adapter is certain the venue never saw the request.
	DeliveryNotReceived
	// DeliveryConfirmed: the venue answered.
	DeliveryConfirmed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryNotReceived:
		return "not_received"
	case DeliveryConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// SubmitError is returned by Venue.PlaceOrder when the call did not produce
// an OrderResult.
type SubmitError struct {
	Delivery Delivery
	Err      error
}

func (e *SubmitError) Error() string {
	return "submit (" + e.Delivery.String() + "): " + e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

// DeliveryOf extracts the delivery state from a PlaceOrder error. Errors that
// carry no SubmitError are treated as DeliveryUnknown.
func DeliveryOf(err error) Delivery {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Delivery
	}
	return DeliveryUnknown
}
