package monitor

import "time"

// State is the per-address polling state.
type State string

const (
	StateIdle       State = "idle"
	StatePolling    State = "polling"
	StateEmitting   State = "emitting"
	StateBackingOff State = "backing_off"
	StateSkipped    State = "skipped"
)

// AddressStatus is a point-in-time view of one watched address.
type AddressStatus struct {
	Address         string    `json:"address"`
	Label           string    `json:"label,omitempty"`
	Paused          bool      `json:"paused"`
	State           State     `json:"state"`
	Cursor          string    `json:"cursor"`
	CommittedCursor string    `json:"committed_cursor"`
	Attempt         int       `json:"attempt"`
	LastPoll        time.Time `json:"last_poll"`
	LastError       string    `json:"last_error,omitempty"`
	Emitted         int64     `json:"emitted"`
	Dropped         int64     `json:"dropped"`
	Skipped         int64     `json:"skipped_cycles"`
}
