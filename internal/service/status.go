package service

import (
	"time"

	"github.com/alanyoungcy/polymirror/internal/executor"
	"github.com/alanyoungcy/polymirror/internal/monitor"
)

// BalanceStatus summarises the operator snapshot.
type BalanceStatus struct {
	Account    string    `json:"account"`
	Available  string    `json:"available"`
	AsOf       time.Time `json:"as_of"`
	AgeSeconds float64   `json:"age_seconds"`
	Failures   int64     `json:"refresh_failures"`
}

// ChannelStatus is the handoff channel depth.
type ChannelStatus struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

// Status is the service snapshot served by GET /api/status.
type Status struct {
	Mode      string                  `json:"mode"`
	StartedAt time.Time               `json:"started_at"`
	Uptime    string                  `json:"uptime"`
	Leased    bool                    `json:"leased"`
	Addresses []monitor.AddressStatus `json:"addresses"`
	Executor  executor.Stats          `json:"executor"`
	Balance   BalanceStatus           `json:"balance"`
	Channel   ChannelStatus           `json:"channel"`
}

// Status reports the live pipeline state. It never does I/O.
func (s *Service) Status() Status {
	s.mu.Lock()
	startedAt, leased := s.startedAt, s.lease != nil && !s.stopped
	s.mu.Unlock()

	now := s.now()
	snap := s.c.Balances.Snapshot()
	st := Status{
		Mode:      s.cfg.Mode,
		StartedAt: startedAt,
		Leased:    leased,
		Addresses: s.c.Monitor.States(),
		Executor:  s.c.Executor.Stats(),
		Balance: BalanceStatus{
			Account:   snap.Account,
			Available: snap.AvailableCapital.StringFixed(2),
			AsOf:      snap.AsOf,
			Failures:  s.c.Balances.Failures(),
		},
		Channel: ChannelStatus{Depth: s.c.Channel.Len(), Capacity: s.c.Channel.Cap()},
	}
	if !snap.IsZero() {
		st.Balance.AgeSeconds = snap.Age(now).Seconds()
	}
	if !startedAt.IsZero() {
		st.Uptime = now.Sub(startedAt).Truncate(time.Second).String()
	}
	return st
}
