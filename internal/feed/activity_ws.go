package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/polymirror/internal/backoff"
	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Nudger receives early-poll hints.
type Nudger interface {
	Nudge(address string) bool
}

type liveMessage struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload struct {
		ProxyWallet     string `json:"proxyWallet"`
		TransactionHash string `json:"transactionHash"`
	} `json:"payload"`
}

// LiveActivity subscribes to the Polymarket live-data activity stream and
// nudges the monitor when a watched wallet trades. The cursor feed remains the
// only source of signals; a missed or duplicate nudge costs nothing.
type LiveActivity struct {
	url     string
	watched map[string]bool
	target  Nudger
	policy  backoff.Policy
	logger  *slog.Logger
	dialer  websocket.Dialer
}

// NewLiveActivity creates a subscriber for the given watched addresses.
func NewLiveActivity(url string, addresses []string, target Nudger, policy backoff.Policy, logger *slog.Logger) *LiveActivity {
	watched := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		watched[domain.NormalizeAddress(a)] = true
	}
	return &LiveActivity{
		url:     url,
		watched: watched,
		target:  target,
		policy:  backoff.Policy{Base: policy.Base, Cap: policy.Cap, Jitter: policy.Jitter},
		logger:  logger.With(slog.String("component", "live_activity")),
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Run connects and reconnects until ctx is cancelled.
func (l *LiveActivity) Run(ctx context.Context) error {
	b := backoff.New(l.policy)
	for {
		connected, err := l.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		l.logger.Warn("live activity disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("attempt", b.Attempt()),
		)
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
}

func (l *LiveActivity) runConnection(ctx context.Context) (bool, error) {
	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	conn, _, err := l.dialer.DialContext(ctx, l.url, headers)
	if err != nil {
		return false, fmt.Errorf("live activity: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return fn()
	}

	sub := map[string]any{
		"action": "subscribe",
		"subscriptions": []map[string]any{
			{"topic": "activity", "type": "orders_matched"},
			{"topic": "activity", "type": "trades"},
		},
	}
	if err := write(func() error { return conn.WriteJSON(sub) }); err != nil {
		return false, fmt.Errorf("live activity: subscribe: %w", err)
	}
	l.logger.Info("live activity subscribed", slog.Int("watched", len(l.watched)))

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("live activity: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		l.handleMessage(msg)
	}
}

func (l *LiveActivity) handleMessage(msg []byte) {
	var m liveMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return
	}
	if m.Topic != "" && m.Topic != "activity" {
		return
	}
	addr := domain.NormalizeAddress(m.Payload.ProxyWallet)
	if !l.watched[addr] {
		return
	}
	if l.target.Nudge(addr) {
		l.logger.Debug("watched wallet traded, nudging monitor",
			slog.String("address", addr),
			slog.String("tx_hash", m.Payload.TransactionHash),
		)
	}
}
