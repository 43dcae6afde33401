package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/server/handler"
	"github.com/alanyoungcy/polymirror/internal/server/ws"
	"github.com/alanyoungcy/polymirror/internal/service"
	"github.com/alanyoungcy/polymirror/internal/store/memory"
)

type staticStatus struct{ st service.Status }

func (s staticStatus) Status() service.Status { return s.st }

type countingLimiter struct {
	mu    sync.Mutex
	seen  map[string]int
	fails bool
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.fails {
		return false, errors.New("redis down")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[key]++
	return l.seen[key] <= limit, nil
}

func (l *countingLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seedLedger(t *testing.T) *memory.CopyOrderStore {
	t.Helper()
	ledger := memory.NewCopyOrderStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"sig-a", "sig-b", "sig-c"} {
		require.NoError(t, ledger.Create(context.Background(), domain.CopyOrder{
			ID:           "order-" + id,
			SignalID:     id,
			Market:       "0xcond",
			Side:         domain.SideBuy,
			ComputedSize: decimal.NewFromInt(int64(10 * (i + 1))),
			LimitPrice:   decimal.RequireFromString("0.55"),
			Status:       domain.CopyFilled,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return ledger
}

func newTestHandler(t *testing.T, cfg Config, checks map[string]handler.Check, hub *ws.Hub) http.Handler {
	t.Helper()
	return NewHandler(cfg, Handlers{
		Health: handler.NewHealthHandler(checks),
		Status: handler.NewStatusHandler(staticStatus{service.Status{Mode: "paper"}}),
		Orders: handler.NewOrderHandler(seedLedger(t), quiet()),
		Hub:    hub,
	}, quiet())
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := newTestHandler(t, Config{}, map[string]handler.Check{
			"postgres": func(context.Context) error { return nil },
		}, nil)
		rec := do(h, http.MethodGet, "/api/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("degraded", func(t *testing.T) {
		h := newTestHandler(t, Config{}, map[string]handler.Check{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		}, nil)
		rec := do(h, http.MethodGet, "/api/health", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Status string            `json:"status"`
			Deps   map[string]string `json:"dependencies"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "ok", body.Deps["postgres"])
		assert.Equal(t, "connection refused", body.Deps["redis"])
	})
}

func TestAuth(t *testing.T) {
	h := newTestHandler(t, Config{APIKey: "s3cret"}, nil, nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", nil).Code, "health stays open")
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(h, http.MethodGet, "/api/status", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/status", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/orders?api_key=s3cret", nil).Code)
}

func TestStatusRoute(t *testing.T) {
	h := newTestHandler(t, Config{}, nil, nil)
	rec := do(h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st service.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "paper", st.Mode)
}

func TestOrders(t *testing.T) {
	h := newTestHandler(t, Config{}, nil, nil)

	t.Run("list newest first", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/orders?limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Orders []struct {
				SignalID string `json:"signal_id"`
				Size     string `json:"size"`
				Status   string `json:"status"`
			} `json:"orders"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Orders, 2)
		assert.Equal(t, "sig-c", body.Orders[0].SignalID)
		assert.Equal(t, "30", body.Orders[0].Size)
		assert.Equal(t, "filled", body.Orders[0].Status)
		assert.Equal(t, "sig-b", body.Orders[1].SignalID)
	})

	t.Run("since window", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/orders?since=2026-03-01T12:01:00Z", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "sig-a")
		assert.Contains(t, rec.Body.String(), "sig-b")
	})

	t.Run("bad params", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=x", "offset=-1", "since=yesterday"} {
			assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/orders?"+q, nil).Code, q)
		}
	})

	t.Run("get by signal", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/orders/sig-b", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"limit_price":"0.55"`)

		assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/orders/missing", nil).Code)
	})

	t.Run("read only", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodPost, "/api/orders", nil).Code)
	})
}

func TestCORS(t *testing.T) {
	h := newTestHandler(t, Config{CORSOrigins: []string{"https://ops.example"}, APIKey: "k"}, nil, nil)

	rec := do(h, http.MethodOptions, "/api/status", map[string]string{"Origin": "https://ops.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code, "preflight bypasses auth")
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(h, http.MethodGet, "/api/health", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{seen: map[string]int{}}
	h := newTestHandler(t, Config{Limiter: lim, RateLimit: 2, RateWindow: time.Minute}, nil, nil)

	hdr := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", hdr).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", hdr).Code)
	rec := do(h, http.MethodGet, "/api/status", hdr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 3, lim.seen["api:203.0.113.7"])

	other := map[string]string{"X-Real-IP": "198.51.100.2"}
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", other).Code)

	lim.fails = true
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", hdr).Code, "fails open")
}

func TestWebsocketStream(t *testing.T) {
	hub := ws.NewHub(func() any { return map[string]string{"mode": "paper"} }, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(newTestHandler(t, Config{APIKey: "k"}, nil, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?api_key=k"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	assert.Equal(t, "paper", first.Payload["mode"])

	// Only order events from here on.
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "types": []string{"*"}}))
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "types": []string{"order_*"}}))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The subscription change races the emits below, so keep emitting until
	// the filtered stream shows up.
	got := make(chan domain.EventType, 16)
	go func() {
		for {
			var msg struct {
				Type    string       `json:"type"`
				Payload domain.Event `json:"payload"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				close(got)
				return
			}
			got <- msg.Payload.Type
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		hub.Emit(ctx, domain.Event{Type: domain.EventPollSkipped})
		hub.Emit(ctx, domain.Event{Type: domain.EventOrderFailed})
		select {
		case typ, ok := <-got:
			require.True(t, ok)
			if typ == domain.EventOrderFailed {
				return
			}
		case <-deadline:
			t.Fatal("no order event received")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
