package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const activityBody = `[
  {"proxyWallet":"0xabc","timestamp":1700000010,"conditionId":"0xcond","type":"TRADE","size":120.5,"price":0.41,"asset":"111","side":"BUY","outcome":"Yes","title":"Will it rain?","transactionHash":"0xTX2"},
  {"proxyWallet":"0xabc","timestamp":1700000005,"conditionId":"0xcond","type":"TRADE","size":10,"price":0.6,"asset":"222","side":"SELL","outcome":"No","title":"Will it rain?","transactionHash":"0xTX1"},
  {"proxyWallet":"0xabc","timestamp":1700000007,"conditionId":"0xcond","type":"REDEEM","size":10,"price":1,"asset":"222","side":"","outcome":"No","transactionHash":"0xTX9"},
  {"proxyWallet":"0xabc","timestamp":0,"conditionId":"0xcond","type":"TRADE","size":1,"price":0.5,"asset":"222","side":"BUY","transactionHash":"0xTX8"}
]`

func TestDataAPIFeedGetTrades(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/activity", r.URL.Path)
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, activityBody)
	}))
	defer srv.Close()

	f := NewDataAPIFeed(srv.URL, time.Second, discardLogger())
	page, next, err := f.GetTrades(context.Background(), "0xabc", "1700000000:", 50)
	require.NoError(t, err)

	assert.Equal(t, "0xabc", gotQuery["user"])
	assert.Equal(t, "TRADE", gotQuery["type"])
	assert.Equal(t, "100", gotQuery["limit"])
	assert.Equal(t, "1700000000", gotQuery["start"])
	assert.Equal(t, "ASC", gotQuery["sortDirection"])

	require.Len(t, page, 2)
	assert.Equal(t, "0xtx1:222:sell", page[0].ID)
	assert.Equal(t, "0xtx2:111:buy", page[1].ID)
	assert.Equal(t, "120.5", page[1].Size)
	assert.Equal(t, "0.41", page[1].Price)
	assert.Equal(t, "0xcond", page[1].Market)
	assert.Equal(t, "1700000010:0xtx2:111:buy", next)

	sig, err := page[1].ToSignal("0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, sig.Side)
}

func TestDataAPIFeedEmptyPageKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	f := NewDataAPIFeed(srv.URL, time.Second, discardLogger())
	page, next, err := f.GetTrades(context.Background(), "0xabc", "1700000010:0xtx2:111:buy", 50)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, "1700000010:0xtx2:111:buy", next)
}

func TestDataAPIFeedServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewDataAPIFeed(srv.URL, time.Second, discardLogger())
	_, next, err := f.GetTrades(context.Background(), "0xabc", "5:", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransientIO))
	assert.Equal(t, "5:", next)
}

func TestDataAPIFeedTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	f := NewDataAPIFeed(srv.URL, 20*time.Millisecond, discardLogger())
	_, _, err := f.GetTrades(context.Background(), "0xabc", "", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransientIO))
}

func TestDataAPIFeedPassesMalformedRowsThrough(t *testing.T) {
	const body = `[
  {"timestamp":1700000010,"conditionId":"0xcond","type":"TRADE","size":5,"price":0.5,"asset":"111","side":"BUY","transactionHash":"0xGOOD"},
  {"timestamp":1700000005,"conditionId":"0xcond","type":"TRADE","size":5,"price":0.5,"asset":"111","side":"BUY","transactionHash":""},
  {"timestamp":0,"conditionId":"0xcond","type":"TRADE","size":5,"price":0.5,"asset":"111","side":"BUY","transactionHash":""}
]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	f := NewDataAPIFeed(srv.URL, time.Second, discardLogger())
	page, next, err := f.GetTrades(context.Background(), "0xabc", "1700000000:", 50)
	require.NoError(t, err)

	require.Len(t, page, 2, "a row with neither hash nor timestamp cannot be placed")
	assert.Empty(t, page[0].ID)
	_, err = page[0].ToSignal("0xabc")
	assert.ErrorIs(t, err, domain.ErrMalformedData)
	assert.Equal(t, "0xgood:111:buy", page[1].ID)
	assert.Equal(t, "1700000010:0xgood:111:buy", next)

	// From the beginning, a hashed row without a timestamp is reported too.
	full := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, activityBody)
	}))
	defer full.Close()
	page, _, err = NewDataAPIFeed(full.URL, time.Second, discardLogger()).
		GetTrades(context.Background(), "0xabc", "", 50)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "0xtx8:222:buy", page[0].ID)
	_, err = page[0].ToSignal("0xabc")
	assert.ErrorIs(t, err, domain.ErrMalformedData)
}

// activityLog serves GET /activity over rows held in insertion order, which
// within one second is not id order. It honours start, end, limit and offset.
type activityLog struct {
	mu       sync.Mutex
	rows     []activity
	requests []string
}

func (l *activityLog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	l.mu.Lock()
	l.requests = append(l.requests, r.URL.RawQuery)
	rows := append([]activity(nil), l.rows...)
	l.mu.Unlock()

	num := func(key string) int64 {
		n, _ := strconv.ParseInt(q.Get(key), 10, 64)
		return n
	}
	start, end, limit, offset := num("start"), num("end"), int(num("limit")), int(num("offset"))

	var hits []activity
	for _, row := range rows {
		if row.Timestamp < start || (end > 0 && row.Timestamp > end) {
			continue
		}
		hits = append(hits, row)
	}
	// Stable by timestamp only.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Timestamp < hits[j-1].Timestamp; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	if offset > len(hits) {
		offset = len(hits)
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hits)
}

func trade(ts int64, hash string) activity {
	return activity{
		Timestamp: ts, ConditionID: "0xcond", Type: "TRADE",
		Size: "5", Price: "0.5", Asset: "111", Side: "BUY", TransactionHash: hash,
	}
}

func TestDataAPIFeedTruncatedWindowLosesNothing(t *testing.T) {
	log := &activityLog{rows: []activity{
		trade(100, "0xa"), trade(100, "0xb"),
		trade(101, "0xz"), trade(101, "0xy"), trade(101, "0xx"),
	}}
	srv := httptest.NewServer(log)
	defer srv.Close()

	f := NewDataAPIFeed(srv.URL, time.Second, discardLogger())
	cursor := "100:0xb:111:buy"
	var got []string
	for range 4 {
		page, next, err := f.GetTrades(context.Background(), "0xabc", cursor, 2)
		require.NoError(t, err)
		for _, e := range page {
			got = append(got, e.ID)
		}
		cursor = next
	}

	assert.Equal(t, []string{"0xx:111:buy", "0xy:111:buy", "0xz:111:buy"}, got)
	assert.Equal(t, "101:0xz:111:buy", cursor)
}

func TestDataAPIFeedStepsOverExhaustedSecond(t *testing.T) {
	// Second 100 fills every window and was handed out already.
	log := &activityLog{rows: []activity{
		trade(100, "0xa"), trade(100, "0xb"), trade(100, "0xc"), trade(100, "0xd"), trade(100, "0xe"),
		trade(102, "0xf"),
	}}
	srv := httptest.NewServer(log)
	defer srv.Close()

	f := NewDataAPIFeed(srv.URL, time.Second, discardLogger())
	page, next, err := f.GetTrades(context.Background(), "0xabc", "100:0xe:111:buy", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "0xf:111:buy", page[0].ID)
	assert.Equal(t, "102:0xf:111:buy", next)
}
