package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymirror/internal/crypto"
	"github.com/alanyoungcy/polymirror/internal/domain"
)

const (
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testToken = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
)

func testRequest() domain.OrderRequest {
	return domain.OrderRequest{
		Market:     "0xcond",
		Outcome:    "Yes",
		TokenID:    testToken,
		Side:       domain.SideBuy,
		Size:       decimal.RequireFromString("20"),
		LimitPrice: decimal.RequireFromString("0.51"),
		Type:       domain.OrderTypeFAK,
		TickSize:   decimal.RequireFromString("0.01"),
		ClientID:   "c-1",
	}
}

func newClob(t *testing.T, url string) *ClobClient {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)
	return NewClobClient(ClobConfig{
		BaseURL: url,
		Creds:   crypto.APICreds{Key: "api-key", Secret: "c2VjcmV0", Passphrase: "pp"},
		Timeout: 2 * time.Second,
	}, signer)
}

func TestPostOrderFilled(t *testing.T) {
	var got postOrderBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"success":true,"orderID":"0xabc","status":"matched","makingAmount":"10.2","takingAmount":"20"}`)
	}))
	defer srv.Close()

	c := newClob(t, srv.URL)
	res, err := c.PostOrder(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.VenueFilled, res.Status)
	assert.Equal(t, "0xabc", res.VenueOrderID)
	assert.Equal(t, "20", res.FilledSize.String())
	assert.Equal(t, "0.51", res.AvgPrice.String())

	assert.Equal(t, "BUY", got.Order.Side)
	assert.Equal(t, "10200000", got.Order.MakerAmount)
	assert.Equal(t, "20000000", got.Order.TakerAmount)
	assert.Equal(t, "FAK", got.OrderType)
	assert.Equal(t, "api-key", got.Owner)
	assert.Equal(t, c.Funder().Hex(), got.Order.Maker)
	assert.True(t, strings.HasPrefix(got.Order.Signature, "0x"))
}

func TestPostOrderSellAmounts(t *testing.T) {
	var got postOrderBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"success":true,"orderID":"0xdef","status":"matched","makingAmount":"5","takingAmount":"2.55"}`)
	}))
	defer srv.Close()

	req := testRequest()
	req.Side = domain.SideSell
	res, err := newClob(t, srv.URL).PostOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "SELL", got.Order.Side)
	assert.Equal(t, "20000000", got.Order.MakerAmount)
	assert.Equal(t, "10200000", got.Order.TakerAmount)
	assert.Equal(t, domain.VenuePartial, res.Status)
	assert.Equal(t, "5", res.FilledSize.String())
}

func TestPostOrderOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		delivery domain.Delivery
		sentinel error
	}{
		{"rejected in body", 200, `{"success":false,"errorMsg":"not enough balance / allowance"}`, domain.DeliveryConfirmed, domain.ErrVenueRejection},
		{"bad request", 400, `{"error":"invalid order"}`, domain.DeliveryConfirmed, domain.ErrVenueRejection},
		{"unauthorized", 401, `{"error":"bad key"}`, domain.DeliveryConfirmed, domain.ErrUnauthorized},
		{"throttled", 429, `{"error":"slow down"}`, domain.DeliveryNotReceived, domain.ErrRateLimited},
		{"server error", 502, `bad gateway`, domain.DeliveryUnknown, domain.ErrTransientIO},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := newClob(t, srv.URL).PostOrder(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, tc.delivery, domain.DeliveryOf(err))
			assert.ErrorIs(t, err, tc.sentinel)
		})
	}
}

func TestPostOrderResting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"orderID":"0x1","status":"live"}`)
	}))
	defer srv.Close()

	res, err := newClob(t, srv.URL).PostOrder(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.VenueResting, res.Status)
}

func TestPostOrderConnectionRefusedIsNotReceived(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClob(t, url).PostOrder(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, domain.DeliveryNotReceived, domain.DeliveryOf(err))
	assert.ErrorIs(t, err, domain.ErrTransientIO)
}

func TestPostOrderDroppedAfterWriteIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	_, err := newClob(t, srv.URL).PostOrder(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, domain.DeliveryUnknown, domain.DeliveryOf(err))
}

func TestPostOrderBadTokenNeverSent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	req := testRequest()
	req.TokenID = "not-a-number"
	_, err := newClob(t, srv.URL).PostOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrMalformedData)
	assert.Equal(t, domain.DeliveryNotReceived, domain.DeliveryOf(err))
	assert.Zero(t, hits.Load())
}

func TestEnsureCredsFallsBackToCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/auth/derive-api-key":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"no key"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/auth/api-key":
			fmt.Fprint(w, `{"apiKey":"k","secret":"c2VjcmV0","passphrase":"p"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)
	c := NewClobClient(ClobConfig{BaseURL: srv.URL}, signer)
	require.NoError(t, c.EnsureCreds(context.Background()))
	assert.Equal(t, "k", c.creds.Key)
}

func TestGammaGetMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		if r.URL.Query().Get("condition_ids") != "0xcond" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[{"id":"1","question":"Will it?","conditionId":"0xCOND","active":true,"closed":false,
			"acceptingOrders":true,"enableOrderBook":true,"negRisk":"true","orderPriceMinTickSize":0.001,
			"orderMinSize":5,"outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"111\",\"222\"]"}]`)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, time.Second)
	m, err := g.GetMarket(context.Background(), "0xcond")
	require.NoError(t, err)
	assert.True(t, m.Tradable())
	assert.True(t, m.NegRisk)
	assert.Equal(t, "0.001", m.TickSize.String())
	assert.Equal(t, "5", m.MinSize.String())
	tok, ok := m.ResolveToken("no", "")
	require.True(t, ok)
	assert.Equal(t, "222", tok.TokenID)

	_, err = g.GetMarket(context.Background(), "0xother")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGammaServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewGammaClient(srv.URL, time.Second).GetMarket(context.Background(), "0xcond")
	assert.ErrorIs(t, err, domain.ErrTransientIO)
}

func TestChainBalanceOf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params []json.RawMessage
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eth_call", req.Method)
		// 123.45 USDC = 123450000 = 0x75bb290
		result := "0x" + strings.Repeat("0", 57) + "75bb290"
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"%s"}`, req.ID, result)
	}))
	defer srv.Close()

	chain, err := DialChain(context.Background(), srv.URL, "")
	require.NoError(t, err)
	defer chain.Close()

	bal, err := chain.BalanceOf(context.Background(), "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, "123.45", bal.String())

	_, err = chain.BalanceOf(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrMalformedData)
}
