package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/crypto"
	"github.com/alanyoungcy/polymirror/internal/domain"
)

// usdcDecimals is the fixed-point scale of both collateral and outcome tokens.
const usdcDecimals = 6

var zeroAddress = common.Address{}

// ClobConfig configures a ClobClient.
type ClobConfig struct {
	BaseURL string
	// Funder holds the collateral. Empty means the signer's own address.
	Funder        string
	SignatureType int
	Creds         crypto.APICreds
	Timeout       time.Duration
}

// ClobClient places signed orders on the Polymarket CLOB. Each submission
// reports whether the venue could have seen it, which the executor uses to
// decide if a resend is safe.
type ClobClient struct {
	baseURL string
	http    *http.Client
	signer  *crypto.Signer
	funder  common.Address
	sigType int
	now     func() time.Time

	mu    sync.RWMutex
	creds crypto.APICreds
}

// NewClobClient creates a client. Credentials may be derived later with
// EnsureCreds.
func NewClobClient(cfg ClobConfig, signer *crypto.Signer) *ClobClient {
	funder := signer.Address()
	if cfg.Funder != "" {
		funder = common.HexToAddress(cfg.Funder)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClobClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		funder:  funder,
		sigType: cfg.SignatureType,
		now:     time.Now,
		creds:   cfg.Creds,
	}
}

// Funder is the address whose collateral backs orders.
func (c *ClobClient) Funder() common.Address { return c.funder }

// EnsureCreds derives L2 API credentials when none were configured. The
// derive endpoint returns existing credentials; create is the fallback for
// a wallet that never had any.
func (c *ClobClient) EnsureCreds(ctx context.Context) error {
	c.mu.RLock()
	ok := c.creds.Valid()
	c.mu.RUnlock()
	if ok {
		return nil
	}

	creds, err := c.l1Request(ctx, http.MethodGet, "/auth/derive-api-key")
	if err != nil {
		creds, err = c.l1Request(ctx, http.MethodPost, "/auth/api-key")
	}
	if err != nil {
		return fmt.Errorf("polymarket/clob: api credentials: %w", err)
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return nil
}

func (c *ClobClient) l1Request(ctx context.Context, method, path string) (crypto.APICreds, error) {
	ts := c.now().Unix()
	sig, err := c.signer.SignClobAuth(ts, 0)
	if err != nil {
		return crypto.APICreds{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return crypto.APICreds{}, err
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", "0")

	resp, err := c.http.Do(req)
	if err != nil {
		return crypto.APICreds{}, fmt.Errorf("%w: %w", domain.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return crypto.APICreds{}, err
	}

	var out apiKeyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return crypto.APICreds{}, fmt.Errorf("decode api key: %w", err)
	}
	creds := crypto.APICreds{Key: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}
	if !creds.Valid() {
		return crypto.APICreds{}, fmt.Errorf("incomplete api key response: %w", domain.ErrUnauthorized)
	}
	return creds, nil
}

// PostOrder signs and submits req. Errors are *domain.SubmitError.
func (c *ClobClient) PostOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	body, err := c.buildOrder(req)
	if err != nil {
		return domain.OrderResult{}, &domain.SubmitError{Delivery: domain.DeliveryNotReceived, Err: err}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.OrderResult{}, &domain.SubmitError{Delivery: domain.DeliveryNotReceived, Err: err}
	}

	status, respBody, err := c.send(ctx, http.MethodPost, "/order", payload)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if serr := submitStatus(status, respBody); serr != nil {
		return domain.OrderResult{}, serr
	}

	var out postOrderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.OrderResult{}, &domain.SubmitError{
			Delivery: domain.DeliveryUnknown,
			Err:      fmt.Errorf("polymarket/clob: decode order response: %w", err),
		}
	}
	if !out.Success {
		return domain.OrderResult{}, &domain.SubmitError{
			Delivery: domain.DeliveryConfirmed,
			Err:      fmt.Errorf("polymarket/clob: %s: %w", out.ErrorMsg, domain.ErrVenueRejection),
		}
	}
	return out.result(req), nil
}

// buildOrder converts req into a signed wire order. Prices and sizes are
// scaled to 6-decimal base units; the collateral leg is rounded down so the
// order never spends more than size x limit.
func (c *ClobClient) buildOrder(req domain.OrderRequest) (postOrderBody, error) {
	if _, ok := new(big.Int).SetString(req.TokenID, 10); !ok {
		return postOrderBody{}, fmt.Errorf("polymarket/clob: token id %q: %w", req.TokenID, domain.ErrMalformedData)
	}
	tokens := baseUnits(req.Size)
	usdc := baseUnits(req.Size.Mul(req.LimitPrice))

	side, sideName := crypto.OrderSideBuy, "BUY"
	maker, taker := usdc, tokens
	if req.Side == domain.SideSell {
		side, sideName = crypto.OrderSideSell, "SELL"
		maker, taker = tokens, usdc
	}

	id := uuid.New()
	salt := new(big.Int).SetBytes(id[:7]).Int64()
	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(salt, 10),
		Maker:         c.funder.Hex(),
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress.Hex(),
		TokenID:       req.TokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.sigType,
	}
	sig, err := c.signer.SignOrder(payload, req.NegRisk)
	if err != nil {
		return postOrderBody{}, err
	}

	c.mu.RLock()
	owner := c.creds.Key
	c.mu.RUnlock()

	return postOrderBody{
		Order: signedOrder{
			Salt:          salt,
			Maker:         payload.Maker,
			Signer:        payload.Signer,
			Taker:         payload.Taker,
			TokenID:       payload.TokenID,
			MakerAmount:   payload.MakerAmount,
			TakerAmount:   payload.TakerAmount,
			Expiration:    payload.Expiration,
			Nonce:         payload.Nonce,
			FeeRateBps:    payload.FeeRateBps,
			Side:          sideName,
			SignatureType: payload.SignatureType,
			Signature:     sig,
		},
		Owner:     owner,
		OrderType: string(req.Type),
	}, nil
}

// send performs an L2-authenticated request. Transport failures come back as
// *domain.SubmitError: NotReceived when the request was never fully written,
// Unknown otherwise.
func (c *ClobClient) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, &domain.SubmitError{Delivery: domain.DeliveryNotReceived, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	for k, v := range creds.Headers(c.signer.Address().Hex(), method, path, string(payload), c.now()) {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		delivery := domain.DeliveryUnknown
		if !wrote.Load() {
			delivery = domain.DeliveryNotReceived
		}
		return 0, nil, &domain.SubmitError{
			Delivery: delivery,
			Err:      fmt.Errorf("polymarket/clob: %s %s: %w: %w", method, path, domain.ErrTransientIO, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &domain.SubmitError{
			Delivery: domain.DeliveryUnknown,
			Err:      fmt.Errorf("polymarket/clob: read response: %w", err),
		}
	}
	return resp.StatusCode, body, nil
}

// submitStatus classifies a non-2xx order response by whether the order can
// have been accepted.
func submitStatus(status int, body []byte) error {
	err := checkHTTPStatus(status, body)
	if err == nil {
		return nil
	}
	delivery := domain.DeliveryConfirmed
	switch {
	case status == http.StatusTooManyRequests:
		// Throttled before matching; nothing was placed.
		delivery = domain.DeliveryNotReceived
	case status >= 500:
		delivery = domain.DeliveryUnknown
	}
	return &domain.SubmitError{Delivery: delivery, Err: fmt.Errorf("polymarket/clob: post order: %w", err)}
}

// checkHTTPStatus maps non-2xx responses to domain errors.
func checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w: %s", domain.ErrVenueRejection, domain.ErrUnauthorized, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %s", domain.ErrTransientIO, domain.ErrRateLimited, msg)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransientIO, status, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueRejection, status, msg)
	}
}

// baseUnits renders d in 6-decimal fixed point, truncating.
func baseUnits(d decimal.Decimal) string {
	return d.Shift(usdcDecimals).Truncate(0).String()
}
