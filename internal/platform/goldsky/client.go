// Package goldsky reads order fills from the Polymarket orderbook subgraph
// hosted on Goldsky.
package goldsky

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// OrderFill is one OrderFilled event from the CTF Exchange. Amounts are raw
// 6-decimal integers as strings.
type OrderFill struct {
	ID                string
	TransactionHash   string
	Timestamp         int64
	Maker             string
	MakerAssetID      string
	MakerAmountFilled string
	Taker             string
	TakerAssetID      string
	TakerAmountFilled string
}

// Role selects which side of a fill the account must be on.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// fillsQuery is formatted with the role field name.
const fillsQuery = `query AccountFills($account: String!, $since: BigInt!, $first: Int!) {
  orderFilledEvents(first: $first, orderBy: timestamp, orderDirection: asc,
    where: { %s: $account, timestamp_gte: $since }) {
    id transactionHash timestamp
    maker makerAssetId makerAmountFilled
    taker takerAssetId takerAmountFilled
  }
}`

// secondQuery reads one second's fills, formatted with the role field name.
const secondQuery = `query AccountFillsAt($account: String!, $ts: BigInt!, $first: Int!, $skip: Int!) {
  orderFilledEvents(first: $first, skip: $skip, orderBy: id, orderDirection: asc,
    where: { %s: $account, timestamp: $ts }) {
    id transactionHash timestamp
    maker makerAssetId makerAmountFilled
    taker takerAssetId takerAmountFilled
  }
}`

// Client posts GraphQL queries to one subgraph endpoint.
type Client struct {
	url  string
	http *resty.Client
}

// NewClient creates a client for graphqlURL. apiKey is optional.
func NewClient(graphqlURL, apiKey string, timeout time.Duration) *Client {
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if key := strings.TrimSpace(apiKey); key != "" {
		c.SetAuthToken(key)
	}
	return &Client{url: graphqlURL, http: c}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type fillsResponse struct {
	Data struct {
		OrderFilledEvents []struct {
			ID                string `json:"id"`
			TransactionHash   string `json:"transactionHash"`
			Timestamp         string `json:"timestamp"`
			Maker             string `json:"maker"`
			MakerAssetID      string `json:"makerAssetId"`
			MakerAmountFilled string `json:"makerAmountFilled"`
			Taker             string `json:"taker"`
			TakerAssetID      string `json:"takerAssetId"`
			TakerAmountFilled string `json:"takerAmountFilled"`
		} `json:"orderFilledEvents"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

// FetchAccountFills returns up to first fills where account is on the given
// side, at or after since, oldest first. Transport failures, non-2xx answers
// and GraphQL errors wrap domain.ErrTransientIO.
func (c *Client) FetchAccountFills(ctx context.Context, account string, role Role, since time.Time, first int) ([]OrderFill, error) {
	if role != RoleMaker && role != RoleTaker {
		return nil, fmt.Errorf("goldsky: unknown role %q", role)
	}
	return c.fills(ctx, role, fmt.Sprintf(fillsQuery, role), map[string]any{
		"account": strings.ToLower(account),
		"since":   strconv.FormatInt(since.Unix(), 10),
		"first":   first,
	})
}

// FetchFillsAt returns fills in second ts where account is on the given
// side, ordered by id and skipping the first skip of them.
func (c *Client) FetchFillsAt(ctx context.Context, account string, role Role, ts int64, first, skip int) ([]OrderFill, error) {
	if role != RoleMaker && role != RoleTaker {
		return nil, fmt.Errorf("goldsky: unknown role %q", role)
	}
	return c.fills(ctx, role, fmt.Sprintf(secondQuery, role), map[string]any{
		"account": strings.ToLower(account),
		"ts":      strconv.FormatInt(ts, 10),
		"first":   first,
		"skip":    skip,
	})
}

func (c *Client) fills(ctx context.Context, role Role, query string, vars map[string]any) ([]OrderFill, error) {
	var out fillsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(gqlRequest{Query: query, Variables: vars}).
		SetResult(&out).
		ForceContentType("application/json").
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("goldsky: %s fills: %v: %w", role, err, domain.ErrTransientIO)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("goldsky: %s fills: HTTP %d: %w", role, resp.StatusCode(), domain.ErrTransientIO)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("goldsky: %s fills: graphql: %s: %w", role, out.Errors[0].Message, domain.ErrTransientIO)
	}

	fills := make([]OrderFill, 0, len(out.Data.OrderFilledEvents))
	for _, e := range out.Data.OrderFilledEvents {
		// A bad timestamp leaves zero, which the feed reports as malformed.
		ts, _ := strconv.ParseInt(e.Timestamp, 10, 64)
		fills = append(fills, OrderFill{
			ID:                e.ID,
			TransactionHash:   e.TransactionHash,
			Timestamp:         ts,
			Maker:             e.Maker,
			MakerAssetID:      e.MakerAssetID,
			MakerAmountFilled: e.MakerAmountFilled,
			Taker:             e.Taker,
			TakerAssetID:      e.TakerAssetID,
			TakerAmountFilled: e.TakerAmountFilled,
		})
	}
	return fills, nil
}
