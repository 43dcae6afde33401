package polymarket

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// GammaClient reads market metadata from the Polymarket Gamma API.
type GammaClient struct {
	client *resty.Client
}

// NewGammaClient creates a client for baseURL, e.g.
// "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, timeout time.Duration) *GammaClient {
	return &GammaClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetRetryCount(0).
			SetHeader("Accept", "application/json"),
	}
}

// GetMarket looks a market up by condition id. An empty result is
// domain.ErrNotFound.
func (g *GammaClient) GetMarket(ctx context.Context, conditionID string) (domain.MarketInfo, error) {
	var rows []gammaMarket
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&rows).
		ForceContentType("application/json").
		Get("/markets")
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: market %s: %w: %w", conditionID, domain.ErrTransientIO, err)
	}
	if resp.IsError() {
		if err := checkHTTPStatus(resp.StatusCode(), resp.Body()); err != nil {
			return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: market %s: %w", conditionID, err)
		}
	}

	for _, m := range rows {
		if strings.EqualFold(m.ConditionID, conditionID) {
			return m.toDomain()
		}
	}
	return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: market %s: %w", conditionID, domain.ErrNotFound)
}
