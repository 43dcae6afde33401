package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/go-resty/resty/v2"
)

const dataAPIMaxLimit = 500

// activity is one row of GET /activity?type=TRADE.
type activity struct {
	ProxyWallet     string      `json:"proxyWallet"`
	Timestamp       int64       `json:"timestamp"`
	ConditionID     string      `json:"conditionId"`
	Type            string      `json:"type"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	Asset           string      `json:"asset"`
	Side            string      `json:"side"`
	Outcome         string      `json:"outcome"`
	Title           string      `json:"title"`
	TransactionHash string      `json:"transactionHash"`
}

// DataAPIFeed reads trades from the Polymarket Data API activity endpoint.
type DataAPIFeed struct {
	client *resty.Client
	logger *slog.Logger
}

// NewDataAPIFeed creates a feed against baseURL (e.g. https://data-api.polymarket.com).
// Retries are left to the monitor's backoff, so resty's own retry is off.
func NewDataAPIFeed(baseURL string, timeout time.Duration, logger *slog.Logger) *DataAPIFeed {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "polymirror/1")
	return &DataAPIFeed{
		client: client,
		logger: logger.With(slog.String("component", "data_api_feed")),
	}
}

// GetTrades implements domain.TradeFeed.
//
// A window that comes back full may end partway through its newest second,
// so that second is held back. When the older rows hold nothing new, the
// second is read whole with offset paging; when it too is exhausted, the
// window moves on past it.
func (f *DataAPIFeed) GetTrades(ctx context.Context, address, cursor string, pageSize int) ([]domain.FeedEntry, string, error) {
	cur, err := parseCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}
	limit := overfetch(pageSize, dataAPIMaxLimit)

	for pass := 0; pass < windowPasses; pass++ {
		rows, err := f.fetch(ctx, address, activityQuery{limit: limit, start: cur.ts})
		if err != nil {
			return nil, cursor, err
		}
		entries := f.entries(ctx, address, rows)
		edge := newestRow(rows)
		if len(rows) < limit || edge == 0 {
			page, next := pageAfter(entries, cursor, cur, pageSize)
			f.logger.DebugContext(ctx, "activity fetched",
				slog.String("address", address),
				slog.Int("rows", len(rows)),
				slog.Int("new", len(page)),
			)
			return page, next, nil
		}

		if page, next := pageAfter(olderThan(entries, edge), cursor, cur, pageSize); len(page) > 0 {
			return page, next, nil
		}
		second, err := f.second(ctx, address, edge, limit)
		if err != nil {
			return nil, cursor, err
		}
		if page, next := pageAfter(second, cursor, cur, pageSize); len(page) > 0 {
			return page, next, nil
		}
		// Nothing at or before edge is new.
		cur = position{ts: edge + 1}
		f.logger.DebugContext(ctx, "activity window exhausted",
			slog.String("address", address),
			slog.Int64("second", edge),
		)
	}
	return nil, cur.String(), nil
}

type activityQuery struct {
	limit  int
	start  int64
	end    int64
	offset int
}

func (f *DataAPIFeed) fetch(ctx context.Context, address string, q activityQuery) ([]activity, error) {
	params := map[string]string{
		"user":          address,
		"type":          "TRADE",
		"limit":         strconv.Itoa(q.limit),
		"sortBy":        "TIMESTAMP",
		"sortDirection": "ASC",
	}
	if q.start > 0 {
		params["start"] = strconv.FormatInt(q.start, 10)
	}
	if q.end > 0 {
		params["end"] = strconv.FormatInt(q.end, 10)
	}
	if q.offset > 0 {
		params["offset"] = strconv.Itoa(q.offset)
	}

	var rows []activity
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&rows).
		ForceContentType("application/json").
		Get("/activity")
	if err != nil {
		return nil, fmt.Errorf("data api: activity %s: %v: %w", address, err, domain.ErrTransientIO)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("data api: activity %s: HTTP %d: %w", address, resp.StatusCode(), domain.ErrTransientIO)
	}
	return rows, nil
}

// second reads every trade of address in second ts.
func (f *DataAPIFeed) second(ctx context.Context, address string, ts int64, limit int) ([]domain.FeedEntry, error) {
	var out []domain.FeedEntry
	for offset := 0; offset < maxSecondRows; offset += limit {
		rows, err := f.fetch(ctx, address, activityQuery{limit: limit, start: ts, end: ts, offset: offset})
		if err != nil {
			return nil, err
		}
		for _, e := range f.entries(ctx, address, rows) {
			if unix(e) == ts {
				out = append(out, e)
			}
		}
		if len(rows) < limit || newestRow(rows) > ts {
			return out, nil
		}
	}
	f.logger.WarnContext(ctx, "activity second too large, reading stopped",
		slog.String("address", address),
		slog.Int64("second", ts),
		slog.Int("rows", len(out)),
	)
	return out, nil
}

// entries converts trade rows. Rows missing a hash or a timestamp are kept
// so the monitor reports them as malformed.
func (f *DataAPIFeed) entries(ctx context.Context, address string, rows []activity) []domain.FeedEntry {
	out := make([]domain.FeedEntry, 0, len(rows))
	for _, r := range rows {
		if r.Type != "" && !strings.EqualFold(r.Type, "TRADE") {
			continue
		}
		e := r.entry()
		if e.ID == "" && e.Timestamp.IsZero() {
			f.logger.WarnContext(ctx, "dropping activity row without hash and timestamp",
				slog.String("address", address),
				slog.String("asset", r.Asset),
			)
			continue
		}
		out = append(out, e)
	}
	return out
}

func newestRow(rows []activity) int64 {
	var ts int64
	for _, r := range rows {
		ts = max(ts, r.Timestamp)
	}
	return ts
}

// InitialCursor implements domain.TradeFeed.
func (f *DataAPIFeed) InitialCursor(now time.Time, fromBeginning bool) string {
	return initialCursor(now, fromBeginning)
}

func (r activity) entry() domain.FeedEntry {
	var ts time.Time
	if r.Timestamp > 0 {
		ts = time.Unix(r.Timestamp, 0).UTC()
	}
	id := ""
	if r.TransactionHash != "" {
		id = strings.ToLower(r.TransactionHash) + ":" + r.Asset + ":" + strings.ToLower(r.Side)
	}
	return domain.FeedEntry{
		ID:        id,
		Market:    r.ConditionID,
		Outcome:   r.Outcome,
		TokenID:   r.Asset,
		Title:     r.Title,
		Side:      r.Side,
		Size:      r.Size.String(),
		Price:     r.Price.String(),
		Timestamp: ts,
	}
}

var _ domain.TradeFeed = (*DataAPIFeed)(nil)
