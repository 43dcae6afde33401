package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/platform/goldsky"
	"github.com/shopspring/decimal"
)

// usdcAssetID marks the collateral side of a fill.
const usdcAssetID = "0"

const goldskyMaxFirst = 1000

// GoldskyFeed reads an address's fills from the orderbook subgraph. It sees
// trades on-chain, so it also catches fills made outside the Polymarket UI.
type GoldskyFeed struct {
	client *goldsky.Client
	logger *slog.Logger
}

// NewGoldskyFeed wraps a subgraph client.
func NewGoldskyFeed(client *goldsky.Client, logger *slog.Logger) *GoldskyFeed {
	return &GoldskyFeed{
		client: client,
		logger: logger.With(slog.String("component", "goldsky_feed")),
	}
}

var roles = []goldsky.Role{goldsky.RoleMaker, goldsky.RoleTaker}

// GetTrades implements domain.TradeFeed. Maker and taker fills are read
// separately and merged. A role whose window comes back full may end partway
// through a second, so entries from that second on are held back and, when
// nothing older is new, the second is read whole.
func (f *GoldskyFeed) GetTrades(ctx context.Context, address, cursor string, pageSize int) ([]domain.FeedEntry, string, error) {
	cur, err := parseCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}
	first := overfetch(pageSize, goldskyMaxFirst)

	for pass := 0; pass < windowPasses; pass++ {
		var (
			entries []domain.FeedEntry
			edge    int64 = math.MaxInt64
		)
		for _, role := range roles {
			fills, err := f.client.FetchAccountFills(ctx, address, role, time.Unix(cur.ts, 0), first)
			if err != nil {
				return nil, cursor, fmt.Errorf("goldsky feed: %s: %w", address, err)
			}
			for _, fill := range fills {
				entries = append(entries, fillEntry(fill, role))
			}
			if len(fills) >= first {
				edge = min(edge, newestFill(fills))
			}
		}
		if edge == math.MaxInt64 || edge == 0 {
			page, next := pageAfter(entries, cursor, cur, pageSize)
			f.logger.DebugContext(ctx, "fills fetched",
				slog.String("address", address),
				slog.Int("fills", len(entries)),
				slog.Int("new", len(page)),
			)
			return page, next, nil
		}

		if page, next := pageAfter(olderThan(entries, edge), cursor, cur, pageSize); len(page) > 0 {
			return page, next, nil
		}
		second, err := f.second(ctx, address, edge, first)
		if err != nil {
			return nil, cursor, err
		}
		if page, next := pageAfter(second, cursor, cur, pageSize); len(page) > 0 {
			return page, next, nil
		}
		cur = position{ts: edge + 1}
	}
	return nil, cur.String(), nil
}

// second reads every fill of address in second ts, both roles.
func (f *GoldskyFeed) second(ctx context.Context, address string, ts int64, first int) ([]domain.FeedEntry, error) {
	var out []domain.FeedEntry
	for _, role := range roles {
		for skip := 0; ; skip += first {
			if skip >= maxSecondRows {
				f.logger.WarnContext(ctx, "fill second too large, reading stopped",
					slog.String("address", address),
					slog.String("role", string(role)),
					slog.Int64("second", ts),
				)
				break
			}
			fills, err := f.client.FetchFillsAt(ctx, address, role, ts, first, skip)
			if err != nil {
				return nil, fmt.Errorf("goldsky feed: %s: %w", address, err)
			}
			for _, fill := range fills {
				out = append(out, fillEntry(fill, role))
			}
			if len(fills) < first {
				break
			}
		}
	}
	return out, nil
}

func newestFill(fills []goldsky.OrderFill) int64 {
	var ts int64
	for _, fill := range fills {
		ts = max(ts, fill.Timestamp)
	}
	return ts
}

// InitialCursor implements domain.TradeFeed.
func (f *GoldskyFeed) InitialCursor(now time.Time, fromBeginning bool) string {
	return initialCursor(now, fromBeginning)
}

// fillEntry converts a fill into the watched account's view of the trade.
// Unparsable amounts leave Size or Price empty so the monitor drops the entry.
func fillEntry(f goldsky.OrderFill, role goldsky.Role) domain.FeedEntry {
	makerPaysUSDC := f.MakerAssetID == usdcAssetID

	tokenID := f.MakerAssetID
	usdcRaw, tokenRaw := f.TakerAmountFilled, f.MakerAmountFilled
	if makerPaysUSDC {
		tokenID = f.TakerAssetID
		usdcRaw, tokenRaw = f.MakerAmountFilled, f.TakerAmountFilled
	}

	// The maker buys tokens when it pays USDC; the taker is on the other side.
	side := "sell"
	if makerPaysUSDC == (role == goldsky.RoleMaker) {
		side = "buy"
	}

	var size, price string
	usdc, errU := decimal.NewFromString(usdcRaw)
	tokens, errT := decimal.NewFromString(tokenRaw)
	if errU == nil && errT == nil && tokens.IsPositive() {
		size = tokens.Shift(-6).String()
		price = usdc.Div(tokens).Round(6).String()
	}

	var ts time.Time
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0).UTC()
	}
	return domain.FeedEntry{
		ID:        strings.ToLower(f.ID),
		TokenID:   tokenID,
		Side:      side,
		Size:      size,
		Price:     price,
		Timestamp: ts,
	}
}

var _ domain.TradeFeed = (*GoldskyFeed)(nil)
