package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

const (
	// archivePageSize bounds each ledger query.
	archivePageSize = 500
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
	// defaultSettle keeps still-moving orders out of a batch.
	defaultSettle = time.Minute
)

// archivedOrder is the JSONL shape of one CopyOrder.
type archivedOrder struct {
	ID            string    `json:"id"`
	SignalID      string    `json:"signal_id"`
	SourceAddress string    `json:"source_address"`
	Market        string    `json:"market"`
	Outcome       string    `json:"outcome,omitempty"`
	TokenID       string    `json:"token_id,omitempty"`
	Side          string    `json:"side"`
	SignalSize    string    `json:"signal_size"`
	SignalPrice   string    `json:"signal_price"`
	ComputedSize  string    `json:"computed_size"`
	LimitPrice    string    `json:"limit_price"`
	Status        string    `json:"status"`
	VenueOrderID  string    `json:"venue_order_id,omitempty"`
	FilledSize    string    `json:"filled_size"`
	Attempts      int       `json:"attempts"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toArchived(o domain.CopyOrder) archivedOrder {
	return archivedOrder{
		ID:            o.ID,
		SignalID:      o.SignalID,
		SourceAddress: o.SourceAddress,
		Market:        o.Market,
		Outcome:       o.Outcome,
		TokenID:       o.TokenID,
		Side:          string(o.Side),
		SignalSize:    o.SignalSize.String(),
		SignalPrice:   o.SignalPrice.String(),
		ComputedSize:  o.ComputedSize.String(),
		LimitPrice:    o.LimitPrice.String(),
		Status:        string(o.Status),
		VenueOrderID:  o.VenueOrderID,
		FilledSize:    o.FilledSize.String(),
		Attempts:      o.Attempts,
		Reason:        o.Reason,
		CreatedAt:     o.CreatedAt.UTC(),
		UpdatedAt:     o.UpdatedAt.UTC(),
	}
}

// LedgerArchiver exports CopyOrders created in consecutive time windows as
// JSONL objects named <prefix>/YYYY/MM/DD/<since>-<until>.jsonl. The
// watermark is the until of the newest object, so a restart resumes where
// the last upload ended.
//
// Rows are not deleted from the ledger; the archive is a copy.
type LedgerArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	orders domain.CopyOrderStore
	audit  domain.AuditStore
	prefix string
	settle time.Duration
	logger *slog.Logger
	now    func() time.Time

	watermark time.Time
}

// NewLedgerArchiver creates an archiver. reader and audit may be nil.
func NewLedgerArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	orders domain.CopyOrderStore,
	audit domain.AuditStore,
	prefix string,
	logger *slog.Logger,
) *LedgerArchiver {
	return &LedgerArchiver{
		writer: writer,
		reader: reader,
		orders: orders,
		audit:  audit,
		prefix: strings.Trim(prefix, "/"),
		settle: defaultSettle,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// Resume loads the watermark from the newest archived object.
func (a *LedgerArchiver) Resume(ctx context.Context) error {
	if a.reader == nil {
		return nil
	}
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return fmt.Errorf("s3blob: resume archive: %w", err)
	}
	for _, info := range infos {
		if _, until, ok := parseArchiveName(info.Path); ok && until.After(a.watermark) {
			a.watermark = until
		}
	}
	if !a.watermark.IsZero() {
		a.logger.InfoContext(ctx, "archive resumed", slog.Time("watermark", a.watermark))
	}
	return nil
}

// Run archives every interval until ctx ends, then flushes once more with a
// detached context so orders handled during shutdown are kept.
func (a *LedgerArchiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if _, err := a.archive(fctx, a.now()); err != nil {
				a.logger.WarnContext(fctx, "final archive failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.WarnContext(ctx, "archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveOnce uploads orders created between the watermark and now minus
// the settle delay. It returns the number of orders written.
func (a *LedgerArchiver) ArchiveOnce(ctx context.Context) (int, error) {
	return a.archive(ctx, a.now().Add(-a.settle))
}

func (a *LedgerArchiver) archive(ctx context.Context, until time.Time) (int, error) {
	until = until.UTC().Truncate(time.Second)
	since := a.watermark
	if !until.After(since) {
		return 0, nil
	}

	orders, err := a.collect(ctx, since, until)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		a.watermark = until
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := archiveName(a.prefix, since, until)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}
	a.watermark = until

	a.logger.InfoContext(ctx, "ledger archived",
		slog.String("path", key),
		slog.Int("orders", len(orders)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "ledger_archived", map[string]any{
			"path":  key,
			"count": len(orders),
			"since": since.Format(time.RFC3339),
			"until": until.Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit archive failed", slog.String("error", err.Error()))
		}
	}
	return len(orders), nil
}

// collect pages through the window and returns orders oldest first.
func (a *LedgerArchiver) collect(ctx context.Context, since, until time.Time) ([]archivedOrder, error) {
	opts := domain.ListOpts{Until: &until, Limit: archivePageSize}
	if !since.IsZero() {
		opts.Since = &since
	}
	var out []archivedOrder
	for {
		page, err := a.orders.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("s3blob: archive query: %w", err)
		}
		for _, o := range page {
			out = append(out, toArchived(o))
		}
		if len(page) < archivePageSize {
			break
		}
		opts.Offset += len(page)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Watermark is the end of the last archived window.
func (a *LedgerArchiver) Watermark() time.Time { return a.watermark }

func archiveName(prefix string, since, until time.Time) string {
	var lo int64
	if !since.IsZero() {
		lo = since.Unix()
	}
	name := fmt.Sprintf("%d-%d.jsonl", lo, until.Unix())
	return path.Join(prefix, until.Format("2006/01/02"), name)
}

func parseArchiveName(key string) (since, until time.Time, ok bool) {
	base := strings.TrimSuffix(path.Base(key), ".jsonl")
	lo, hi, found := strings.Cut(base, "-")
	if !found {
		return time.Time{}, time.Time{}, false
	}
	s, err1 := strconv.ParseInt(lo, 10, 64)
	u, err2 := strconv.ParseInt(hi, 10, 64)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(s, 0).UTC(), time.Unix(u, 0).UTC(), true
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
