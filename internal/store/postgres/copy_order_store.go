package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// CopyOrderStore implements domain.CopyOrderStore over copy_orders. The
// unique signal_id column is what makes copying idempotent across restarts.
type CopyOrderStore struct {
	pool *pgxpool.Pool
}

// NewCopyOrderStore creates a CopyOrderStore.
func NewCopyOrderStore(pool *pgxpool.Pool) *CopyOrderStore {
	return &CopyOrderStore{pool: pool}
}

// Create inserts order. A second order for the same signal returns
// domain.ErrAlreadyExists.
func (s *CopyOrderStore) Create(ctx context.Context, o domain.CopyOrder) error {
	const query = `
		INSERT INTO copy_orders (
			id, signal_id, source_address, market, outcome, token_id, side,
			signal_size, signal_price, computed_size, limit_price,
			status, venue_order_id, filled_size, attempts, reason,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12, $13, $14::numeric, $15, $16,
			$17, $18
		)`
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.SignalID, o.SourceAddress, o.Market, o.Outcome, o.TokenID, string(o.Side),
		numeric(o.SignalSize), numeric(o.SignalPrice), numeric(o.ComputedSize), numeric(o.LimitPrice),
		string(o.Status), o.VenueOrderID, numeric(o.FilledSize), o.Attempts, o.Reason,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create copy order %s: %w", o.SignalID, mapErr(err))
	}
	return nil
}

// Update writes the mutable fields of an existing order.
func (s *CopyOrderStore) Update(ctx context.Context, o domain.CopyOrder) error {
	const query = `
		UPDATE copy_orders SET
			outcome = $2, token_id = $3,
			computed_size = $4::numeric, limit_price = $5::numeric,
			status = $6, venue_order_id = $7, filled_size = $8::numeric,
			attempts = $9, reason = $10, updated_at = $11
		WHERE signal_id = $1`
	tag, err := s.pool.Exec(ctx, query,
		o.SignalID, o.Outcome, o.TokenID,
		numeric(o.ComputedSize), numeric(o.LimitPrice),
		string(o.Status), o.VenueOrderID, numeric(o.FilledSize),
		o.Attempts, o.Reason, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update copy order %s: %w", o.SignalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update copy order %s: %w", o.SignalID, domain.ErrNotFound)
	}
	return nil
}

const copyOrderCols = `id, signal_id, source_address, market, outcome, token_id, side,
	signal_size::text, signal_price::text, computed_size::text, limit_price::text,
	status, venue_order_id, filled_size::text, attempts, reason, created_at, updated_at`

func scanCopyOrder(row interface{ Scan(dest ...any) error }) (domain.CopyOrder, error) {
	var (
		o                                    domain.CopyOrder
		side, status                         string
		sigSize, sigPrice, size, limit, fill string
	)
	if err := row.Scan(
		&o.ID, &o.SignalID, &o.SourceAddress, &o.Market, &o.Outcome, &o.TokenID, &side,
		&sigSize, &sigPrice, &size, &limit,
		&status, &o.VenueOrderID, &fill, &o.Attempts, &o.Reason, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return domain.CopyOrder{}, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.CopyOrderStatus(status)

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.SignalSize, sigSize},
		{&o.SignalPrice, sigPrice},
		{&o.ComputedSize, size},
		{&o.LimitPrice, limit},
		{&o.FilledSize, fill},
	} {
		if *f.dst, err = parseNumeric(&f.src); err != nil {
			return domain.CopyOrder{}, fmt.Errorf("copy order %s: %w", o.SignalID, err)
		}
	}
	return o, nil
}

// GetBySignalID returns domain.ErrNotFound when no order exists.
func (s *CopyOrderStore) GetBySignalID(ctx context.Context, signalID string) (domain.CopyOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+copyOrderCols+` FROM copy_orders WHERE signal_id = $1`, signalID)
	o, err := scanCopyOrder(row)
	if err != nil {
		return domain.CopyOrder{}, fmt.Errorf("postgres: get copy order %s: %w", signalID, mapErr(err))
	}
	return o, nil
}

// List returns orders newest first.
func (s *CopyOrderStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.CopyOrder, error) {
	query, args := window(`SELECT `+copyOrderCols+` FROM copy_orders WHERE TRUE`, nil, "created_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list copy orders: %w", err)
	}
	defer rows.Close()

	var out []domain.CopyOrder
	for rows.Next() {
		o, err := scanCopyOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan copy order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var _ domain.CopyOrderStore = (*CopyOrderStore)(nil)
