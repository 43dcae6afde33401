package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// BalanceStore appends balance snapshots to balance_snapshots.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Record inserts snap.
func (s *BalanceStore) Record(ctx context.Context, snap domain.BalanceSnapshot) error {
	const query = `
		INSERT INTO balance_snapshots (account, available_capital, as_of)
		VALUES ($1, $2::numeric, $3)`
	if _, err := s.pool.Exec(ctx, query, snap.Account, numeric(snap.AvailableCapital), snap.AsOf); err != nil {
		return fmt.Errorf("postgres: record balance %s: %w", snap.Account, err)
	}
	return nil
}

// Latest returns the most recent snapshot for account, or domain.ErrNotFound.
func (s *BalanceStore) Latest(ctx context.Context, account string) (domain.BalanceSnapshot, error) {
	const query = `
		SELECT account, available_capital::text, as_of
		FROM balance_snapshots
		WHERE account = $1
		ORDER BY as_of DESC, id DESC
		LIMIT 1`
	var (
		snap domain.BalanceSnapshot
		amt  string
	)
	if err := s.pool.QueryRow(ctx, query, account).Scan(&snap.Account, &amt, &snap.AsOf); err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("postgres: latest balance %s: %w", account, mapErr(err))
	}
	v, err := parseNumeric(&amt)
	if err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("postgres: latest balance %s: %w", account, err)
	}
	snap.AvailableCapital = v
	return snap, nil
}

var _ domain.BalanceStore = (*BalanceStore)(nil)
