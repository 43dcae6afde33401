package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// CursorStore keeps watched addresses and their committed feed cursors in
// watched_addresses.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a CursorStore.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// LoadCursor returns domain.ErrNotFound when the address has no cursor.
func (s *CursorStore) LoadCursor(ctx context.Context, address string) (string, error) {
	var cursor *string
	err := s.pool.QueryRow(ctx,
		`SELECT cursor FROM watched_addresses WHERE address = $1`, address,
	).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("postgres: load cursor %s: %w", address, mapErr(err))
	}
	if cursor == nil {
		return "", fmt.Errorf("postgres: load cursor %s: %w", address, domain.ErrNotFound)
	}
	return *cursor, nil
}

// CommitCursor upserts the address row with the new cursor.
func (s *CursorStore) CommitCursor(ctx context.Context, address, cursor string) error {
	const query = `
		INSERT INTO watched_addresses (address, cursor) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, address, cursor); err != nil {
		return fmt.Errorf("postgres: commit cursor %s: %w", address, err)
	}
	return nil
}

// ResetCursor clears the cursor so the next start re-initialises it.
func (s *CursorStore) ResetCursor(ctx context.Context, address string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE watched_addresses SET cursor = NULL, updated_at = NOW() WHERE address = $1`, address,
	); err != nil {
		return fmt.Errorf("postgres: reset cursor %s: %w", address, err)
	}
	return nil
}

// SyncWatched records the configured label, status and capital estimate of
// each address without touching its cursor.
func (s *CursorStore) SyncWatched(ctx context.Context, addrs []domain.WatchedAddress) error {
	const query = `
		INSERT INTO watched_addresses (address, label, status, capital_estimate)
		VALUES ($1, $2, $3, NULLIF($4, '')::numeric)
		ON CONFLICT (address) DO UPDATE SET
			label = EXCLUDED.label,
			status = EXCLUDED.status,
			capital_estimate = EXCLUDED.capital_estimate,
			updated_at = NOW()`
	for _, a := range addrs {
		est := ""
		if a.CapitalEstimate.IsPositive() {
			est = numeric(a.CapitalEstimate)
		}
		status := a.Status
		if status == "" {
			status = domain.AddressActive
		}
		if _, err := s.pool.Exec(ctx, query, a.Address, a.Label, string(status), est); err != nil {
			return fmt.Errorf("postgres: sync watched %s: %w", a.Address, err)
		}
	}
	return nil
}

// ListWatched returns every known address with its stored cursor.
func (s *CursorStore) ListWatched(ctx context.Context) ([]domain.WatchedAddress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, label, COALESCE(cursor, ''), status, capital_estimate::text
		FROM watched_addresses ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list watched: %w", err)
	}
	defer rows.Close()

	var out []domain.WatchedAddress
	for rows.Next() {
		var (
			a      domain.WatchedAddress
			status string
			est    *string
		)
		if err := rows.Scan(&a.Address, &a.Label, &a.Cursor, &status, &est); err != nil {
			return nil, fmt.Errorf("postgres: scan watched: %w", err)
		}
		a.Status = domain.AddressStatus(status)
		if a.CapitalEstimate, err = parseNumeric(est); err != nil {
			return nil, fmt.Errorf("postgres: watched %s estimate: %w", a.Address, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ domain.CursorStore = (*CursorStore)(nil)
