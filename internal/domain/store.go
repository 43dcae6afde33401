package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CursorStore persists the committed feed cursor per watched address.
type CursorStore interface {
	LoadCursor(ctx context.Context, address string) (string, error)
	CommitCursor(ctx context.Context, address, cursor string) error
	ResetCursor(ctx context.Context, address string) error
}

// CopyOrderStore is the durable CopyOrder ledger. Create returns
// ErrAlreadyExists when an order for the same signal id is present.
type CopyOrderStore interface {
	Create(ctx context.Context, order CopyOrder) error
	Update(ctx context.Context, order CopyOrder) error
	GetBySignalID(ctx context.Context, signalID string) (CopyOrder, error)
	List(ctx context.Context, opts ListOpts) ([]CopyOrder, error)
}

// BalanceStore records balance snapshots over time.
type BalanceStore interface {
	Record(ctx context.Context, snap BalanceSnapshot) error
	Latest(ctx context.Context, account string) (BalanceSnapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
