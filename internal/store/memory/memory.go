// Package memory implements the domain stores in process memory. It backs
// paper mode when Postgres is disabled and serves as a test double.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// CursorStore implements domain.CursorStore.
type CursorStore struct {
	mu      sync.RWMutex
	cursors map[string]string
	commits int
}

// NewCursorStore creates an empty CursorStore.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]string)}
}

func (s *CursorStore) LoadCursor(_ context.Context, address string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[address]
	if !ok {
		return "", domain.ErrNotFound
	}
	return c, nil
}

func (s *CursorStore) CommitCursor(_ context.Context, address, cursor string) error {
	s.mu.Lock()
	s.cursors[address] = cursor
	s.commits++
	s.mu.Unlock()
	return nil
}

func (s *CursorStore) ResetCursor(_ context.Context, address string) error {
	s.mu.Lock()
	delete(s.cursors, address)
	s.mu.Unlock()
	return nil
}

// Commits counts CommitCursor calls.
func (s *CursorStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// CopyOrderStore implements domain.CopyOrderStore with a unique signal id.
type CopyOrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.CopyOrder
}

// NewCopyOrderStore creates an empty CopyOrderStore.
func NewCopyOrderStore() *CopyOrderStore {
	return &CopyOrderStore{orders: make(map[string]domain.CopyOrder)}
}

func (s *CopyOrderStore) Create(_ context.Context, order domain.CopyOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.SignalID]; ok {
		return domain.ErrAlreadyExists
	}
	s.orders[order.SignalID] = order
	return nil
}

func (s *CopyOrderStore) Update(_ context.Context, order domain.CopyOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.SignalID]; !ok {
		return domain.ErrNotFound
	}
	s.orders[order.SignalID] = order
	return nil
}

func (s *CopyOrderStore) GetBySignalID(_ context.Context, signalID string) (domain.CopyOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[signalID]
	if !ok {
		return domain.CopyOrder{}, domain.ErrNotFound
	}
	return o, nil
}

// List returns orders newest first.
func (s *CopyOrderStore) List(_ context.Context, opts domain.ListOpts) ([]domain.CopyOrder, error) {
	s.mu.RLock()
	out := make([]domain.CopyOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if !inRange(o.CreatedAt, opts) {
			continue
		}
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].SignalID > out[j].SignalID
	})
	return paginate(out, opts), nil
}

// BalanceStore implements domain.BalanceStore.
type BalanceStore struct {
	mu    sync.RWMutex
	snaps []domain.BalanceSnapshot
}

// NewBalanceStore creates an empty BalanceStore.
func NewBalanceStore() *BalanceStore { return &BalanceStore{} }

func (s *BalanceStore) Record(_ context.Context, snap domain.BalanceSnapshot) error {
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
	return nil
}

func (s *BalanceStore) Latest(_ context.Context, account string) (domain.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.snaps) - 1; i >= 0; i-- {
		if s.snaps[i].Account == account {
			return s.snaps[i], nil
		}
	}
	return domain.BalanceSnapshot{}, domain.ErrNotFound
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.mu.Unlock()
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inRange(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	s.mu.RUnlock()
	return paginate(out, opts), nil
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.CursorStore    = (*CursorStore)(nil)
	_ domain.CopyOrderStore = (*CopyOrderStore)(nil)
	_ domain.BalanceStore   = (*BalanceStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
