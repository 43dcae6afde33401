package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyOrderStoreUniqueSignal(t *testing.T) {
	ctx := context.Background()
	s := NewCopyOrderStore()

	o := domain.CopyOrder{ID: "1", SignalID: "sig", Status: domain.CopyPending, CreatedAt: time.Now()}
	require.NoError(t, s.Create(ctx, o))
	assert.ErrorIs(t, s.Create(ctx, domain.CopyOrder{ID: "2", SignalID: "sig"}), domain.ErrAlreadyExists)

	o.Status = domain.CopyFilled
	require.NoError(t, s.Update(ctx, o))
	got, err := s.GetBySignalID(ctx, "sig")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ID)
	assert.Equal(t, domain.CopyFilled, got.Status)

	assert.ErrorIs(t, s.Update(ctx, domain.CopyOrder{SignalID: "missing"}), domain.ErrNotFound)
}

func TestCopyOrderStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewCopyOrderStore()
	base := time.Unix(1000, 0)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, domain.CopyOrder{SignalID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].SignalID)

	page, err := s.List(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].SignalID)

	since := base.Add(time.Second)
	recent, err := s.List(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestCursorStore(t *testing.T) {
	ctx := context.Background()
	s := NewCursorStore()

	_, err := s.LoadCursor(ctx, "0xa")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.CommitCursor(ctx, "0xa", "10:x"))
	c, err := s.LoadCursor(ctx, "0xa")
	require.NoError(t, err)
	assert.Equal(t, "10:x", c)
	assert.Equal(t, 1, s.Commits())

	require.NoError(t, s.ResetCursor(ctx, "0xa"))
	_, err = s.LoadCursor(ctx, "0xa")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBalanceStoreLatest(t *testing.T) {
	ctx := context.Background()
	s := NewBalanceStore()
	require.NoError(t, s.Record(ctx, domain.BalanceSnapshot{Account: "op", AsOf: time.Unix(1, 0)}))
	require.NoError(t, s.Record(ctx, domain.BalanceSnapshot{Account: "src", AsOf: time.Unix(2, 0)}))
	require.NoError(t, s.Record(ctx, domain.BalanceSnapshot{Account: "op", AsOf: time.Unix(3, 0)}))

	got, err := s.Latest(ctx, "op")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(3, 0), got.AsOf)

	_, err = s.Latest(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
