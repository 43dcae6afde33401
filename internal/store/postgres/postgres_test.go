package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// setupClient starts a throwaway postgres and applies the embedded
// migrations twice to prove they are idempotent.
func setupClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("polymirror"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStores(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	t.Run("cursor lifecycle", func(t *testing.T) {
		s := NewCursorStore(client.Pool())
		const addr = "0xabc0000000000000000000000000000000000001"

		_, err := s.LoadCursor(ctx, addr)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, s.SyncWatched(ctx, []domain.WatchedAddress{
			{Address: addr, Label: "whale", CapitalEstimate: dec("25000")},
		}))
		_, err = s.LoadCursor(ctx, addr)
		assert.ErrorIs(t, err, domain.ErrNotFound, "sync never sets a cursor")

		require.NoError(t, s.CommitCursor(ctx, addr, "1700000000:a"))
		require.NoError(t, s.CommitCursor(ctx, addr, "1700000005:b"))
		got, err := s.LoadCursor(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "1700000005:b", got)

		require.NoError(t, s.SyncWatched(ctx, []domain.WatchedAddress{
			{Address: addr, Label: "renamed", Status: domain.AddressPaused},
		}))
		got, err = s.LoadCursor(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "1700000005:b", got, "sync keeps the committed cursor")

		watched, err := s.ListWatched(ctx)
		require.NoError(t, err)
		require.Len(t, watched, 1)
		assert.Equal(t, "renamed", watched[0].Label)
		assert.Equal(t, domain.AddressPaused, watched[0].Status)
		assert.True(t, watched[0].CapitalEstimate.IsZero())

		require.NoError(t, s.ResetCursor(ctx, addr))
		_, err = s.LoadCursor(ctx, addr)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("copy order ledger", func(t *testing.T) {
		s := NewCopyOrderStore(client.Pool())
		now := time.Now().UTC().Truncate(time.Microsecond)
		o := domain.CopyOrder{
			ID:            "ord-1",
			SignalID:      "sig-1",
			SourceAddress: "0xsource",
			Market:        "0xcond",
			Outcome:       "Yes",
			Side:          domain.SideBuy,
			SignalSize:    dec("500"),
			SignalPrice:   dec("0.503"),
			Status:        domain.CopyPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		require.NoError(t, s.Create(ctx, o))

		dup := o
		dup.ID = "ord-2"
		assert.ErrorIs(t, s.Create(ctx, dup), domain.ErrAlreadyExists)

		o.Status = domain.CopyFilled
		o.ComputedSize = dec("20")
		o.LimitPrice = dec("0.52")
		o.FilledSize = dec("20")
		o.VenueOrderID = "0xvenue"
		o.Attempts = 1
		o.UpdatedAt = now.Add(time.Second)
		require.NoError(t, s.Update(ctx, o))

		got, err := s.GetBySignalID(ctx, "sig-1")
		require.NoError(t, err)
		assert.Equal(t, domain.CopyFilled, got.Status)
		assert.True(t, got.SignalPrice.Equal(dec("0.503")))
		assert.True(t, got.LimitPrice.Equal(dec("0.52")))
		assert.True(t, got.FilledSize.Equal(dec("20")))
		assert.Equal(t, "0xvenue", got.VenueOrderID)
		assert.Equal(t, 1, got.Attempts)

		_, err = s.GetBySignalID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		ghost := o
		ghost.SignalID = "missing"
		assert.ErrorIs(t, s.Update(ctx, ghost), domain.ErrNotFound)

		later := o
		later.ID, later.SignalID = "ord-3", "sig-2"
		later.CreatedAt = now.Add(time.Minute)
		require.NoError(t, s.Create(ctx, later))

		list, err := s.List(ctx, domain.ListOpts{Limit: 10})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "sig-2", list[0].SignalID, "newest first")

		since := now.Add(30 * time.Second)
		list, err = s.List(ctx, domain.ListOpts{Since: &since})
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("balance snapshots", func(t *testing.T) {
		s := NewBalanceStore(client.Pool())
		_, err := s.Latest(ctx, "0xop")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		base := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.Record(ctx, domain.BalanceSnapshot{Account: "0xop", AvailableCapital: dec("100.5"), AsOf: base}))
		require.NoError(t, s.Record(ctx, domain.BalanceSnapshot{Account: "0xop", AvailableCapital: dec("80.25"), AsOf: base.Add(time.Minute)}))

		snap, err := s.Latest(ctx, "0xop")
		require.NoError(t, err)
		assert.True(t, snap.AvailableCapital.Equal(dec("80.25")))
		assert.True(t, snap.AsOf.Equal(base.Add(time.Minute)))
	})

	t.Run("audit log", func(t *testing.T) {
		s := NewAuditStore(client.Pool())
		require.NoError(t, s.Log(ctx, "order_filled", map[string]any{"signal_id": "sig-1"}))
		entries, err := s.List(ctx, domain.ListOpts{Limit: 5})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "order_filled", entries[0].Event)
		assert.Equal(t, "sig-1", entries[0].Detail["signal_id"])
	})
}
