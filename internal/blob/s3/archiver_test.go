package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/store/memory"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, p string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = b
	m.types[p] = contentType
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, p string, data io.Reader, _ int64) error {
	return m.Put(ctx, p, data, "")
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[p]
	return ok, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store domain.CopyOrderStore, id string, at time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), domain.CopyOrder{
		ID:          "ord-" + id,
		SignalID:    id,
		Market:      "0xcond",
		Side:        domain.SideBuy,
		SignalSize:  decimal.RequireFromString("500"),
		SignalPrice: decimal.RequireFromString("0.5"),
		Status:      domain.CopyFilled,
		CreatedAt:   at,
		UpdatedAt:   at,
	}))
}

func TestLedgerArchiverWindows(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	orders := memory.NewCopyOrderStore()
	audit := memory.NewAuditStore()
	blobs := newMemBlobs()

	seed(t, orders, "a", base.Add(-10*time.Minute))
	seed(t, orders, "b", base.Add(-5*time.Minute))
	seed(t, orders, "c", base.Add(-30*time.Second))

	arch := NewLedgerArchiver(blobs, blobs, orders, audit, "copy-orders/", quietLogger())
	arch.now = func() time.Time { return base }

	n, err := arch.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the order inside the settle delay waits for the next window")
	assert.Equal(t, base.Add(-time.Minute), arch.Watermark())

	key := archiveName("copy-orders", time.Time{}, base.Add(-time.Minute))
	require.Contains(t, blobs.objects, key)
	assert.Equal(t, "application/x-ndjson", blobs.types[key])

	var lines []archivedOrder
	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[key]))
	for sc.Scan() {
		var rec archivedOrder
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "a", lines[0].SignalID, "oldest first")
	assert.Equal(t, "500", lines[0].SignalSize)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ledger_archived", entries[0].Event)

	arch.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err = arch.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, blobs.objects, 2)

	n, err = arch.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new in an empty window")
	assert.Len(t, blobs.objects, 2)
}

func TestLedgerArchiverResume(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	until := time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC)
	require.NoError(t, blobs.Put(ctx, archiveName("ledger", until.Add(-time.Hour), until), bytes.NewReader(nil), ""))
	require.NoError(t, blobs.Put(ctx, archiveName("ledger", time.Time{}, until.Add(-time.Hour)), bytes.NewReader(nil), ""))
	require.NoError(t, blobs.Put(ctx, "ledger/README", bytes.NewReader(nil), ""))

	arch := NewLedgerArchiver(blobs, blobs, memory.NewCopyOrderStore(), nil, "ledger", quietLogger())
	require.NoError(t, arch.Resume(ctx))
	assert.Equal(t, until, arch.Watermark())
}

func TestArchiveNameRoundTrip(t *testing.T) {
	since := time.Unix(1760000000, 0).UTC()
	until := since.Add(time.Hour)
	key := archiveName("p", since, until)
	assert.Equal(t, "p/"+until.Format("2006/01/02")+"/1760000000-1760003600.jsonl", key)

	s, u, ok := parseArchiveName(key)
	require.True(t, ok)
	assert.Equal(t, since, s)
	assert.Equal(t, until, u)

	_, _, ok = parseArchiveName("p/notes.txt")
	assert.False(t, ok)
}
