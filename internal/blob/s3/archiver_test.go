package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

type memBlobs struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objs: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objs[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objs {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	// Reverse lexical order exercises the sort in LatestSnapshot.
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

type memAudit struct{ entries []domain.AuditEntry }

func (m *memAudit) Log(context.Context, string, map[string]any) error { return nil }

func (m *memAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func snapshot(version uint64, at time.Time) domain.LedgerSnapshot {
	btc := domain.NewInstrumentKey("binance", "BTCUSDT")
	return domain.LedgerSnapshot{
		Version:             version,
		TakenAt:             at,
		AvailableCollateral: decimal.NewFromInt(5000),
		Positions: map[domain.InstrumentKey]domain.Position{
			btc: {
				Instrument: btc,
				Kind:       domain.PositionMargin,
				EntryPrice: decimal.NewFromInt(100),
				Margin:     &domain.MarginDetail{Contracts: decimal.NewFromInt(-2), Leverage: decimal.NewFromInt(5)},
			},
		},
	}
}

func TestSnapshotPath(t *testing.T) {
	at := time.Date(2026, 10, 14, 12, 0, 1, 250e6, time.UTC)
	assert.Equal(t, "ledger/snapshots/2026-10-14/20261014T120001.250Z-v42.json", snapshotPath(snapshot(42, at)))
}

func TestArchiveLatestSnapshot(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchive(blobs, blobs, nil)
	ctx := context.Background()

	_, err := a.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	t0 := time.Date(2026, 10, 13, 23, 59, 0, 0, time.UTC)
	for i, at := range []time.Time{t0, t0.Add(time.Minute), t0.Add(30 * time.Second)} {
		_, err := a.ArchiveSnapshot(ctx, snapshot(uint64(i+1), at))
		require.NoError(t, err)
	}

	got, err := a.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version, "newest by time, not by version")
	p, ok := got.Position(domain.NewInstrumentKey("binance", "BTCUSDT"))
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(-2).Equal(p.NetQuantity()))
	assert.True(t, decimal.NewFromInt(5000).Equal(got.AvailableCollateral))
}

func TestArchiveAudit(t *testing.T) {
	day := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	audit := &memAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "intent.filled", CreatedAt: day.Add(time.Hour)},
		{ID: 2, Event: "drift", CreatedAt: day.Add(2 * time.Hour)},
		{ID: 3, Event: "intent.filled", CreatedAt: day.Add(25 * time.Hour)},
	}}
	blobs := newMemBlobs()
	a := NewArchive(blobs, blobs, audit)

	n, err := a.ArchiveAudit(context.Background(), day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	body := string(blobs.objs["archive/audit/2026-10-14.jsonl"])
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"ID":1`)
	assert.Contains(t, lines[1], `"ID":2`)

	n, err = a.ArchiveAudit(context.Background(), day.Add(48*time.Hour), day.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://x:1", normaliseEndpoint("http://x:1", true))
}
