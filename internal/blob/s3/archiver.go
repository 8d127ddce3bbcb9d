package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

const snapshotPrefix = "ledger/snapshots/"

// snapshotDoc is the stored form of a ledger snapshot.
type snapshotDoc struct {
	Version             uint64            `json:"version"`
	TakenAt             time.Time         `json:"taken_at"`
	AvailableCollateral decimal.Decimal   `json:"available_collateral"`
	Positions           []domain.Position `json:"positions"`
}

// Archive writes ledger snapshots and audit history to object storage as
// JSON documents. It is the off-site copy; Postgres holds the working set.
type Archive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
}

// NewArchive creates an Archive. reader and audit may be nil when the
// corresponding operations are unused.
func NewArchive(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *Archive {
	return &Archive{writer: writer, reader: reader, audit: audit}
}

// ArchiveSnapshot uploads snap and returns its object path.
func (a *Archive) ArchiveSnapshot(ctx context.Context, snap domain.LedgerSnapshot) (string, error) {
	body, err := json.Marshal(snapshotDoc{
		Version:             snap.Version,
		TakenAt:             snap.TakenAt.UTC(),
		AvailableCollateral: snap.AvailableCollateral,
		Positions:           snap.Sorted(),
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal snapshot: %w", err)
	}
	path := snapshotPath(snap)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot: %w", err)
	}
	return path, nil
}

// LatestSnapshot downloads the most recent archived snapshot. It returns
// domain.ErrNotFound when none exist.
func (a *Archive) LatestSnapshot(ctx context.Context) (domain.LedgerSnapshot, error) {
	infos, err := a.reader.List(ctx, snapshotPrefix)
	if err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", err)
	}
	if len(infos) == 0 {
		return domain.LedgerSnapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotFound)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	path := infos[len(infos)-1].Path

	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", err)
	}
	defer rc.Close()

	var doc snapshotDoc
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("s3blob: decode snapshot %s: %w", path, err)
	}
	return domain.LedgerSnapshot{
		Version:             doc.Version,
		TakenAt:             doc.TakenAt,
		AvailableCollateral: doc.AvailableCollateral,
		Positions:           domain.PositionMap(doc.Positions),
	}, nil
}

// ArchiveAudit uploads audit entries created in [since, until) as JSONL at
// archive/audit/YYYY-MM-DD.jsonl keyed by since. It returns the count.
func (a *Archive) ArchiveAudit(ctx context.Context, since, until time.Time) (int, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Since: &since, Until: &until})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	// List is newest first; archive in chronological order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}
	path := archivePath("audit", since)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	return len(entries), nil
}

// snapshotPath partitions by day and sorts lexically by time:
//
//	ledger/snapshots/2026-10-14/20261014T120000.000Z-v42.json
func snapshotPath(snap domain.LedgerSnapshot) string {
	t := snap.TakenAt.UTC()
	return fmt.Sprintf("%s%s/%s-v%d.json", snapshotPrefix, t.Format("2006-01-02"), t.Format("20060102T150405.000Z"), snap.Version)
}

func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes each record as one compact JSON line.
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
