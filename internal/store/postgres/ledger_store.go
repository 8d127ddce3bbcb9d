package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// LedgerStore implements domain.LedgerStore. Snapshots are append-only;
// fill ids are upserted per instrument.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// SaveSnapshot appends snap. Positions are stored as a list ordered by
// instrument; pending exposure is not persisted.
func (s *LedgerStore) SaveSnapshot(ctx context.Context, snap domain.LedgerSnapshot) error {
	positions, err := json.Marshal(snap.Sorted())
	if err != nil {
		return fmt.Errorf("postgres: marshal positions: %w", err)
	}
	const query = `
		INSERT INTO ledger_snapshots (version, taken_at, available_collateral, positions)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query,
		int64(snap.Version), snap.TakenAt, snap.AvailableCollateral.String(), positions,
	); err != nil {
		return fmt.Errorf("postgres: save ledger snapshot v%d: %w", snap.Version, err)
	}
	return nil
}

// LoadLatest returns the most recent snapshot or domain.ErrNotFound.
func (s *LedgerStore) LoadLatest(ctx context.Context) (domain.LedgerSnapshot, error) {
	const query = `
		SELECT version, taken_at, available_collateral::text, positions
		FROM ledger_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`

	var (
		snap       domain.LedgerSnapshot
		version    int64
		collateral string
		positions  []byte
	)
	err := s.pool.QueryRow(ctx, query).Scan(&version, &snap.TakenAt, &collateral, &positions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerSnapshot{}, domain.ErrNotFound
		}
		return domain.LedgerSnapshot{}, fmt.Errorf("postgres: load ledger snapshot: %w", err)
	}
	snap.Version = uint64(version)
	if snap.AvailableCollateral, err = decimal.NewFromString(collateral); err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("postgres: parse collateral: %w", err)
	}
	var list []domain.Position
	if err := json.Unmarshal(positions, &list); err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("postgres: unmarshal positions: %w", err)
	}
	snap.Positions = domain.PositionMap(list)
	return snap, nil
}

// SaveFillIDs replaces the remembered fill ids for instrument.
func (s *LedgerStore) SaveFillIDs(ctx context.Context, instrument domain.InstrumentKey, fillIDs []string) error {
	if fillIDs == nil {
		fillIDs = []string{}
	}
	data, err := json.Marshal(fillIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal fill ids: %w", err)
	}
	const query = `
		INSERT INTO ledger_fill_ids (instrument, fill_ids, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (instrument) DO UPDATE SET fill_ids = EXCLUDED.fill_ids, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, instrument.String(), data); err != nil {
		return fmt.Errorf("postgres: save fill ids %s: %w", instrument, err)
	}
	return nil
}

// LoadFillIDs returns remembered fill ids for every instrument.
func (s *LedgerStore) LoadFillIDs(ctx context.Context) (map[domain.InstrumentKey][]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT instrument, fill_ids FROM ledger_fill_ids`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load fill ids: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.InstrumentKey][]string)
	for rows.Next() {
		var (
			inst string
			data []byte
		)
		if err := rows.Scan(&inst, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan fill ids: %w", err)
		}
		key, err := domain.ParseInstrumentKey(inst)
		if err != nil {
			return nil, fmt.Errorf("postgres: fill ids: %w", err)
		}
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal fill ids %s: %w", inst, err)
		}
		out[key] = ids
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load fill ids rows: %w", err)
	}
	return out, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
