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

// IntentStore implements domain.IntentStore. Rows mirror the coordinator's
// in-memory records and survive their pruning.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates an IntentStore backed by the given pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

const intentSelectCols = `id, exchange, symbol, side, quantity::text, price::text,
	strategy_id, risk, reason, state, reject_reason, message, exchange_order_id,
	filled_quantity::text, avg_fill_price::text, created_at, updated_at`

// Create inserts rec. An existing id returns domain.ErrAlreadyExists.
func (s *IntentStore) Create(ctx context.Context, rec domain.IntentRecord) error {
	risk, err := json.Marshal(rec.Intent.Risk)
	if err != nil {
		return fmt.Errorf("postgres: marshal risk context: %w", err)
	}
	in := rec.Intent
	const query = `
		INSERT INTO intents (
			id, exchange, symbol, side, quantity, price,
			strategy_id, risk, reason, state, reject_reason, message,
			exchange_order_id, filled_quantity, avg_fill_price, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`
	_, err = s.pool.Exec(ctx, query,
		in.ID, string(in.Instrument.Exchange), in.Instrument.Symbol, string(in.Side),
		in.Quantity.String(), in.Price.String(),
		in.StrategyID, risk, in.Reason,
		string(rec.State), string(rec.RejectReason), rec.Message, rec.ExchangeOrderID,
		rec.FilledQuantity.String(), rec.AvgFillPrice.String(),
		in.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create intent %s: %w", in.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create intent %s: %w", in.ID, err)
	}
	return nil
}

// Update overwrites the mutable lifecycle fields of rec.
func (s *IntentStore) Update(ctx context.Context, rec domain.IntentRecord) error {
	const query = `
		UPDATE intents SET
			state = $2, reject_reason = $3, message = $4, exchange_order_id = $5,
			filled_quantity = $6, avg_fill_price = $7, updated_at = $8
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		rec.Intent.ID, string(rec.State), string(rec.RejectReason), rec.Message, rec.ExchangeOrderID,
		rec.FilledQuantity.String(), rec.AvgFillPrice.String(), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update intent %s: %w", rec.Intent.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update intent %s: %w", rec.Intent.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one intent or domain.ErrNotFound.
func (s *IntentStore) GetByID(ctx context.Context, id string) (domain.IntentRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentSelectCols+` FROM intents WHERE id = $1`, id)
	rec, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IntentRecord{}, domain.ErrNotFound
		}
		return domain.IntentRecord{}, fmt.Errorf("postgres: get intent %s: %w", id, err)
	}
	return rec, nil
}

// ListByState returns intents in state, newest first.
func (s *IntentStore) ListByState(ctx context.Context, state domain.IntentState, opts domain.ListOpts) ([]domain.IntentRecord, error) {
	query, args := page(`SELECT `+intentSelectCols+` FROM intents WHERE state = $1`,
		[]any{string(state)}, "created_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list intents %s: %w", state, err)
	}
	defer rows.Close()

	var out []domain.IntentRecord
	for rows.Next() {
		rec, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list intents rows: %w", err)
	}
	return out, nil
}

func scanIntent(row pgx.Row) (domain.IntentRecord, error) {
	var (
		rec                     domain.IntentRecord
		exchange, symbol, side  string
		qty, price, filled, avg string
		risk                    []byte
		state, rejectReason     string
	)
	if err := row.Scan(
		&rec.Intent.ID, &exchange, &symbol, &side, &qty, &price,
		&rec.Intent.StrategyID, &risk, &rec.Intent.Reason,
		&state, &rejectReason, &rec.Message, &rec.ExchangeOrderID,
		&filled, &avg, &rec.Intent.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return domain.IntentRecord{}, err
	}

	rec.Intent.Instrument = domain.NewInstrumentKey(exchange, symbol)
	rec.Intent.Side = domain.OrderSide(side)
	rec.State = domain.IntentState(state)
	rec.RejectReason = domain.RejectReason(rejectReason)
	if err := json.Unmarshal(risk, &rec.Intent.Risk); err != nil {
		return domain.IntentRecord{}, fmt.Errorf("unmarshal risk context: %w", err)
	}

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.Intent.Quantity, qty},
		{&rec.Intent.Price, price},
		{&rec.FilledQuantity, filled},
		{&rec.AvgFillPrice, avg},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.IntentRecord{}, fmt.Errorf("parse decimal %q: %w", f.src, err)
		}
	}
	return rec, nil
}

var _ domain.IntentStore = (*IntentStore)(nil)
