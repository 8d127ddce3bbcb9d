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

// LedgerStore persists periodic ledger snapshots. Persisted state is not
// authoritative; it is rebuilt from exchange reconciliation when lost.
type LedgerStore interface {
	SaveSnapshot(ctx context.Context, snap LedgerSnapshot) error
	LoadLatest(ctx context.Context) (LedgerSnapshot, error)
	SaveFillIDs(ctx context.Context, instrument InstrumentKey, fillIDs []string) error
	LoadFillIDs(ctx context.Context) (map[InstrumentKey][]string, error)
}

// IntentStore persists intent lifecycle records.
type IntentStore interface {
	Create(ctx context.Context, rec IntentRecord) error
	Update(ctx context.Context, rec IntentRecord) error
	GetByID(ctx context.Context, id string) (IntentRecord, error)
	ListByState(ctx context.Context, state IntentState, opts ListOpts) ([]IntentRecord, error)
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
