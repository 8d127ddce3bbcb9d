package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Snapshotting is the ledger side of persistence.
type Snapshotting interface {
	Snapshot() domain.LedgerSnapshot
	SeenFillIDs(key domain.InstrumentKey) []string
	Restore(snap domain.LedgerSnapshot, fillIDs map[domain.InstrumentKey][]string)
}

// SnapshotArchive is the off-site copy of ledger snapshots.
type SnapshotArchive interface {
	ArchiveSnapshot(ctx context.Context, snap domain.LedgerSnapshot) (string, error)
	LatestSnapshot(ctx context.Context) (domain.LedgerSnapshot, error)
}

// SnapshotterConfig configures ledger persistence.
type SnapshotterConfig struct {
	Interval time.Duration
	// ArchiveEvery uploads every N-th saved snapshot. Zero disables archiving.
	ArchiveEvery int
}

// Snapshotter persists ledger snapshots and restores the ledger on start.
type Snapshotter struct {
	cfg     SnapshotterConfig
	ledger  Snapshotting
	store   domain.LedgerStore
	archive SnapshotArchive
	logger  *slog.Logger

	lastVersion uint64
	saved       int
}

// NewSnapshotter creates a Snapshotter. store or archive may be nil but not both.
func NewSnapshotter(cfg SnapshotterConfig, ledger Snapshotting, store domain.LedgerStore, archive SnapshotArchive, logger *slog.Logger) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Snapshotter{
		cfg:     cfg,
		ledger:  ledger,
		store:   store,
		archive: archive,
		logger:  logger.With(slog.String("component", "snapshotter")),
	}
}

// Restore loads the newest snapshot from the store, falling back to the
// archive. A missing snapshot leaves the ledger empty and is not an error.
func (s *Snapshotter) Restore(ctx context.Context) error {
	snap, fillIDs, err := s.load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.InfoContext(ctx, "no ledger snapshot to restore")
		return nil
	}
	if err != nil {
		return err
	}
	s.ledger.Restore(snap, fillIDs)
	s.lastVersion = snap.Version
	return nil
}

func (s *Snapshotter) load(ctx context.Context) (domain.LedgerSnapshot, map[domain.InstrumentKey][]string, error) {
	if s.store != nil {
		snap, err := s.store.LoadLatest(ctx)
		switch {
		case err == nil:
			fillIDs, err := s.store.LoadFillIDs(ctx)
			if err != nil {
				return domain.LedgerSnapshot{}, nil, fmt.Errorf("snapshotter: load fill ids: %w", err)
			}
			return snap, fillIDs, nil
		case !errors.Is(err, domain.ErrNotFound):
			if s.archive == nil {
				return domain.LedgerSnapshot{}, nil, fmt.Errorf("snapshotter: load: %w", err)
			}
			s.logger.WarnContext(ctx, "snapshot store unavailable, trying archive", slog.String("error", err.Error()))
		}
	}
	if s.archive == nil {
		return domain.LedgerSnapshot{}, nil, domain.ErrNotFound
	}
	snap, err := s.archive.LatestSnapshot(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LedgerSnapshot{}, nil, err
		}
		return domain.LedgerSnapshot{}, nil, fmt.Errorf("snapshotter: load archive: %w", err)
	}
	// Archived snapshots carry no fill ids; redelivered fills older than
	// the snapshot are caught by reconciliation instead.
	return snap, nil, nil
}

// SnapshotOnce saves the current ledger state if it changed since the last save.
func (s *Snapshotter) SnapshotOnce(ctx context.Context) (bool, error) {
	snap := s.ledger.Snapshot()
	if snap.Version == s.lastVersion {
		return false, nil
	}

	if s.store != nil {
		if err := s.store.SaveSnapshot(ctx, snap); err != nil {
			return false, fmt.Errorf("snapshotter: save: %w", err)
		}
		for key := range snap.Positions {
			if err := s.store.SaveFillIDs(ctx, key, s.ledger.SeenFillIDs(key)); err != nil {
				return false, fmt.Errorf("snapshotter: save fill ids: %w", err)
			}
		}
	}
	s.lastVersion = snap.Version
	s.saved++

	if s.archive != nil && s.cfg.ArchiveEvery > 0 && (s.store == nil || s.saved%s.cfg.ArchiveEvery == 0) {
		path, err := s.archive.ArchiveSnapshot(ctx, snap)
		if err != nil {
			return true, fmt.Errorf("snapshotter: archive: %w", err)
		}
		s.logger.DebugContext(ctx, "snapshot archived", slog.String("path", path))
	}
	return true, nil
}

// Run saves on every Interval and once more when ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	s.logger.Info("snapshotter started", slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if _, err := s.SnapshotOnce(final); err != nil {
				s.logger.Error("final snapshot failed", slog.String("error", err.Error()))
			}
			cancel()
			s.logger.Info("snapshotter stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SnapshotOnce(ctx); err != nil {
				s.logger.WarnContext(ctx, "snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}
