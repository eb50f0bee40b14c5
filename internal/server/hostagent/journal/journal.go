// Package journal records command outcomes and reported state changes for
// audit. Writes are best effort: a failing journal never fails a command.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/db"
)

// Journal is what the executor and reconciler write to.
type Journal interface {
	RecordCommand(ctx context.Context, rec db.CommandRecord)
	RecordChanges(ctx context.Context, source db.ChangeSource, changes map[string]string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordCommand(context.Context, db.CommandRecord) {}

func (Nop) RecordChanges(context.Context, db.ChangeSource, map[string]string) {}

// Store writes to a db.Store and logs failures.
type Store struct {
	store  db.Store
	logger *slog.Logger
	now    func() time.Time
}

// New wraps store.
func New(store db.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger.With("component", "journal"), now: time.Now}
}

func (s *Store) RecordCommand(ctx context.Context, rec db.CommandRecord) {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = s.now()
	}
	if _, err := s.store.Queries().Commands().Append(ctx, &rec); err != nil {
		s.logger.Warn("journal command", "command", rec.Kind, "vm", rec.VMName, "error", err)
	}
}

func (s *Store) RecordChanges(ctx context.Context, source db.ChangeSource, changes map[string]string) {
	if len(changes) == 0 {
		return
	}
	at := s.now()
	err := s.store.WithTx(ctx, func(q db.Queries) error {
		for name, state := range changes {
			change := &db.StateChange{VMName: name, State: state, Source: source, RecordedAt: at}
			if _, err := q.StateChanges().Append(ctx, change); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("journal state changes", "count", len(changes), "error", err)
	}
}

// Prune drops rows older than retention. A non-positive retention keeps
// everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (db.PruneResult, error) {
	if retention <= 0 {
		return db.PruneResult{}, nil
	}
	res, err := s.store.Prune(ctx, s.now().Add(-retention))
	if err != nil {
		return db.PruneResult{}, fmt.Errorf("prune journal: %w", err)
	}
	if res.Commands > 0 || res.StateChanges > 0 {
		s.logger.Info("journal pruned", "commands", res.Commands, "state_changes", res.StateChanges, "retention", retention)
	}
	return res, nil
}

// RunRetention prunes once immediately and then every interval until ctx
// is cancelled.
func (s *Store) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Prune(ctx, retention); err != nil && ctx.Err() == nil {
			s.logger.Warn("journal retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Command starts a record for kind on vm; Finish fills in the outcome.
func Command(kind db.CommandKind, vm string) db.CommandRecord {
	return db.CommandRecord{Kind: kind, VMName: vm, StartedAt: time.Now()}
}
