// Package db defines the agent's journal model. The journal is an audit
// trail of command outcomes and reported state changes; the agent never
// reads it back to rebuild the VM state store.
package db

import (
	"context"
	"time"
)

// CommandKind names an orchestrator command handled by the agent.
type CommandKind string

const (
	CommandStart            CommandKind = "start"
	CommandStop             CommandKind = "stop"
	CommandReboot           CommandKind = "reboot"
	CommandMigrate          CommandKind = "migrate"
	CommandPrepareMigration CommandKind = "prepare_migration"
	CommandPoolSetup        CommandKind = "pool_setup"
)

// CommandRecord is one finished command.
type CommandRecord struct {
	ID         int64
	Kind       CommandKind
	VMName     string
	Success    bool
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the command ran.
func (c CommandRecord) Duration() time.Duration {
	if c.FinishedAt.Before(c.StartedAt) {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// ChangeSource tells who produced a state change.
type ChangeSource string

const (
	SourceReconcile ChangeSource = "reconcile"
	SourceCommand   ChangeSource = "command"
)

// StateChange is one reported VM state transition.
type StateChange struct {
	ID         int64
	VMName     string
	State      string
	Source     ChangeSource
	RecordedAt time.Time
}

// PruneResult counts rows removed by a retention sweep.
type PruneResult struct {
	Commands     int64
	StateChanges int64
}

// Store describes the persistence surface consumed by the agent.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
	// Prune drops journal rows older than cutoff.
	Prune(ctx context.Context, cutoff time.Time) (PruneResult, error)
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Commands() CommandRepository
	StateChanges() StateChangeRepository
}

// CommandRepository appends and lists command outcomes.
type CommandRepository interface {
	Append(ctx context.Context, rec *CommandRecord) (int64, error)
	Recent(ctx context.Context, limit int) ([]CommandRecord, error)
	ForVM(ctx context.Context, name string, limit int) ([]CommandRecord, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StateChangeRepository appends and lists reported state changes.
type StateChangeRepository interface {
	Append(ctx context.Context, change *StateChange) (int64, error)
	Recent(ctx context.Context, limit int) ([]StateChange, error)
	ForVM(ctx context.Context, name string, limit int) ([]StateChange, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
