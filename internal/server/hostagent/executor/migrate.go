package executor

import (
	"context"
	"strings"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/journal"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

// Migrate live-migrates name to destIP inside the pool. The source side
// ends in stopping; the destination claims the VM through its own
// reconciliation and nothing acknowledges the hand-over.
//
// Outside a pool migration is not possible: the VM is stopped locally and
// the failure names destHostID so the orchestrator can start it there.
func (e *Executor) Migrate(ctx context.Context, name, destHostID, destIP string) Result {
	rec := journal.Command(db.CommandMigrate, name)
	res := e.migrate(ctx, name, destHostID, destIP)
	state, present := e.store.Get(name)
	e.finish(ctx, rec, res, state, present)
	return res
}

func (e *Executor) migrate(ctx context.Context, name, destHostID, destIP string) Result {
	if name == "" {
		return failed("migrate: vm name required")
	}
	if !e.pool.Pooled() {
		stopped := e.stop(ctx, name)
		if !stopped.Success {
			return failed("migrate %s: host is not pooled and local stop failed: %s", name, stopped.Message)
		}
		return failed("migrate %s: host is not pooled; stopped locally, start it on host %s", name, destHostID)
	}
	if strings.TrimSpace(destIP) == "" {
		return failed("migrate %s: destination address required", name)
	}

	if !e.store.CompareAndSet(name, vmstate.StateRunning, vmstate.StateStopping) {
		current, known := e.store.Get(name)
		if !known {
			return failed("migrate %s: vm not known on this host", name)
		}
		return failed("migrate %s: vm is %s, not running", name, current)
	}

	if err := e.client.MigrateVM(ctx, e.pool.PoolID(), name, destIP); err != nil {
		e.store.CompareAndSet(name, vmstate.StateStopping, vmstate.StateRunning)
		return failed("migrate %s to %s: %v", name, destIP, err)
	}
	return ok("migrating %s to %s", name, destIP)
}

// PrepareForMigration reserves name on this host as the destination of an
// incoming migration. Nothing is started.
func (e *Executor) PrepareForMigration(ctx context.Context, spec VMSpec) Result {
	rec := journal.Command(db.CommandPrepareMigration, spec.Name)
	if err := spec.validate(); err != nil {
		res := failed("prepare migration: %v", err)
		e.finish(ctx, rec, res, vmstate.StateUnknown, false)
		return res
	}
	for i, nic := range spec.NICs {
		if _, err := e.resolver.Resolve(ctx, nic); err != nil {
			res := failed("prepare migration %s: nic %d: %v", spec.Name, i, err)
			state, present := e.store.Get(spec.Name)
			e.finish(ctx, rec, res, state, present)
			return res
		}
	}
	e.store.Set(spec.Name, vmstate.StateMigrating)
	res := ok("ready to receive %s", spec.Name)
	e.finish(ctx, rec, res, vmstate.StateMigrating, true)
	return res
}
