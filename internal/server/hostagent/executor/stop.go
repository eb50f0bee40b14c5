package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/journal"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/retry"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

var errStillRunning = errors.New("vm still listed by hypervisor")

// Stop shuts name down and deletes its definition. A VM the hypervisor
// does not list is already stopped. On failure the prior state is put back.
func (e *Executor) Stop(ctx context.Context, name string) Result {
	rec := journal.Command(db.CommandStop, name)
	res := e.stop(ctx, name)
	state, present := e.store.Get(name)
	e.finish(ctx, rec, res, state, present)
	return res
}

func (e *Executor) stop(ctx context.Context, name string) (res Result) {
	if name == "" {
		return failed("stop: vm name required")
	}
	prev, existed := e.store.Swap(name, vmstate.StateStopping)
	defer func() {
		if res.Success {
			e.store.Set(name, vmstate.StateStopped)
			return
		}
		e.store.Restore(name, prev, existed)
	}()

	vms, err := e.client.ListVMs(ctx)
	if err != nil {
		return failed("stop %s: list vms: %v", name, err)
	}
	if !hypervisor.Contains(vms, name) {
		return ok("%s is not running", name)
	}

	poolID := e.pool.PoolID()
	if err := e.client.StopVM(ctx, poolID, name); err != nil && !errors.Is(err, hypervisor.ErrVMNotFound) {
		return failed("stop %s: %v", name, err)
	}

	if err := e.awaitGone(ctx, name); err != nil {
		return failed("stop %s: %v", name, err)
	}

	if err := e.client.DeleteVM(ctx, poolID, name); err != nil && !errors.Is(err, hypervisor.ErrVMNotFound) {
		return failed("stop %s: delete: %v", name, err)
	}
	return ok("stopped %s", name)
}

// awaitGone polls until the hypervisor no longer lists name. A VM that
// left the store in the meantime counts as stopped.
func (e *Executor) awaitGone(ctx context.Context, name string) error {
	err := retry.Do(ctx, e.stopPolicy, func(ctx context.Context, attempt int) error {
		if _, ok := e.store.Get(name); !ok {
			return nil
		}
		vms, err := e.client.ListVMs(ctx)
		if err != nil {
			e.logger.Debug("stop poll", "vm", name, "attempt", attempt, "error", err)
			return err
		}
		if hypervisor.Contains(vms, name) {
			return errStillRunning
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("did not stop: %w", err)
	}
	return nil
}
