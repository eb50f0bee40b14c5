package executor

import (
	"context"
	"errors"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/journal"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

// Reboot restarts a running VM in place. The VM is starting for the
// duration of the call and running afterwards, unless the hypervisor does
// not know it, in which case the prior state is put back.
func (e *Executor) Reboot(ctx context.Context, name string) (result StartResult) {
	rec := journal.Command(db.CommandReboot, name)
	if name == "" {
		result.Result = failed("reboot: vm name required")
		e.finish(ctx, rec, result.Result, vmstate.StateUnknown, false)
		return result
	}

	prev, existed := e.store.Swap(name, vmstate.StateStarting)
	defer func() {
		state, present := e.store.Get(name)
		e.finish(ctx, rec, result.Result, state, present)
	}()

	port, err := e.client.RebootVM(ctx, e.pool.PoolID(), name)
	if errors.Is(err, hypervisor.ErrVMNotFound) {
		e.store.Restore(name, prev, existed)
		result.Result = failed("reboot %s: %v", name, err)
		return result
	}
	e.store.Set(name, vmstate.StateRunning)
	if err != nil {
		result.Result = failed("reboot %s: %v", name, err)
		return result
	}
	result.VNCPort = port
	result.Result = ok("rebooted %s", name)
	return result
}
