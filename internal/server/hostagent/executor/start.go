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

var errVMGone = errors.New("vm no longer tracked")

// Start defines and boots spec. The VM is marked starting before any
// hypervisor call and ends either running or stopped.
func (e *Executor) Start(ctx context.Context, spec VMSpec) (result StartResult) {
	rec := journal.Command(db.CommandStart, spec.Name)
	if err := spec.validate(); err != nil {
		result.Result = failed("start: %v", err)
		e.finish(ctx, rec, result.Result, vmstate.StateUnknown, false)
		return result
	}

	name := spec.Name
	e.store.Set(name, vmstate.StateStarting)
	final := vmstate.StateStopped
	defer func() {
		e.store.Set(name, final)
		e.finish(ctx, rec, result.Result, final, true)
	}()

	def, err := e.definition(ctx, spec)
	if err != nil {
		result.Result = failed("start %s: %v", name, err)
		return result
	}

	poolID := e.pool.PoolID()
	if err := e.client.CreateVM(ctx, poolID, def); err != nil {
		result.Result = failed("start %s: create: %v", name, err)
		return result
	}
	if err := e.client.StartVM(ctx, poolID, name); err != nil {
		if delErr := e.client.DeleteVM(ctx, poolID, name); delErr != nil {
			e.logger.Warn("leftover definition not removed", "vm", name, "error", delErr)
		}
		result.Result = failed("start %s: %v", name, err)
		return result
	}
	e.store.Set(name, vmstate.StateRunning)

	if spec.Type == TypeSystem {
		if err := e.awaitControlPlane(ctx, spec); err != nil {
			result.Result = failed("start %s: %v", name, err)
			return result
		}
	}

	port, err := e.client.VNCPort(ctx, name)
	if err != nil {
		e.logger.Warn("vnc port unavailable", "vm", name, "error", err)
	}
	final = vmstate.StateRunning
	result.VNCPort = port
	result.Result = ok("started %s", name)
	return result
}

// definition resolves NIC bridges and assembles what the hypervisor needs.
func (e *Executor) definition(ctx context.Context, spec VMSpec) (hypervisor.VMDefinition, error) {
	def := hypervisor.VMDefinition{
		Name:        spec.Name,
		CPUs:        spec.CPUs,
		MemoryMB:    spec.MemoryMB,
		Disks:       append([]hypervisor.DiskDef(nil), spec.Disks...),
		BootArgs:    spec.BootArgs,
		VNCPassword: spec.VNCPassword,
	}
	for i, nic := range spec.NICs {
		bridge, err := e.resolver.Resolve(ctx, nic)
		if err != nil {
			return hypervisor.VMDefinition{}, fmt.Errorf("nic %d: %w", i, err)
		}
		def.Vifs = append(def.Vifs, hypervisor.VifDef{MAC: nic.MAC, Bridge: bridge})
	}
	if spec.Type == TypeSystem {
		if e.systemISO == "" {
			return hypervisor.VMDefinition{}, errors.New("system vm iso not configured")
		}
		def.Disks = append(def.Disks, hypervisor.DiskDef{
			Path:     e.systemISO,
			Device:   fmt.Sprintf("xvd%c", 'a'+len(def.Disks)),
			ReadOnly: true,
			CDROM:    true,
		})
	}
	return def, nil
}

// awaitControlPlane polls the system VM's control address. It gives up as
// soon as the VM is no longer in the store.
func (e *Executor) awaitControlPlane(ctx context.Context, spec VMSpec) error {
	address := spec.ControlIP()
	if address == "" {
		return errors.New("system vm has no control address")
	}
	err := retry.Do(ctx, e.probePolicy, func(ctx context.Context, attempt int) error {
		if _, ok := e.store.Get(spec.Name); !ok {
			return retry.Stop(errVMGone)
		}
		err := e.prober.Probe(ctx, address)
		if err != nil {
			e.logger.Debug("control plane not ready", "vm", spec.Name, "address", address, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("control plane %s unreachable: %w", address, err)
	}
	return nil
}
