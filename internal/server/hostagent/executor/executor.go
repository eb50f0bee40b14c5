// Package executor runs orchestrator lifecycle commands against the
// hypervisor and keeps the VM state store consistent with their outcome.
//
// Every command returns a structured result. Hypervisor errors are logged
// and folded into the result message; they never escape as Go errors.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/eventbus"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/journal"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/network"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/retry"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

// VMType separates orchestrator-owned system VMs from tenant VMs.
type VMType string

const (
	TypeUser   VMType = "user"
	TypeSystem VMType = "system"
)

// VMSpec is the orchestrator's description of a VM to start or receive.
type VMSpec struct {
	Name        string               `json:"name"`
	Type        VMType               `json:"type,omitempty"`
	CPUs        int                  `json:"cpus"`
	MemoryMB    int                  `json:"memory_mb"`
	Disks       []hypervisor.DiskDef `json:"disks,omitempty"`
	NICs        []network.NIC        `json:"nics,omitempty"`
	BootArgs    string               `json:"boot_args,omitempty"`
	VNCPassword string               `json:"vnc_password,omitempty"`
}

// ControlIP returns the address of the first control-traffic NIC.
func (s VMSpec) ControlIP() string {
	for _, nic := range s.NICs {
		if nic.TrafficType == network.TrafficControl && strings.TrimSpace(nic.IP) != "" {
			return strings.TrimSpace(nic.IP)
		}
	}
	return ""
}

func (s VMSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("vm name required")
	}
	if s.CPUs < 0 || s.MemoryMB < 0 {
		return fmt.Errorf("invalid resources for %s", s.Name)
	}
	return nil
}

// Result is the outcome of a command.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StartResult adds the console port of a started VM.
type StartResult struct {
	Result
	VNCPort int `json:"vnc_port,omitempty"`
}

func ok(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// PoolInfo tells the executor whether migrations can stay inside a pool.
type PoolInfo interface {
	Pooled() bool
	PoolID() string
}

type standalone struct{}

func (standalone) Pooled() bool   { return false }
func (standalone) PoolID() string { return "" }

const (
	DefaultStopAttempts  = 30
	DefaultStopInterval  = 10 * time.Second
	DefaultProbeAttempts = 60
	DefaultProbeInterval = 5 * time.Second
)

// Options configures an Executor.
type Options struct {
	Client   hypervisor.Client
	Store    *vmstate.Store
	Pool     PoolInfo
	Resolver network.Resolver
	Prober   Prober
	// SystemISO is attached read-only to system VMs.
	SystemISO   string
	StopPolicy  retry.Policy
	ProbePolicy retry.Policy
	Journal     journal.Journal
	Bus         eventbus.Bus
	Logger      *slog.Logger
}

// Executor implements Start, Stop, Reboot, Migrate and PrepareForMigration.
type Executor struct {
	client      hypervisor.Client
	store       *vmstate.Store
	pool        PoolInfo
	resolver    network.Resolver
	prober      Prober
	systemISO   string
	stopPolicy  retry.Policy
	probePolicy retry.Policy
	journal     journal.Journal
	bus         eventbus.Bus
	logger      *slog.Logger
}

// New constructs an Executor, filling unset collaborators with defaults.
func New(opts Options) (*Executor, error) {
	if opts.Client == nil {
		return nil, errors.New("executor: hypervisor client required")
	}
	if opts.Store == nil {
		return nil, errors.New("executor: state store required")
	}
	e := &Executor{
		client:      opts.Client,
		store:       opts.Store,
		pool:        opts.Pool,
		resolver:    opts.Resolver,
		prober:      opts.Prober,
		systemISO:   opts.SystemISO,
		stopPolicy:  opts.StopPolicy,
		probePolicy: opts.ProbePolicy,
		journal:     opts.Journal,
		bus:         opts.Bus,
		logger:      opts.Logger,
	}
	if e.pool == nil {
		e.pool = standalone{}
	}
	if e.resolver == nil {
		e.resolver = network.NewStatic(network.Bridges{})
	}
	if e.prober == nil {
		e.prober = &TCPProber{Port: DefaultControlPort}
	}
	if e.stopPolicy.Attempts <= 0 {
		e.stopPolicy = retry.Policy{Attempts: DefaultStopAttempts, Interval: DefaultStopInterval, WaitFirst: true}
	}
	if e.probePolicy.Attempts <= 0 {
		e.probePolicy = retry.Policy{Attempts: DefaultProbeAttempts, Interval: DefaultProbeInterval}
	}
	if e.journal == nil {
		e.journal = journal.Nop{}
	}
	if e.bus == nil {
		e.bus = eventbus.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "executor")
	return e, nil
}

// finish journals and publishes a command outcome.
func (e *Executor) finish(ctx context.Context, rec db.CommandRecord, res Result, state vmstate.State, present bool) {
	rec.Success = res.Success
	rec.Message = res.Message
	rec.FinishedAt = time.Now()

	// Journal writes must not be lost to a caller that already hung up.
	ctx = context.WithoutCancel(ctx)
	e.journal.RecordCommand(ctx, rec)
	if present {
		e.journal.RecordChanges(ctx, db.SourceCommand, map[string]string{rec.VMName: string(state)})
	}

	success := res.Success
	evt := events.VMEvent{
		Type:      events.TypeVMCommand,
		Name:      rec.VMName,
		State:     string(state),
		Command:   string(rec.Kind),
		Success:   &success,
		Message:   res.Message,
		Timestamp: rec.FinishedAt.UTC(),
	}
	if err := e.bus.Publish(ctx, events.TopicVMEvents, evt); err != nil {
		e.logger.Debug("publish command event", "vm", rec.VMName, "error", err)
	}

	attrs := []any{"vm", rec.VMName, "command", rec.Kind, "state", state, "duration", rec.Duration()}
	if res.Success {
		e.logger.Info("command finished", attrs...)
	} else {
		e.logger.Warn("command failed", append(attrs, "message", res.Message)...)
	}
}
