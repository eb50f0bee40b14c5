// Package reconcile runs full-sync passes between the hypervisor's domain
// listing and the VM state store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/eventbus"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/journal"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

// Options configures a Reconciler.
type Options struct {
	Client  hypervisor.Client
	Store   *vmstate.Store
	Journal journal.Journal
	Bus     eventbus.Bus
	Logger  *slog.Logger
}

// Status summarises the most recent pass.
type Status struct {
	LastSync  time.Time `json:"last_sync,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Passes    uint64    `json:"passes"`
	Pending   int       `json:"pending"`
}

// Reconciler keeps changes found by background passes until PollStatus
// hands them to the orchestrator.
type Reconciler struct {
	client  hypervisor.Client
	store   *vmstate.Store
	journal journal.Journal
	bus     eventbus.Bus
	logger  *slog.Logger

	passMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]vmstate.State
	lastSync time.Time
	lastErr  error
	passes   uint64
}

// New constructs a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Client == nil {
		return nil, errors.New("reconcile: hypervisor client required")
	}
	if opts.Store == nil {
		return nil, errors.New("reconcile: state store required")
	}
	r := &Reconciler{
		client:  opts.Client,
		store:   opts.Store,
		journal: opts.Journal,
		bus:     opts.Bus,
		logger:  opts.Logger,
		pending: make(map[string]vmstate.State),
	}
	if r.journal == nil {
		r.journal = journal.Nop{}
	}
	if r.bus == nil {
		r.bus = eventbus.Nop{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reconcile")
	return r, nil
}

// Sync runs one pass and returns the changes it made. The changes are also
// added to the pending set. A hypervisor error aborts the pass before the
// store is touched.
func (r *Reconciler) Sync(ctx context.Context) (map[string]vmstate.State, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	vms, err := r.client.ListVMs(ctx)
	if err != nil {
		err = fmt.Errorf("list vms: %w", err)
		r.record(nil, err)
		return nil, err
	}

	changes := r.store.Reconcile(Observations(vms))
	r.record(changes, nil)
	if len(changes) == 0 {
		return changes, nil
	}

	r.logger.Info("vm states changed", "count", len(changes))
	reported := make(map[string]string, len(changes))
	now := time.Now().UTC()
	for name, state := range changes {
		reported[name] = string(state)
		r.logger.Debug("vm state changed", "vm", name, "state", state)
		evt := events.VMEvent{Type: events.TypeVMStateChanged, Name: name, State: string(state), Timestamp: now}
		if err := r.bus.Publish(ctx, events.TopicVMEvents, evt); err != nil {
			r.logger.Debug("publish state event", "vm", name, "error", err)
		}
	}
	r.journal.RecordChanges(ctx, db.SourceReconcile, reported)
	return changes, nil
}

// PollStatus runs a pass and drains every change accumulated since the
// previous PollStatus. On error the pending set is kept for the next call.
func (r *Reconciler) PollStatus(ctx context.Context) (map[string]vmstate.State, error) {
	if _, err := r.Sync(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = make(map[string]vmstate.State)
	return out, nil
}

// Run syncs every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sync(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reconcile pass failed", "error", err)
			}
		}
	}
}

// Status returns bookkeeping for the most recent pass.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{LastSync: r.lastSync, Passes: r.passes, Pending: len(r.pending)}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func (r *Reconciler) record(changes map[string]vmstate.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if err != nil {
		return
	}
	r.passes++
	r.lastSync = time.Now().UTC()
	maps.Copy(r.pending, changes)
}

// Observations converts a hypervisor listing into store observations.
func Observations(vms []hypervisor.VMConfig) []vmstate.Observation {
	out := make([]vmstate.Observation, 0, len(vms))
	for _, vm := range vms {
		out = append(out, vmstate.Observation{
			Name:          vm.Name,
			Status:        vmstate.ParseRawStatus(vm.Status),
			ControlDomain: vm.ControlDomain || vm.Name == hypervisor.ControlDomainName,
		})
	}
	return out
}
