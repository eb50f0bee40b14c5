// Package hostagent wires the VM state store, reconciler, pool coordinator
// and command executor into the engine served by the daemon.
package hostagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/eventbus"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/executor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/journal"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/network"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/pool"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/reconcile"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/retry"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

// Engine is the host agent core.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	StartVM(ctx context.Context, spec executor.VMSpec) executor.StartResult
	StopVM(ctx context.Context, name string) executor.Result
	RebootVM(ctx context.Context, name string) executor.StartResult
	MigrateVM(ctx context.Context, name, destHostID, destIP string) executor.Result
	PrepareForMigration(ctx context.Context, spec executor.VMSpec) executor.Result

	PollStatus(ctx context.Context) (map[string]vmstate.State, error)
	ListVMs() map[string]vmstate.State
	GetVM(name string) (vmstate.State, bool)
	ReconcileStatus() reconcile.Status

	PoolRecord() pool.Record
	SetupPool(ctx context.Context, repo pool.Repository) (pool.Record, error)

	RecentCommands(ctx context.Context, vm string, limit int) ([]db.CommandRecord, error)
}

// ErrJournalDisabled is returned by journal queries when no store is wired.
var ErrJournalDisabled = errors.New("hostagent: journal disabled")

// Params wires dependencies for the engine.
type Params struct {
	Client hypervisor.Client
	Dialer hypervisor.Dialer
	// Store backs the command journal. Optional.
	Store  db.Store
	Bus    eventbus.Bus
	Logger *slog.Logger

	HostIP    string
	OwnerID   string
	VirtualIP string
	Elector   pool.Elector
	// Repository triggers pool setup during Start when set.
	Repository *pool.Repository

	SyncInterval time.Duration
	// JournalRetention prunes journal rows older than this every
	// JournalSweep. Zero keeps everything.
	JournalRetention time.Duration
	JournalSweep     time.Duration

	Resolver    network.Resolver
	Prober      executor.Prober
	SystemISO   string
	StopPolicy  retry.Policy
	ProbePolicy retry.Policy
}

type engine struct {
	logger       *slog.Logger
	store        *vmstate.Store
	journalStore db.Store
	journal      journal.Journal
	reconciler   *reconcile.Reconciler
	pool         *pool.Coordinator
	executor     *executor.Executor
	repository   *pool.Repository
	syncInterval time.Duration

	retainer  *journal.Store
	retention time.Duration
	sweep     time.Duration

	mu         sync.Mutex
	procCancel context.CancelFunc
	procDone   chan struct{}
}

// New constructs the production engine.
func New(params Params) (Engine, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("hostagent: hypervisor client is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("hostagent: logger is required")
	}
	if strings.TrimSpace(params.HostIP) == "" {
		return nil, fmt.Errorf("hostagent: host IP is required")
	}
	bus := params.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}

	var j journal.Journal = journal.Nop{}
	var retainer *journal.Store
	if params.Store != nil {
		retainer = journal.New(params.Store, params.Logger)
		j = retainer
	}

	store := vmstate.NewStore()
	coordinator, err := pool.New(pool.Options{
		Local:     params.Client,
		Dialer:    params.Dialer,
		HostIP:    params.HostIP,
		OwnerID:   params.OwnerID,
		VirtualIP: params.VirtualIP,
		Elector:   params.Elector,
		Bus:       bus,
		Logger:    params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("hostagent: %w", err)
	}
	reconciler, err := reconcile.New(reconcile.Options{
		Client:  params.Client,
		Store:   store,
		Journal: j,
		Bus:     bus,
		Logger:  params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("hostagent: %w", err)
	}
	exec, err := executor.New(executor.Options{
		Client:      params.Client,
		Store:       store,
		Pool:        coordinator,
		Resolver:    params.Resolver,
		Prober:      params.Prober,
		SystemISO:   params.SystemISO,
		StopPolicy:  params.StopPolicy,
		ProbePolicy: params.ProbePolicy,
		Journal:     j,
		Bus:         bus,
		Logger:      params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("hostagent: %w", err)
	}

	return &engine{
		logger:       params.Logger.With("component", "engine"),
		store:        store,
		journalStore: params.Store,
		journal:      j,
		reconciler:   reconciler,
		pool:         coordinator,
		executor:     exec,
		repository:   params.Repository,
		syncInterval: params.SyncInterval,
		retainer:     retainer,
		retention:    params.JournalRetention,
		sweep:        params.JournalSweep,
	}, nil
}

// Start establishes the pool role, runs a first reconciliation pass and
// launches the periodic loop. Pool configuration errors abort startup;
// transient pool failures are logged and can be retried through SetupPool.
func (e *engine) Start(ctx context.Context) error {
	if e.repository != nil {
		if _, err := e.SetupPool(ctx, *e.repository); err != nil {
			if pool.IsConfigError(err) {
				return err
			}
			e.logger.Warn("pool setup failed", "error", err)
		}
	}

	if _, err := e.reconciler.Sync(ctx); err != nil {
		e.logger.Warn("initial reconcile failed", "error", err)
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	e.mu.Lock()
	if e.procCancel != nil {
		e.procCancel()
	}
	e.procCancel = cancel
	e.procDone = done
	e.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reconciler.Run(procCtx, e.syncInterval)
	}()
	if e.retainer != nil && e.retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.retainer.RunRetention(procCtx, e.retention, e.sweep)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	e.logger.Info("engine started", "sync_interval", e.syncInterval, "tracked", e.store.Len())
	return nil
}

func (e *engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.procCancel, e.procDone
	e.procCancel, e.procDone = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commands run on a context detached from the caller so that an
// orchestrator disconnect does not abandon a half-finished transition.

func (e *engine) StartVM(ctx context.Context, spec executor.VMSpec) executor.StartResult {
	return e.executor.Start(context.WithoutCancel(ctx), spec)
}

func (e *engine) StopVM(ctx context.Context, name string) executor.Result {
	return e.executor.Stop(context.WithoutCancel(ctx), name)
}

func (e *engine) RebootVM(ctx context.Context, name string) executor.StartResult {
	return e.executor.Reboot(context.WithoutCancel(ctx), name)
}

func (e *engine) MigrateVM(ctx context.Context, name, destHostID, destIP string) executor.Result {
	return e.executor.Migrate(context.WithoutCancel(ctx), name, destHostID, destIP)
}

func (e *engine) PrepareForMigration(ctx context.Context, spec executor.VMSpec) executor.Result {
	return e.executor.PrepareForMigration(context.WithoutCancel(ctx), spec)
}

func (e *engine) PollStatus(ctx context.Context) (map[string]vmstate.State, error) {
	return e.reconciler.PollStatus(ctx)
}

func (e *engine) ListVMs() map[string]vmstate.State {
	return e.store.Snapshot()
}

func (e *engine) GetVM(name string) (vmstate.State, bool) {
	return e.store.Get(name)
}

func (e *engine) ReconcileStatus() reconcile.Status {
	return e.reconciler.Status()
}

func (e *engine) PoolRecord() pool.Record {
	return e.pool.Record()
}

func (e *engine) SetupPool(ctx context.Context, repo pool.Repository) (pool.Record, error) {
	rec := journal.Command(db.CommandPoolSetup, "")
	record, err := e.pool.Setup(ctx, repo)
	rec.Success = err == nil
	if err != nil {
		rec.Message = err.Error()
	} else {
		rec.Message = fmt.Sprintf("role %s in pool %s", record.Role, record.PoolAlias)
	}
	rec.FinishedAt = time.Now()
	e.journal.RecordCommand(context.WithoutCancel(ctx), rec)
	return record, err
}

func (e *engine) RecentCommands(ctx context.Context, vm string, limit int) ([]db.CommandRecord, error) {
	if e.journalStore == nil {
		return nil, ErrJournalDisabled
	}
	repo := e.journalStore.Queries().Commands()
	if vm != "" {
		return repo.ForVM(ctx, vm, limit)
	}
	return repo.Recent(ctx, limit)
}
