package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/eventbus/memory"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor/sim"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

type failingClient struct {
	*sim.Hypervisor
	fail atomic.Bool
}

func (f *failingClient) ListVMs(ctx context.Context) ([]hypervisor.VMConfig, error) {
	if f.fail.Load() {
		return nil, errors.New("hypervisor unreachable")
	}
	return f.Hypervisor.ListVMs(ctx)
}

func newTestReconciler(t *testing.T) (*Reconciler, *failingClient, *vmstate.Store) {
	t.Helper()
	client := &failingClient{Hypervisor: sim.New("ovm-1", "10.0.0.11")}
	store := vmstate.NewStore()
	r, err := New(Options{Client: client, Store: store})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r, client, store
}

func TestSyncInsertsObservedVMs(t *testing.T) {
	r, client, store := newTestReconciler(t)
	client.SetStatus("i-2-7-VM", "r")
	client.SetStatus("i-2-8-VM", "c")

	changes, err := r.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if changes["i-2-7-VM"] != vmstate.StateRunning || changes["i-2-8-VM"] != vmstate.StateError {
		t.Fatalf("unexpected changes %v", changes)
	}
	if _, ok := store.Get(hypervisor.ControlDomainName); ok {
		t.Fatalf("control domain must not be tracked")
	}
	if store.Len() != 2 {
		t.Fatalf("expected two tracked vms, got %d", store.Len())
	}
}

func TestSyncAbortsOnHypervisorError(t *testing.T) {
	r, client, store := newTestReconciler(t)
	store.Set("i-2-7-VM", vmstate.StateRunning)
	client.fail.Store(true)

	if _, err := r.Sync(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if state, ok := store.Get("i-2-7-VM"); !ok || state != vmstate.StateRunning {
		t.Fatalf("failed pass must not touch the store, got %s %v", state, ok)
	}
	if r.Status().LastError == "" {
		t.Fatalf("expected last error recorded")
	}
}

func TestPollStatusDrainsPending(t *testing.T) {
	r, client, _ := newTestReconciler(t)
	ctx := context.Background()

	client.SetStatus("i-2-7-VM", "r")
	if _, err := r.Sync(ctx); err != nil {
		t.Fatalf("background sync: %v", err)
	}
	if r.Status().Pending != 1 {
		t.Fatalf("expected pending change after background pass")
	}

	client.SetStatus("i-2-8-VM", "b")
	changes, err := r.PollStatus(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(changes) != 2 || changes["i-2-7-VM"] != vmstate.StateRunning || changes["i-2-8-VM"] != vmstate.StateRunning {
		t.Fatalf("expected both changes, got %v", changes)
	}

	changes, err = r.PollStatus(ctx)
	if err != nil || len(changes) != 0 {
		t.Fatalf("expected no changes on second poll, got %v %v", changes, err)
	}
}

func TestPollStatusKeepsPendingOnError(t *testing.T) {
	r, client, _ := newTestReconciler(t)
	ctx := context.Background()
	client.SetStatus("i-2-7-VM", "r")
	if _, err := r.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	client.fail.Store(true)
	if _, err := r.PollStatus(ctx); err == nil {
		t.Fatalf("expected error")
	}
	client.fail.Store(false)
	changes, err := r.PollStatus(ctx)
	if err != nil || changes["i-2-7-VM"] != vmstate.StateRunning {
		t.Fatalf("pending change lost: %v %v", changes, err)
	}
}

func TestVanishedRunningReportedStopped(t *testing.T) {
	r, client, store := newTestReconciler(t)
	ctx := context.Background()
	client.SetStatus("i-2-7-VM", "r")
	store.Set("i-2-9-VM", vmstate.StateMigrating)
	if _, err := r.PollStatus(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	client.SetStatus("i-2-7-VM", "")
	changes, err := r.PollStatus(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if changes["i-2-7-VM"] != vmstate.StateStopped {
		t.Fatalf("expected vanished vm reported stopped, got %v", changes)
	}
	if _, ok := store.Get("i-2-7-VM"); ok {
		t.Fatalf("vanished vm must be removed")
	}
	if state, _ := store.Get("i-2-9-VM"); state != vmstate.StateMigrating {
		t.Fatalf("migrating vm must be left alone, got %s", state)
	}
}

func TestSyncPublishesStateEvents(t *testing.T) {
	client := &failingClient{Hypervisor: sim.New("ovm-1", "10.0.0.11")}
	bus := memory.New()
	ch := make(chan any, 2)
	if _, err := bus.Subscribe(events.TopicVMEvents, ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r, err := New(Options{Client: client, Store: vmstate.NewStore(), Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	client.SetStatus("i-2-7-VM", "p")
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	evt := (<-ch).(events.VMEvent)
	if evt.Type != events.TypeVMStateChanged || evt.Name != "i-2-7-VM" || evt.State != "running" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, client, store := newTestReconciler(t)
	client.SetStatus("i-2-7-VM", "r")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.Len() == 0 {
		select {
		case <-deadline:
			t.Fatalf("background pass never ran")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
