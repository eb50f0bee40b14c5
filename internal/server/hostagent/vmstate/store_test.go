package vmstate

import (
	"fmt"
	"sync"
	"testing"
)

func TestParseRawStatus(t *testing.T) {
	cases := map[string]RawStatus{
		"r":             RawRunning,
		"running":       RawRunning,
		" B ":           RawBlocked,
		"paused":        RawPaused,
		"s":             RawShuttingDown,
		"shutting-down": RawShuttingDown,
		"c":             RawCrashed,
		"dying":         RawDying,
		"":              RawUnrecognized,
		"x":             RawUnrecognized,
	}
	for code, want := range cases {
		if got := ParseRawStatus(code); got != want {
			t.Fatalf("ParseRawStatus(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestCandidateShuttingDownKeepsMigrating(t *testing.T) {
	if got := RawShuttingDown.Candidate(StateMigrating, true); got != StateMigrating {
		t.Fatalf("expected migrating, got %s", got)
	}
	if got := RawShuttingDown.Candidate(StateRunning, true); got != StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if got := RawShuttingDown.Candidate("", false); got != StateStopped {
		t.Fatalf("expected stopped for unknown vm, got %s", got)
	}
	if got := RawUnrecognized.Candidate(StateRunning, true); got != StateUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestReconcileInsertsUnknownVM(t *testing.T) {
	store := NewStore()
	changes := store.Reconcile([]Observation{{Name: "i-2-10-VM", Status: RawRunning}})

	if changes["i-2-10-VM"] != StateRunning {
		t.Fatalf("expected running change, got %v", changes)
	}
	if state, ok := store.Get("i-2-10-VM"); !ok || state != StateRunning {
		t.Fatalf("expected stored running, got %s (%v)", state, ok)
	}
}

func TestReconcileIgnoresStartupLag(t *testing.T) {
	store := NewStore()
	store.Set("vm-1", StateStarting)

	changes := store.Reconcile([]Observation{{Name: "vm-1", Status: RawShuttingDown}})
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
	if state, _ := store.Get("vm-1"); state != StateStarting {
		t.Fatalf("expected starting to survive, got %s", state)
	}
}

func TestReconcileIgnoresShutdownLag(t *testing.T) {
	store := NewStore()
	store.Set("vm-1", StateStopping)

	if changes := store.Reconcile([]Observation{{Name: "vm-1", Status: RawRunning}}); len(changes) != 0 {
		t.Fatalf("expected running to be ignored while stopping, got %v", changes)
	}
	changes := store.Reconcile([]Observation{{Name: "vm-1", Status: RawShuttingDown}})
	if changes["vm-1"] != StateStopped {
		t.Fatalf("expected stopped commit, got %v", changes)
	}
}

func TestReconcileSkipsControlDomain(t *testing.T) {
	store := NewStore()
	changes := store.Reconcile([]Observation{{Name: "Domain-0", Status: RawRunning, ControlDomain: true}})
	if len(changes) != 0 || store.Len() != 0 {
		t.Fatalf("control domain must not be tracked: %v", changes)
	}
}

func TestReconcileMigratingOnlyYieldsToRunning(t *testing.T) {
	raws := []RawStatus{RawBlocked, RawPaused, RawShuttingDown, RawCrashed, RawDying, RawUnrecognized}
	for _, raw := range raws {
		store := NewStore()
		store.Set("vm-m", StateMigrating)
		changes := store.Reconcile([]Observation{{Name: "vm-m", Status: raw}})
		state, _ := store.Get("vm-m")
		if raw == RawBlocked || raw == RawPaused {
			if state != StateRunning || changes["vm-m"] != StateRunning {
				t.Fatalf("raw %q: expected running, got %s", raw, state)
			}
			continue
		}
		if state != StateMigrating || len(changes) != 0 {
			t.Fatalf("raw %q overwrote migrating: state=%s changes=%v", raw, state, changes)
		}
	}
}

func TestReconcileVanishedVMs(t *testing.T) {
	store := NewStore()
	store.Set("migrating", StateMigrating)
	store.Set("starting", StateStarting)
	store.Set("stopping", StateStopping)
	store.Set("stopped", StateStopped)
	store.Set("running", StateRunning)
	store.Set("error", StateError)

	changes := store.Reconcile(nil)

	for _, name := range []string{"migrating", "starting"} {
		if _, ok := store.Get(name); !ok {
			t.Fatalf("%s vm must be left alone", name)
		}
	}
	for _, name := range []string{"stopping", "stopped", "running", "error"} {
		if _, ok := store.Get(name); ok {
			t.Fatalf("expected %s to be removed", name)
		}
	}
	if len(changes) != 2 || changes["running"] != StateStopped || changes["error"] != StateStopped {
		t.Fatalf("unexpected vanished changes: %v", changes)
	}
}

func TestReconcileKeepsUnlistedStartingVM(t *testing.T) {
	store := NewStore()
	store.Set("vm-1", StateStarting)

	changes := store.Reconcile([]Observation{{Name: "Domain-0", Status: RawRunning, ControlDomain: true}})
	state, ok := store.Get("vm-1")
	if !ok || state != StateStarting || len(changes) != 0 {
		t.Fatalf("starting vm not kept: changes=%v state=%q present=%v", changes, state, ok)
	}

	changes = store.Reconcile([]Observation{{Name: "vm-1", Status: RawRunning}})
	if changes["vm-1"] != StateRunning {
		t.Fatalf("expected running once listed, got %v", changes)
	}
}

// Every (stored state, raw code) pair must settle after one pass: a second
// identical pass reports nothing and leaves the state untouched.
func TestReconcileConvergesForEveryPair(t *testing.T) {
	raws := []RawStatus{RawRunning, RawBlocked, RawPaused, RawShuttingDown, RawCrashed, RawDying, RawUnrecognized}
	olds := append([]State{""}, States...)

	for _, old := range olds {
		for _, raw := range raws {
			store := NewStore()
			if old != "" {
				store.Set("vm", old)
			}
			obs := []Observation{{Name: "vm", Status: raw}}
			store.Reconcile(obs)
			first, _ := store.Get("vm")

			for pass := 0; pass < 3; pass++ {
				if changes := store.Reconcile(obs); len(changes) != 0 {
					t.Fatalf("old=%q raw=%q pass %d oscillated: %v", old, raw, pass, changes)
				}
				if again, _ := store.Get("vm"); again != first {
					t.Fatalf("old=%q raw=%q drifted from %s to %s", old, raw, first, again)
				}
			}
		}
	}
}

func TestSwapAndRestore(t *testing.T) {
	store := NewStore()
	prev, existed := store.Swap("vm", StateStopping)
	if existed {
		t.Fatalf("expected vm to be unknown, got %s", prev)
	}
	store.Restore("vm", prev, existed)
	if _, ok := store.Get("vm"); ok {
		t.Fatalf("restore of unknown vm must remove it")
	}

	store.Set("vm", StateRunning)
	prev, existed = store.Swap("vm", StateStopping)
	store.Restore("vm", prev, existed)
	if state, _ := store.Get("vm"); state != StateRunning {
		t.Fatalf("expected running after restore, got %s", state)
	}

	if store.CompareAndSet("vm", StateStopped, StateError) {
		t.Fatalf("compare-and-set must fail on mismatch")
	}
	if !store.CompareAndSet("vm", StateRunning, StateError) {
		t.Fatalf("compare-and-set must succeed on match")
	}
}

func TestStoreConcurrentWritersAndReconcile(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				name := fmt.Sprintf("vm-%d", i%10)
				switch (w + i) % 4 {
				case 0:
					store.Set(name, StateStarting)
				case 1:
					prev, existed := store.Swap(name, StateStopping)
					store.Restore(name, prev, existed)
				case 2:
					store.Remove(name)
				default:
					store.Reconcile([]Observation{{Name: name, Status: RawRunning}})
				}
			}
		}(w)
	}
	wg.Wait()

	for name, state := range store.Snapshot() {
		if !state.Valid() {
			t.Fatalf("vm %s holds invalid state %q", name, state)
		}
	}
}
