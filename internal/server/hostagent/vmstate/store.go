package vmstate

import "sync"

// Store maps VM names to canonical states. Every operation, including a
// whole reconciliation batch, runs under one mutex so that command
// handlers and the reconciler never observe a partial update.
type Store struct {
	mu     sync.Mutex
	states map[string]State
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{states: make(map[string]State)}
}

// Get returns the state for name and whether the agent knows the VM.
func (s *Store) Get(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	return state, ok
}

// Set records state for name.
func (s *Store) Set(name string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
}

// Remove forgets name.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
}

// Swap records next for name and returns what was there before.
func (s *Store) Swap(name string, next State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.states[name]
	s.states[name] = next
	return prev, existed
}

// Restore puts back a value captured by Swap. When the VM was previously
// unknown the entry is removed.
func (s *Store) Restore(name string, prev State, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !existed {
		delete(s.states, name)
		return
	}
	s.states[name] = prev
}

// CompareAndSet writes next only when the current state equals expected.
func (s *Store) CompareAndSet(name string, expected, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[name]
	if !ok || current != expected {
		return false
	}
	s.states[name] = next
	return true
}

// Snapshot returns a copy of the whole map.
func (s *Store) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.states))
	for name, state := range s.states {
		out[name] = state
	}
	return out
}

// Len returns the number of tracked VMs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Reconcile folds one full set of hypervisor observations into the store
// and returns every VM whose reported state changed.
//
// VMs missing from the observations are dropped, except starting and
// migrating ones: a start may not be listed yet, and a migrating VM's
// ownership is presumed to have moved to the destination host. A vanished
// VM in a settled state (running, error, unknown) is reported as stopped;
// one that is stopping or already stopped is dropped silently.
func (s *Store) Reconcile(observations []Observation) map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := make(map[string]State)
	seen := make(map[string]struct{}, len(observations))

	for _, obs := range observations {
		if obs.ControlDomain || obs.Name == "" {
			continue
		}
		seen[obs.Name] = struct{}{}

		old, had := s.states[obs.Name]
		candidate := obs.Status.Candidate(old, had)
		if !had {
			s.states[obs.Name] = candidate
			changes[obs.Name] = candidate
			continue
		}
		if Accept(old, candidate) {
			s.states[obs.Name] = candidate
			changes[obs.Name] = candidate
		}
	}

	for name, old := range s.states {
		if _, ok := seen[name]; ok {
			continue
		}
		switch old {
		case StateStarting, StateMigrating:
			continue
		case StateStopping, StateStopped:
			delete(s.states, name)
		default:
			delete(s.states, name)
			changes[name] = StateStopped
		}
	}

	return changes
}
