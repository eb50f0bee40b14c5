package vmstate

import "strings"

// State is the agent's canonical VM lifecycle value.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateMigrating State = "migrating"
	StateError     State = "error"
	StateUnknown   State = "unknown"
)

// States lists every canonical state.
var States = []State{
	StateStarting,
	StateRunning,
	StateStopping,
	StateStopped,
	StateMigrating,
	StateError,
	StateUnknown,
}

// Valid reports whether s is one of the canonical states.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// RawStatus is a normalized hypervisor domain status code.
type RawStatus string

const (
	RawRunning      RawStatus = "r"
	RawBlocked      RawStatus = "b"
	RawPaused       RawStatus = "p"
	RawShuttingDown RawStatus = "s"
	RawCrashed      RawStatus = "c"
	RawDying        RawStatus = "d"
	RawUnrecognized RawStatus = "?"
)

var rawAliases = map[string]RawStatus{
	"r":             RawRunning,
	"running":       RawRunning,
	"b":             RawBlocked,
	"blocked":       RawBlocked,
	"p":             RawPaused,
	"paused":        RawPaused,
	"s":             RawShuttingDown,
	"shutdown":      RawShuttingDown,
	"shutting-down": RawShuttingDown,
	"c":             RawCrashed,
	"crashed":       RawCrashed,
	"d":             RawDying,
	"dying":         RawDying,
}

// ParseRawStatus accepts both the single-letter codes and their long
// spellings. Anything unmapped becomes RawUnrecognized.
func ParseRawStatus(code string) RawStatus {
	if raw, ok := rawAliases[strings.ToLower(strings.TrimSpace(code))]; ok {
		return raw
	}
	return RawUnrecognized
}

// Candidate translates a raw code into the state the reconciler proposes.
// A shutting-down domain whose prior state is migrating stays migrating:
// the hypervisor reports the same code for a guest power-off and for the
// source side of a live migration being torn down.
func (r RawStatus) Candidate(prior State, hasPrior bool) State {
	switch r {
	case RawRunning, RawBlocked, RawPaused:
		return StateRunning
	case RawShuttingDown:
		if hasPrior && prior == StateMigrating {
			return StateMigrating
		}
		return StateStopped
	case RawCrashed:
		return StateError
	case RawDying:
		return StateStopping
	default:
		return StateUnknown
	}
}

// Accept applies the transition tie-break between a stored state and a
// freshly observed candidate. It reports whether the candidate replaces
// the stored value.
func Accept(old, candidate State) bool {
	if old == candidate {
		return false
	}
	switch old {
	case StateStarting:
		// stopped here is start-up lag; everything but running is ignored
		return candidate == StateRunning
	case StateMigrating:
		return candidate == StateRunning
	case StateStopping:
		// running here is shutdown lag
		return candidate == StateStopped
	default:
		return true
	}
}

// Observation is one hypervisor-reported domain.
type Observation struct {
	Name          string
	Status        RawStatus
	ControlDomain bool
}
