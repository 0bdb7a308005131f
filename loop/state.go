package loop

import "sync/atomic"

// State is the lifecycle state of a Loop, mirroring the teacher package's
// LoopState enum in eventloop/state.go. Values are deliberately explicit so
// the zero value is a meaningful, pre-Run state.
type State uint64

const (
	// StateAwake is the initial state, before Run is called.
	StateAwake State = iota
	// StateTerminated is the final state once shutdown has completed.
	StateTerminated
	// StateSleeping is accepted by Shutdown as a source state; Run never
	// enters it, staying in StateRunning while parked between ticks.
	StateSleeping
	// StateRunning is held from the moment Run starts until shutdown or
	// context cancellation ends it.
	StateRunning
	// StateTerminating is entered once Shutdown has been requested but the
	// quiet period/drain has not yet completed.
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateTerminated:
		return "terminated"
	case StateSleeping:
		return "sleeping"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// fastState is a CAS-guarded atomic holder for State, following the
// teacher's FastState: all transitions are compare-and-swap so concurrent
// Shutdown/Submit callers never observe a torn state.
type fastState struct {
	v atomic.Uint64
}

func newFastState(initial State) *fastState {
	s := &fastState{}
	s.v.Store(uint64(initial))
	return s
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) Store(v State) {
	s.v.Store(uint64(v))
}

// TryTransition performs a CAS from `from` to `to`, returning whether it
// succeeded.
func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts a CAS from any of `from` to `to`, retrying against
// the freshly observed value until it either succeeds or the current state
// isn't among `from`.
func (s *fastState) TransitionAny(from []State, to State) bool {
	for {
		cur := s.Load()
		ok := false
		for _, f := range from {
			if f == cur {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
		if s.TryTransition(cur, to) {
			return true
		}
	}
}

func (s *fastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

func (s *fastState) IsRunning() bool {
	return s.Load() == StateRunning
}

// CanAcceptWork reports whether the loop is in a state that still accepts
// Submit/Schedule calls.
func (s *fastState) CanAcceptWork() bool {
	switch s.Load() {
	case StateTerminated, StateTerminating:
		return false
	default:
		return true
	}
}
