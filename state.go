package coloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
//	StateAwake -> StateRunning            [Run]
//	StateRunning -> StateSleeping         [poll, via CAS]
//	StateSleeping -> StateRunning         [poll returned, via CAS]
//	StateRunning|StateSleeping -> StateTerminating [Shutdown, Close, ctx]
//	StateTerminating -> StateTerminated   [run exit]
//	StateAwake -> StateTerminated         [Shutdown, Close before Run]
//
// Use TryTransition for the temporary states (Running, Sleeping) and Store
// only for the irreversible StateTerminated.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is scheduling coroutines.
	StateRunning
	// StateSleeping indicates the loop is blocked in the poller.
	StateSleeping
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates the loop has stopped and released its resources.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state holder.
type loopState struct { // betteralign:ignore
	_ [64]byte      // cache line padding //nolint:unused
	v atomic.Uint64 // LoopState value
	_ [56]byte      // pad to complete the line //nolint:unused
}

func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *loopState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// terminate moves any live state to StateTerminating, returning the state it
// replaced, or false if the loop was already terminating or terminated.
func (s *loopState) terminate() (LoopState, bool) {
	for {
		current := s.Load()
		if current == StateTerminating || current == StateTerminated {
			return current, false
		}
		if s.TryTransition(current, StateTerminating) {
			return current, true
		}
	}
}

// CoroutineState is the scheduling state of a [Coroutine].
//
//	StateReady -> StateExec   [switched into by the loop]
//	StateExec  -> StateExec   [Yield: runnable, done for this pass]
//	StateExec  -> StateHold   [Suspend: parked in the holding set]
//	StateHold  -> StateReady  [NotifyCoroutineReady]
//	any        -> StateTerm   [task returned; absorbing]
type CoroutineState uint32

const (
	// StateReady marks a coroutine eligible to run.
	StateReady CoroutineState = iota
	// StateHold marks a coroutine suspended until an external wake.
	StateHold
	// StateExec marks the coroutine that is, or last was, executing.
	StateExec
	// StateTerm marks a coroutine whose task has returned.
	StateTerm
)

// String returns a human-readable representation of the state.
func (s CoroutineState) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateHold:
		return "HOLD"
	case StateExec:
		return "EXEC"
	case StateTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}
