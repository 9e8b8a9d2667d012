package dataplane

import "sync/atomic"

// EngineState tracks the engine's run lifecycle. Adapted from the teacher's
// FastState (eventloop/state.go): this engine has no latency-sensitive
// scheduler hot path to protect with cache-line padding, so the adaptation
// keeps the CAS-based transition shape and drops the padding.
type EngineState uint32

const (
	StateAwake EngineState = iota
	StateRunning
	StateSleeping
	StateTerminating
	StateTerminated
)

func (s EngineState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// engineStateBox is a lock-free holder for EngineState, read from the admin
// /healthz handler concurrently with the loop goroutine's writes.
type engineStateBox struct {
	v atomic.Uint32
}

func (s *engineStateBox) Load() EngineState { return EngineState(s.v.Load()) }
func (s *engineStateBox) Store(state EngineState) { s.v.Store(uint32(state)) }

func (s *engineStateBox) TryTransition(from, to EngineState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsRunning reports whether the loop is actively ticking or parked in a
// poll wait, as opposed to not-yet-started or shutting down.
func (s *engineStateBox) IsRunning() bool {
	switch s.Load() {
	case StateRunning, StateSleeping:
		return true
	default:
		return false
	}
}
