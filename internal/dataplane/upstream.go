package dataplane

import (
	"context"
	"sync"
)

// Endpoint is an IPv4 address plus port, the unit the upstream pool hands
// back to the frontend stage machine for routing (spec.md §4.D).
type Endpoint struct {
	Addr [4]byte
	Port int
}

type replica struct {
	endpoint Endpoint
	index    int
}

// UpstreamPool holds the ordered set of trusted replicas plus the sandbox
// endpoint (spec.md §3, §4.D). Per spec.md §5, the event loop is the only
// caller of its methods; mu guards active, cycling and lastCycleAt because
// Cycle's background respawn goroutine clears cycling from another
// goroutine.
type UpstreamPool struct {
	replicas []replica
	active   int
	sandbox  Endpoint

	supervisor  WorkerSupervisor
	replicaExec string // informational; actual exec happens in supervisor

	mu           sync.Mutex
	cycling      bool
	lastCycleAt  int64 // microseconds, engine clock
	coalesceWinUs int64
}

// NewUpstreamPool constructs a pool over the given replica ports, all on
// loopback, plus the sandbox endpoint. It does not start any replica;
// callers invoke StartAll once the supervisor is wired.
func NewUpstreamPool(replicaPorts []int, sandbox Endpoint, supervisor WorkerSupervisor, coalesceWinUs int64) *UpstreamPool {
	replicas := make([]replica, len(replicaPorts))
	for i, port := range replicaPorts {
		replicas[i] = replica{endpoint: Endpoint{Addr: [4]byte{127, 0, 0, 1}, Port: port}, index: i}
	}
	return &UpstreamPool{
		replicas:      replicas,
		active:        0,
		sandbox:       sandbox,
		supervisor:    supervisor,
		coalesceWinUs: coalesceWinUs,
	}
}

// N returns the number of trusted replicas in the pool.
func (p *UpstreamPool) N() int { return len(p.replicas) }

// StartAll launches every replica in the pool via the supervisor.
func (p *UpstreamPool) StartAll(ctx context.Context) error {
	for _, r := range p.replicas {
		if err := p.supervisor.Start(ctx, r.index, r.endpoint.Port); err != nil {
			return err
		}
	}
	return nil
}

// ActiveEndpoint returns the current active trusted replica's endpoint and
// index (spec.md §4.D: active_endpoint()).
func (p *UpstreamPool) ActiveEndpoint() (Endpoint, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.replicas[p.active]
	return r.endpoint, r.index
}

// SandboxEndpoint returns the constant sandbox endpoint.
func (p *UpstreamPool) SandboxEndpoint() Endpoint { return p.sandbox }

// Cycle promotes the next replica index and asynchronously respawns the
// previous active one. Per spec.md §4.D and DESIGN.md's resolution of
// Open Question 2: the *next* index is promoted first so the data-plane
// sees a ready endpoint immediately, and the previous active is terminated
// and respawned in the background. Calls within coalesceWinUs of the last
// cycle, and calls made while the previous cycle's background respawn is
// still running, collapse into a no-op (ErrCycleInFlight), matching
// "cycle() is idempotent within a short coalescing window" (spec.md §4.D).
//
// nowUs is the engine's current clock (microseconds since loop start),
// passed in rather than read from time.Now so tests can drive it
// deterministically and the engine stays the sole source of time.
func (p *UpstreamPool) Cycle(ctx context.Context, nowUs int64) error {
	p.mu.Lock()
	if p.cycling || (p.lastCycleAt != 0 && nowUs-p.lastCycleAt < p.coalesceWinUs) {
		p.mu.Unlock()
		return ErrCycleInFlight
	}
	p.cycling = true
	p.lastCycleAt = nowUs

	prev := p.replicas[p.active]
	next := (p.active + 1) % len(p.replicas)
	p.active = next
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.cycling = false
			p.mu.Unlock()
		}()
		_ = p.supervisor.Stop(prev.index)
		_ = p.supervisor.Wait(prev.index)
		_ = p.supervisor.Start(ctx, prev.index, prev.endpoint.Port)
	}()

	return nil
}
