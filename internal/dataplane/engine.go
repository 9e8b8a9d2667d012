package dataplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joeycumines/quarantine-proxy/internal/obslog"
)

// Engine is the single-threaded event loop tying together the poller, the
// transaction arena, the upstream pool, the verdict channel, and the
// reporter (spec.md §4.G). Adapted from the teacher's eventloop.Loop:
// that type's run/tick/poll shape is kept, generalized from a general-
// purpose task/timer/microtask scheduler down to this proxy's fixed
// four-step tick (drain verdicts, drain accepts, drive the ready queue,
// poll for readiness).
type Engine struct {
	cfg *engineOptions

	poller   Poller
	wake     *Wakeup
	arena    *Arena
	verdicts *VerdictSet
	pool     *UpstreamPool
	reporter *Reporter

	verdictListener *VerdictListener
	metrics         *Metrics
	logger          *logiface.Logger[*izerolog.Event]

	frontendFD int
	ready      []TxnHandle

	state     engineStateBox
	startMono time.Time
	seqCounter int64
}

// NewEngine wires every component from options, binding the frontend and
// verdict listeners but not yet starting replicas or the tick loop — call
// Run for that.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg := resolveEngineOptions(opts)

	if cfg.logger == nil {
		cfg.logger = obslog.New(obslog.Options{})
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(prometheus.NewRegistry())
	}

	poller := NewPoller()
	if err := poller.Init(); err != nil {
		return nil, fmt.Errorf("dataplane: init poller: %w", err)
	}

	frontendFD, err := listenTCP(cfg.frontendAddr, cfg.frontendPort)
	if err != nil {
		_ = poller.Close()
		return nil, fmt.Errorf("dataplane: bind frontend: %w", err)
	}

	supervisor := cfg.supervisor
	if supervisor == nil {
		supervisor = NewExecSupervisor(cfg.replicaExec, cfg.replicaArgs)
	}
	pool := NewUpstreamPool(cfg.replicaPorts, Endpoint{Addr: cfg.sandboxAddr, Port: cfg.sandboxPort}, supervisor, cfg.cycleWindow)

	latencyHost := ""
	if cfg.latencyPort != 0 {
		latencyHost = ipString(cfg.latencyAddr)
	}
	reporter, err := NewReporter(cfg.collectorAddr, cfg.collectorPort, latencyHost, cfg.latencyPort, cfg.reportQuota)
	if err != nil {
		closeSocket(frontendFD)
		_ = poller.Close()
		return nil, fmt.Errorf("dataplane: dial collector: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		poller:     poller,
		arena:      NewArena(cfg.arenaCap, cfg.maxMessage),
		verdicts:   NewVerdictSet(),
		pool:       pool,
		reporter:   reporter,
		metrics:    cfg.metrics,
		logger:     cfg.logger,
		frontendFD: frontendFD,
		startMono:  time.Now(),
	}

	wake, err := newWakeup(poller, func() {})
	if err != nil {
		reporter.Close()
		closeSocket(frontendFD)
		_ = poller.Close()
		return nil, fmt.Errorf("dataplane: init wakeup: %w", err)
	}
	e.wake = wake

	verdictListener, err := NewVerdictListener(listenHost(cfg.verdictAddr), cfg.verdictPort, wake, e.nowUs)
	if err != nil {
		wake.Close()
		reporter.Close()
		closeSocket(frontendFD)
		_ = poller.Close()
		return nil, fmt.Errorf("dataplane: bind verdict channel: %w", err)
	}
	e.verdictListener = verdictListener

	return e, nil
}

// ipString renders a 4-byte address as a dotted-quad string.
func ipString(addr [4]byte) string {
	return net.IP(addr[:]).String()
}

// listenHost maps the all-zeros address to "" (INADDR_ANY for net.Listen),
// since [4]byte can't itself represent "unset".
func listenHost(addr [4]byte) string {
	if addr == ([4]byte{}) {
		return ""
	}
	return ipString(addr)
}

// Run starts the replica pool and the verdict intake goroutine, then ticks
// the event loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.TryTransition(StateAwake, StateRunning) {
		return fmt.Errorf("dataplane: engine already running")
	}

	go e.verdictListener.Serve()

	if err := e.pool.StartAll(ctx); err != nil {
		e.state.Store(StateTerminated)
		return fmt.Errorf("dataplane: start replicas: %w", err)
	}

	for e.state.Load() != StateTerminating {
		select {
		case <-ctx.Done():
			e.state.Store(StateTerminating)
		default:
		}
		if e.state.Load() == StateTerminating {
			break
		}
		e.tick()
	}

	e.state.Store(StateTerminated)
	return ctx.Err()
}

// Close releases every descriptor and background goroutine the engine
// owns. Call it after Run returns: Close does not stop a running Run, so
// a live shutdown cancels Run's context first and then calls Close.
func (e *Engine) Close() error {
	_ = e.verdictListener.Close()
	e.arena.ForEachOccupied(func(h TxnHandle, t *Transaction) {
		e.closeDescriptors(t)
	})
	_ = e.wake.Close()
	_ = e.reporter.Close()
	closeSocket(e.frontendFD)
	return e.poller.Close()
}

// State reports the engine's current lifecycle state, for the admin
// /healthz handler.
func (e *Engine) State() EngineState { return e.state.Load() }

// Metrics returns the engine's self-observability surface, for wiring into
// the admin HTTP mux's /metrics handler.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// FrontendAddr returns the client-facing listener's bound address, useful
// when the configured port is 0 and the kernel picks one (tests; ephemeral
// local deployments).
func (e *Engine) FrontendAddr() (net.Addr, error) {
	return boundTCPAddr(e.frontendFD)
}

// VerdictAddr returns the verdict channel listener's bound address.
func (e *Engine) VerdictAddr() net.Addr {
	return e.verdictListener.Addr()
}

// nowUs returns microseconds since the engine started, the time base used
// throughout the stage machine and the verdict/reporter timestamps.
func (e *Engine) nowUs() int64 {
	return time.Since(e.startMono).Microseconds()
}

func (e *Engine) nextSeq() int64 {
	e.seqCounter++
	return e.seqCounter
}

// enqueue schedules h for its next stage-advancing step on a future tick.
func (e *Engine) enqueue(h TxnHandle) {
	e.ready = append(e.ready, h)
}

// tick runs exactly one iteration of the four-step algorithm from
// spec.md §4.G: poll for readiness first (blocking briefly only when
// there's no ready work), then drain verdicts, drain accepts, and drive the
// ready queue.
func (e *Engine) tick() {
	timeout := e.cfg.idleSleepMs
	if len(e.ready) > 0 {
		timeout = 0
	}

	if timeout > 0 {
		e.state.Store(StateSleeping)
	}
	if _, err := e.poller.PollIO(timeout); err != nil && e.logger != nil {
		e.logger.Warning().Err(err).Log("poll error")
	}
	e.state.Store(StateRunning)

	e.drainVerdicts()
	e.drainAccepts()
	e.processReady()
}

// drainVerdicts applies every verdict queued since the last tick: marking
// VerdictSet, demoting any matching in-flight AwaitingResponse transaction,
// and issuing at most one pool.Cycle() for the whole batch (spec.md §4.E,
// §4.G: "at most one cycle() call per tick").
func (e *Engine) drainVerdicts() {
	msgs := e.verdictListener.Drain()
	if len(msgs) == 0 {
		return
	}

	cycleNeeded := false
	for _, m := range msgs {
		e.verdicts.Mark(m.id, m.arrivalUs, e.nextSeq())

		e.arena.ForEachOccupied(func(h TxnHandle, t *Transaction) {
			if t.ID == m.id && t.Stage == AwaitingResponse && t.UpstreamKind == UpstreamTrusted {
				e.demote(h, t)
				cycleNeeded = true
			}
		})
	}

	if cycleNeeded {
		if err := e.pool.Cycle(context.Background(), e.nowUs()); err == nil {
			e.metrics.cycles.Inc()
		} else if !errors.Is(err, ErrCycleInFlight) && e.logger != nil {
			e.logger.Warning().Err(err).Log("replica cycle failed")
		}
	}
}

// drainAccepts drains the frontend listener's backlog (non-blocking accept,
// repeated until ErrWouldBlock), allocating a transaction per connection
// and registering its client descriptor for read-readiness.
func (e *Engine) drainAccepts() {
	for {
		fd, err := acceptTCP(e.frontendFD)
		if err == ErrWouldBlock {
			return
		}
		if err != nil {
			if e.logger != nil {
				e.logger.Warning().Err(err).Log("accept error")
			}
			return
		}

		h, t, aerr := e.arena.Alloc()
		if aerr != nil {
			closeSocket(fd)
			if e.logger != nil {
				e.logger.Warning().Err(aerr).Log("refused accept: arena exhausted")
			}
			continue
		}

		t.ClientFD = fd
		t.TAccept = e.nowUs()
		t.Stage = ReadingRequest
		e.metrics.accepted.Inc()

		if rerr := e.ensureClientInterest(t, EventRead, func(PollEvents) { e.enqueue(h) }); rerr != nil {
			if e.logger != nil {
				e.logger.Warning().Err(rerr).Log("register client fd failed")
			}
			e.closeDescriptors(t)
			_ = e.arena.Free(h)
			continue
		}
	}
}

// processReady drives every transaction enqueued since the last drain
// exactly one round through stepTransaction. Swapping e.ready to a fresh
// slice before iterating (rather than truncating in place) means a step
// that re-enqueues its own handle — e.g. a demotion — lands in next tick's
// batch instead of corrupting the one currently being walked.
func (e *Engine) processReady() {
	if len(e.ready) == 0 {
		return
	}
	batch := e.ready
	e.ready = make([]TxnHandle, 0, cap(batch))

	for _, h := range batch {
		t, err := e.arena.Get(h)
		if err != nil {
			continue // stale: already finished/dropped this tick
		}
		e.stepTransaction(h, t)
	}
}

// finishTransaction runs the normal (non-dropped) completion path: emit the
// collector tuples under the reporter's admission policy, clear the
// verdict entry, release both descriptors, record latency, and free the
// arena slot (spec.md §4.F, §4.C).
func (e *Engine) finishTransaction(h TxnHandle, t *Transaction) {
	if emitted := e.reporter.EmitTransaction(t); emitted {
		e.metrics.reportsEmitted.Inc()
	} else {
		e.metrics.reportsSuppressed.Inc()
	}

	if t.ID >= 0 {
		e.verdicts.Clear(t.ID)
	}

	e.closeDescriptors(t)
	e.metrics.transactionLatency.Observe(float64(t.TReplyDone-t.TAccept) / 1e6)

	if err := e.arena.Free(h); err != nil && e.logger != nil {
		e.logger.Warning().Err(err).Log("free arena slot")
	}
}
