package dataplane

import (
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
)

// engineOptions holds configuration assembled from EngineOption values
// before Engine construction. Adapted from the teacher's functional-options
// pattern (eventloop/options.go: loopOptions/LoopOption → engineOptions/
// EngineOption), generalized from a fixed set of loop tuning knobs to this
// engine's full set of wiring points (addresses, pool, quotas, logger).
type engineOptions struct {
	frontendAddr  [4]byte
	frontendPort  int
	verdictAddr   [4]byte
	verdictPort   int
	replicaPorts  []int
	sandboxAddr   [4]byte
	sandboxPort   int
	collectorAddr [4]byte
	collectorPort int
	latencyAddr   [4]byte
	latencyPort   int

	maxMessage   int
	reportQuota  int
	arenaCap     int
	idleSleepMs  int
	cycleWindow  int64 // microseconds

	supervisor WorkerSupervisor
	replicaExec string
	replicaArgs []string

	logger  *logiface.Logger[*izerolog.Event]
	metrics *Metrics
}

// EngineOption configures an Engine at construction time.
type EngineOption interface {
	applyEngine(*engineOptions)
}

type engineOptionFunc func(*engineOptions)

func (f engineOptionFunc) applyEngine(o *engineOptions) { f(o) }

// WithFrontend sets the client-facing listen address.
func WithFrontend(addr [4]byte, port int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.frontendAddr, o.frontendPort = addr, port })
}

// WithVerdictChannel sets the verdict listener's address.
func WithVerdictChannel(addr [4]byte, port int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.verdictAddr, o.verdictPort = addr, port })
}

// WithReplicaPorts sets the trusted replica pool's loopback ports; len
// determines N.
func WithReplicaPorts(ports []int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.replicaPorts = ports })
}

// WithSandbox sets the sandbox upstream's address.
func WithSandbox(addr [4]byte, port int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.sandboxAddr, o.sandboxPort = addr, port })
}

// WithCollector sets the UDP tuple collector's address.
func WithCollector(addr [4]byte, port int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.collectorAddr, o.collectorPort = addr, port })
}

// WithLatencyCollector sets the downstream TCP latency-report endpoint.
func WithLatencyCollector(addr [4]byte, port int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.latencyAddr, o.latencyPort = addr, port })
}

// WithMaxMessage overrides MaxMessage for tests that want a tighter bound.
func WithMaxMessage(n int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.maxMessage = n })
}

// WithReportQuota overrides the reporter's unconditional-emission count K.
func WithReportQuota(k int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.reportQuota = k })
}

// WithArenaCapacity overrides the transaction arena's slot count.
func WithArenaCapacity(n int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.arenaCap = n })
}

// WithIdleSleep overrides the idle poll timeout, in milliseconds.
func WithIdleSleep(ms int) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.idleSleepMs = ms })
}

// WithCycleCoalesceWindow overrides the duration, in microseconds, during
// which repeated cycle() calls collapse into one.
func WithCycleCoalesceWindow(us int64) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.cycleWindow = us })
}

// WithWorkerSupervisor overrides the replica process-lifecycle
// implementation; tests use this to inject fakeSupervisor.
func WithWorkerSupervisor(s WorkerSupervisor) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.supervisor = s })
}

// WithReplicaExec sets the executable and arguments used to spawn trusted
// replicas (spec.md §4.D: "concrete executable path and arguments are
// configuration, not part of the core").
func WithReplicaExec(path string, args []string) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.replicaExec, o.replicaArgs = path, args })
}

// WithLogger attaches a structured logger; see internal/obslog.
func WithLogger(l *logiface.Logger[*izerolog.Event]) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.logger = l })
}

// WithMetrics attaches a Prometheus metrics registry wrapper; see metrics.go.
func WithMetrics(m *Metrics) EngineOption {
	return engineOptionFunc(func(o *engineOptions) { o.metrics = m })
}

func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		frontendAddr: [4]byte{0, 0, 0, 0},
		frontendPort: 8880,
		verdictAddr:  [4]byte{0, 0, 0, 0},
		verdictPort:  9002,
		replicaPorts: []int{8881, 8882, 8883, 8884},
		sandboxAddr:  [4]byte{127, 0, 0, 1},
		sandboxPort:  8099,
		collectorAddr: [4]byte{127, 0, 0, 1},
		collectorPort: 9003,
		latencyAddr:  [4]byte{127, 0, 0, 1},
		latencyPort:  9004,

		maxMessage:  MaxMessage,
		reportQuota: 1000,
		arenaCap:    4096,
		idleSleepMs: 1,
		cycleWindow: 50000, // 50ms coalescing window

		replicaExec: "node",
		replicaArgs: nil,
	}
}

func resolveEngineOptions(opts []EngineOption) *engineOptions {
	cfg := defaultEngineOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyEngine(cfg)
	}
	return cfg
}
