package dataplane

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the proxy's self-observability surface (SPEC_FULL.md §4.I):
// counters and a latency histogram describing the data-plane's own
// behavior, distinct from the external telemetry collector that receives
// per-transaction tuples. Grounded on the cobra/prometheus service-metrics
// conventions used by Sentinel-Gate-Sentinelgate and caddyserver-caddy for
// their own admin surfaces — the teacher monorepo, being a set of
// libraries, has no analogous self-metrics surface of its own.
type Metrics struct {
	accepted            prometheus.Counter
	dropped             prometheus.Counter
	demotions           prometheus.Counter
	cycles              prometheus.Counter
	upstreamUnavailable prometheus.Counter
	reportsEmitted      prometheus.Counter
	reportsSuppressed   prometheus.Counter
	transactionLatency  prometheus.Histogram
}

// NewMetrics registers the proxy's counters/histogram against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarantine_proxy",
			Name:      "connections_accepted_total",
			Help:      "Total client connections accepted by the frontend listener.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarantine_proxy",
			Name:      "transactions_dropped_total",
			Help:      "Total transactions dropped due to parse failure, EOF, or fatal I/O error.",
		}),
		demotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarantine_proxy",
			Name:      "transactions_demoted_total",
			Help:      "Total transactions demoted from a trusted replica to the sandbox mid-flight.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarantine_proxy",
			Name:      "replica_cycles_total",
			Help:      "Total active-replica cycle operations performed.",
		}),
		upstreamUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarantine_proxy",
			Name:      "upstream_unavailable_total",
			Help:      "Total failed upstream connect attempts.",
		}),
		reportsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarantine_proxy",
			Name:      "reports_emitted_total",
			Help:      "Total transactions for which collector tuples were emitted.",
		}),
		reportsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarantine_proxy",
			Name:      "reports_suppressed_total",
			Help:      "Total transactions suppressed by the reporter's admission policy.",
		}),
		transactionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarantine_proxy",
			Name:      "transaction_duration_seconds",
			Help:      "Transaction duration from accept to reply-done.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.accepted,
		m.dropped,
		m.demotions,
		m.cycles,
		m.upstreamUnavailable,
		m.reportsEmitted,
		m.reportsSuppressed,
		m.transactionLatency,
	)
	return m
}
