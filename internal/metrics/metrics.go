// Package metrics exposes Prometheus collectors for pool, keepalive,
// and orchestrator events, re-keyed from the teacher's
// pkg/metrics/collector.go counter/gauge/histogram shape to this
// domain's events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every Prometheus metric the daemon exposes.
type Collectors struct {
	TasksLeased      prometheus.Counter
	TasksSucceeded   prometheus.Counter
	TasksFailed      prometheus.Counter
	TaskDuration     prometheus.Histogram

	KeepaliveAttempts  prometheus.Counter
	KeepaliveSuccesses prometheus.Counter
	KeepaliveFailures  prometheus.Counter

	CookieEnvelopesEnqueued prometheus.Counter
	CookieEnvelopesDropped  prometheus.Counter
	CookieBatchesDelivered  prometheus.Counter
	CookieBatchesAbandoned  prometheus.Counter

	PoolSaturations prometheus.Counter
	PoolContexts    prometheus.Gauge
	PoolProcesses   prometheus.Gauge
	PoolRecycles    prometheus.Counter

	AuthInvalidations prometheus.Counter
	ReloginAttempts   prometheus.Counter
	ReloginSuccesses  prometheus.Counter

	ProductResult *prometheus.CounterVec
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		TasksLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_tasks_leased_total",
			Help: "Total number of tasks leased from the coordinator.",
		}),
		TasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_tasks_succeeded_total",
			Help: "Total number of tasks reported SUCCEEDED.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_tasks_failed_total",
			Help: "Total number of tasks reported FAILED.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collector_task_duration_seconds",
			Help:    "Wall-clock duration of a single leased task.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		KeepaliveAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_keepalive_attempts_total",
			Help: "Total number of per-account keepalive attempts.",
		}),
		KeepaliveSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_keepalive_successes_total",
			Help: "Total number of successful keepalive attempts.",
		}),
		KeepaliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_keepalive_failures_total",
			Help: "Total number of failed keepalive attempts.",
		}),
		CookieEnvelopesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_cookie_envelopes_enqueued_total",
			Help: "Total number of cookie envelopes enqueued.",
		}),
		CookieEnvelopesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_cookie_envelopes_dropped_total",
			Help: "Total number of cookie envelopes dropped due to a full queue.",
		}),
		CookieBatchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_cookie_batches_delivered_total",
			Help: "Total number of cookie batches delivered to at least one endpoint.",
		}),
		CookieBatchesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_cookie_batches_abandoned_total",
			Help: "Total number of cookie batches that failed on every endpoint.",
		}),
		PoolSaturations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_pool_saturations_total",
			Help: "Total number of PoolSaturated errors returned by GetContext.",
		}),
		PoolContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_pool_contexts",
			Help: "Current number of active browser contexts.",
		}),
		PoolProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_pool_processes",
			Help: "Current number of launched browser processes.",
		}),
		PoolRecycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_pool_recycles_total",
			Help: "Total number of process slot rebuilds.",
		}),
		AuthInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_auth_invalidations_total",
			Help: "Total number of accounts reported invalid.",
		}),
		ReloginAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_relogin_attempts_total",
			Help: "Total number of re-login attempts.",
		}),
		ReloginSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_relogin_successes_total",
			Help: "Total number of successful re-login attempts.",
		}),
		ProductResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_product_result_total",
			Help: "Per-product extractor outcomes.",
		}, []string{"product", "status"}),
	}

	reg.MustRegister(
		c.TasksLeased, c.TasksSucceeded, c.TasksFailed, c.TaskDuration,
		c.KeepaliveAttempts, c.KeepaliveSuccesses, c.KeepaliveFailures,
		c.CookieEnvelopesEnqueued, c.CookieEnvelopesDropped, c.CookieBatchesDelivered, c.CookieBatchesAbandoned,
		c.PoolSaturations, c.PoolContexts, c.PoolProcesses, c.PoolRecycles,
		c.AuthInvalidations, c.ReloginAttempts, c.ReloginSuccesses,
		c.ProductResult,
	)
	return c
}
