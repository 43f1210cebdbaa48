// Package metrics exposes Prometheus counters for the catalog pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/catalog-sync/internal/model"
)

const namespace = "catalog"

// RunsTotal counts runs reaching a terminal status.
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Runs that reached a terminal status.",
	},
	[]string{"vendor", "status"},
)

// RecordsTotal counts records by pipeline outcome.
var RecordsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Records by outcome: extracted, staged, skipped, inserted, updated, unchanged, deferred.",
	},
	[]string{"vendor", "outcome"},
)

// UnknownsTotal counts distinct unknown keys recorded per run.
var UnknownsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unknown_entities_total",
		Help:      "Unknown supplier codes sighted, counted once per run.",
	},
	[]string{"vendor"},
)

// DeferredTotal counts deferred mutations by kind and replay result.
var DeferredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deferred_mutations_total",
		Help:      "Deferred mutations by kind and result: queued, applied, dropped, rescheduled, parked.",
	},
	[]string{"kind", "result"},
)

// ReconciledTotal counts runs settled by the reconciliation sweep.
var ReconciledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciled_runs_total",
		Help:      "Stuck runs settled by the reconciliation sweep.",
	},
	[]string{"status"},
)

// RunDuration observes the wall time of processed runs.
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Duration from run start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	},
	[]string{"vendor"},
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(UnknownsTotal)
	prometheus.MustRegister(DeferredTotal)
	prometheus.MustRegister(ReconciledTotal)
	prometheus.MustRegister(RunDuration)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records the counters of a run that reached a terminal status.
func ObserveRun(run *model.Run) {
	RunsTotal.WithLabelValues(run.Vendor, string(run.Status)).Inc()

	m := run.Metrics
	for outcome, n := range map[string]int{
		"extracted": m.Extracted,
		"staged":    m.Staged,
		"skipped":   m.Skipped,
		"inserted":  m.Inserted,
		"updated":   m.Updated,
		"unchanged": m.Unchanged,
		"deferred":  m.Deferred,
	} {
		if n > 0 {
			RecordsTotal.WithLabelValues(run.Vendor, outcome).Add(float64(n))
		}
	}
	if m.Unknown > 0 {
		UnknownsTotal.WithLabelValues(run.Vendor).Add(float64(m.Unknown))
	}
	if d := run.Duration(); d > 0 {
		RunDuration.WithLabelValues(run.Vendor).Observe(d.Seconds())
	}
}

// ObserveDeferred counts one deferred mutation event.
func ObserveDeferred(kind model.MutationKind, result string) {
	DeferredTotal.WithLabelValues(string(kind), result).Inc()
}

// ObserveReconciled counts one reconciled run.
func ObserveReconciled(status model.RunStatus) {
	ReconciledTotal.WithLabelValues(string(status)).Inc()
}

