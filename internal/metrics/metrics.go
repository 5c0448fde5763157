// Package metrics publishes package-level Prometheus collectors for the
// control plane's core subsystems. Mounting a /metrics handler is an
// HTTP-ingress concern and out of scope; this package only exposes the
// Registry and the record* calls the reconciler and lifecycle
// manager invoke.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry holds the control plane's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	proxyHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "proxy",
			Name:      "healthy",
			Help:      "Whether a declared proxy's container is running (1) or not (0).",
		},
		[]string{"proxy_id", "proxy_name"},
	)

	lifecycleSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "lifecycle",
			Name:      "step_total",
			Help:      "Count of server lifecycle steps grouped by step name and outcome.",
		},
		[]string{"step", "outcome"},
	)

	lifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "controlplane",
			Subsystem: "lifecycle",
			Name:      "step_duration_seconds",
			Help:      "Duration of server lifecycle steps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"step"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Count of ensure-fleet passes grouped by outcome.",
		},
		[]string{"outcome"},
	)

	portAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "portarbiter",
			Name:      "allocations_total",
			Help:      "Count of port allocation attempts grouped by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		proxyHealthy,
		lifecycleSteps,
		lifecycleDuration,
		reconcileRuns,
		portAllocations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// RecordProxyHealth sets the healthy gauge for one declared proxy.
func RecordProxyHealth(proxyID, proxyName string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	proxyHealthy.WithLabelValues(proxyID, proxyName).Set(v)
}

// RecordLifecycleStep records a single lifecycle step's outcome and duration.
func RecordLifecycleStep(step string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	lifecycleSteps.WithLabelValues(step, outcome).Inc()
	lifecycleDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordReconcileRun records the outcome of one ensure-fleet pass.
func RecordReconcileRun(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	reconcileRuns.WithLabelValues(outcome).Inc()
}

// RecordPortAllocation records the outcome of one port allocation attempt.
func RecordPortAllocation(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	portAllocations.WithLabelValues(outcome).Inc()
}
