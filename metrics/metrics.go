// Package metrics wires the ambient observability surface (spec.md §5,
// carried regardless of the Non-goals, which scope out QoS/admission
// control, not telemetry) via github.com/prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SlicesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mooncake",
		Subsystem: "xport",
		Name:      "slices_posted_total",
		Help:      "Slices handed to ibv_post_send (or its TCP-transport analogue).",
	})
	SlicesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mooncake",
		Subsystem: "xport",
		Name:      "slices_completed_total",
		Help:      "Slices that reached a terminal status.",
	}, []string{"status"})
	SliceRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mooncake",
		Subsystem: "xport",
		Name:      "slice_retries_total",
		Help:      "Slice re-queues after a failed post or completion.",
	})
	BatchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mooncake",
		Subsystem: "xport",
		Name:      "batches_in_flight",
		Help:      "Batches allocated but not yet freed.",
	})
	ReplicaStatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mooncake",
		Subsystem: "replica",
		Name:      "status_transitions_total",
		Help:      "Replica status transitions, by resulting status.",
	}, []string{"status"})
	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mooncake",
		Subsystem: "store",
		Name:      "op_duration_seconds",
		Help:      "put/get/remove/replicate latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

// Registry is a private registry so multiple engines in one process
// (e.g. under test) don't collide on the default global registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(SlicesPosted, SlicesCompleted, SliceRetries, BatchesInFlight, ReplicaStatusTransitions, StoreOpDuration)
}
