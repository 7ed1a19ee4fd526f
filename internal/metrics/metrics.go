// Package metrics holds the Prometheus collectors exported by the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ddiagent"

var (
	// Allocations counts strategy operations by strategy, operation and result
	Allocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_operations_total",
		Help:      "IP allocation strategy operations.",
	}, []string{"strategy", "operation", "result"})

	// Conflicts counts backend conflicts that triggered a reconcile pass
	Conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_conflicts_total",
		Help:      "Directory backend conflicts retried by reconciliation.",
	})

	// OwnershipRefusals counts deletes refused because the object is not owned
	OwnershipRefusals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ownership_refusals_total",
		Help:      "Deletes refused because the object is not owned by the agent.",
	}, []string{"kind"})

	// Reservations counts member reservations by service and whether they
	// were created or reused
	Reservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "member_reservations_total",
		Help:      "Member reservations by service and outcome.",
	}, []string{"service", "outcome"})

	// Events times host-plane lifecycle event handling
	Events = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_duration_seconds",
		Help:      "Lifecycle event handling latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event", "result"})
)

// Register adds every collector to reg
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{Allocations, Conflicts, OwnershipRefusals, Reservations, Events} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Result maps an error to the result label value
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
