package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/graphrun/pkg/schema"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrun_executions_total",
			Help: "Total number of executions reaching a terminal state.",
		},
		[]string{"status"},
	)

	executionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphrun_executions_in_flight",
			Help: "Number of executions currently queued on the remote backend.",
		},
	)

	executionProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphrun_execution_progress",
			Help: "Progress fraction of the current execution, 0 to 1.",
		},
	)

	submitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphrun_submit_seconds",
			Help:    "Duration of workflow submission to the remote queue, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionsInFlight)
	prometheus.MustRegister(executionProgress)
	prometheus.MustRegister(submitDuration)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, status := range []schema.ExecutionStatus{schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled} {
		executionsTotal.WithLabelValues(string(status))
	}
}

// registerMetricsHooks wires the prometheus collectors into the FSM so every
// terminal transition is counted no matter which code path triggered it.
func registerMetricsHooks(fsm *ExecutionFSM) {
	for from := range ValidTransitions {
		for _, to := range ValidTransitions[from] {
			switch {
			case to == schema.StatusExecuting && from != schema.StatusExecuting:
				fsm.OnAfter(from, to, func(_, _ schema.ExecutionStatus) error {
					executionsInFlight.Inc()
					return nil
				})
			case to.Terminal():
				fsm.OnAfter(from, to, func(from, to schema.ExecutionStatus) error {
					// Idle -> Failed never incremented the in-flight gauge.
					if from == schema.StatusExecuting {
						executionsInFlight.Dec()
					}
					executionsTotal.WithLabelValues(string(to)).Inc()
					return nil
				})
			}
		}
	}
}
