// Package metrics exposes the Prometheus instrumentation shared by every
// worker in the background fabric: the work-item queue, the download state
// machine, the circuit breakers and the library coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vinylsync_circuit_breaker_state",
		Help: "Circuit breaker state by component (1 for the active state, 0 otherwise)",
	}, []string{"component", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"component", "reason"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vinylsync_queue_depth",
		Help: "Number of work items by status",
	}, []string{"status"})

	queueDequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_queue_dequeued_total",
		Help: "Total work items dequeued by type",
	}, []string{"type"})

	queueCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_queue_completed_total",
		Help: "Total work items completed by type and outcome",
	}, []string{"type", "outcome"})

	queueStaleReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_queue_stale_reclaimed_total",
		Help: "Total work items reclaimed from a stale lease",
	}, []string{"type"})

	downloadsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vinylsync_downloads_by_status",
		Help: "Number of downloads currently in each status",
	}, []string{"status"})

	downloadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_download_failures_total",
		Help: "Total download failures by error code",
	}, []string{"error_code"})

	blocklistEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_blocklist_entries_total",
		Help: "Total blocklist entries created by scope",
	}, []string{"scope"})

	coordinatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_coordinator_task_runs_total",
		Help: "Total coordinator task runs by task type and outcome",
	}, []string{"task_type", "outcome"})

	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vinylsync_token_refresh_total",
		Help: "Total token refresh attempts by service and outcome",
	}, []string{"service", "outcome"})

	workerHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vinylsync_worker_healthy",
		Help: "1 if the named worker reports healthy, 0 otherwise",
	}, []string{"worker"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(component, reason string) {
	circuitBreakerTrips.WithLabelValues(component, reason).Inc()
}

// SetQueueDepth records the number of work items currently in a given status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordDequeue increments the dequeue counter for a work-item type.
func RecordDequeue(itemType string) {
	queueDequeued.WithLabelValues(itemType).Inc()
}

// RecordQueueCompletion records a terminal queue outcome ("completed" or "failed").
func RecordQueueCompletion(itemType, outcome string) {
	queueCompleted.WithLabelValues(itemType, outcome).Inc()
}

// RecordStaleReclaim increments the stale-lease reclaim counter for a type.
func RecordStaleReclaim(itemType string) {
	queueStaleReclaimed.WithLabelValues(itemType).Inc()
}

// SetDownloadsByStatus records the gauge of downloads in a given status.
func SetDownloadsByStatus(status string, n int) {
	downloadsByStatus.WithLabelValues(status).Set(float64(n))
}

// RecordDownloadFailure increments the failure counter for an error code.
func RecordDownloadFailure(errorCode string) {
	downloadFailures.WithLabelValues(errorCode).Inc()
}

// RecordBlocklistEntry increments the blocklist-creation counter for a scope.
func RecordBlocklistEntry(scope string) {
	blocklistEntries.WithLabelValues(scope).Inc()
}

// RecordCoordinatorRun increments the coordinator task-run counter.
func RecordCoordinatorRun(taskType, outcome string) {
	coordinatorRuns.WithLabelValues(taskType, outcome).Inc()
}

// RecordTokenRefresh increments the token-refresh counter by service and outcome.
func RecordTokenRefresh(service, outcome string) {
	tokenRefreshes.WithLabelValues(service, outcome).Inc()
}

// SetWorkerHealthy records the health gauge for a named worker.
func SetWorkerHealthy(worker string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	workerHealth.WithLabelValues(worker).Set(v)
}
