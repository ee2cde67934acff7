// Package observability provides Prometheus metrics instrumentation for autoforge.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// CYCLE METRICS
// =============================================================================

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_cycles_total",
			Help: "Total number of modification cycles by outcome",
		},
		[]string{"outcome", "isolated"}, // outcome: Promoted, RevertedLocal, RevertedToBackup, Failed
	)

	cycleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoforge_cycle_duration_seconds",
			Help:    "Modification cycle duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"outcome"},
	)

	gateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_gate_failures_total",
			Help: "Cycles stopped at an evaluation or execution gate",
		},
		[]string{"gate"}, // gate: snapshot, analyze, implement, syntax, self_test, critique, promote, cancelled
	)

	promotionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_promotion_failures_total",
			Help: "Promotion writes that failed, by resulting artifact state",
		},
		[]string{"artifact_state"},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_rollbacks_total",
			Help: "Nth-backup rollbacks",
		},
		[]string{"status"}, // status: success, error
	)
)

// =============================================================================
// COLLABORATOR METRICS
// =============================================================================

var (
	collaboratorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_collaborator_calls_total",
			Help: "Calls to external content-generation and critique collaborators",
		},
		[]string{"collaborator", "op", "status"}, // status: success, transient, error
	)

	collaboratorDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoforge_collaborator_duration_seconds",
			Help:    "Collaborator call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"collaborator", "op"},
	)
)

// =============================================================================
// ORCHESTRATOR METRICS
// =============================================================================

var (
	campaignsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_campaigns_total",
			Help: "Backlog items executed by the orchestrator, by terminal status",
		},
		[]string{"status"},
	)

	campaignDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoforge_campaign_duration_seconds",
			Help:    "Orchestrator execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"status"},
	)

	backlogItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoforge_backlog_items",
			Help: "Backlog items by status",
		},
		[]string{"status"},
	)

	cyclesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoforge_cycles_in_flight",
			Help: "Engine executions currently holding a concurrency permit",
		},
	)

	busMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_bus_messages_total",
			Help: "Messages carried by the event bus",
		},
		[]string{"category", "type", "status"}, // status: success, error
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoforge_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoforge_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordCycle records the outcome of one modification cycle.
func RecordCycle(outcome string, isolated bool, durationMS int64) {
	iso := "false"
	if isolated {
		iso = "true"
	}
	cyclesTotal.WithLabelValues(outcome, iso).Inc()
	cycleDurationSeconds.WithLabelValues(outcome).Observe(float64(durationMS) / 1000.0)
}

// RecordGateFailure records a cycle stopped at gate.
func RecordGateFailure(gate string) {
	gateFailuresTotal.WithLabelValues(gate).Inc()
}

// RecordPromotionFailure records a failed promotion and where restoration left the artifact.
func RecordPromotionFailure(artifactState string) {
	promotionFailuresTotal.WithLabelValues(artifactState).Inc()
}

// RecordRollback records an Nth-backup rollback.
func RecordRollback(status string) {
	rollbacksTotal.WithLabelValues(status).Inc()
}

// RecordCollaboratorCall records one attempt against an external collaborator.
func RecordCollaboratorCall(collaborator, op, status string, durationMS int64) {
	collaboratorCallsTotal.WithLabelValues(collaborator, op, status).Inc()
	collaboratorDurationSeconds.WithLabelValues(collaborator, op).Observe(float64(durationMS) / 1000.0)
}

// RecordCampaign records an orchestrator execution reaching a terminal status.
func RecordCampaign(status string, durationMS int64) {
	campaignsTotal.WithLabelValues(status).Inc()
	campaignDurationSeconds.WithLabelValues(status).Observe(float64(durationMS) / 1000.0)
}

// SetBacklogCounts replaces the backlog gauge with counts by status.
// Statuses missing from counts are reported as zero.
func SetBacklogCounts(statuses []string, counts map[string]int) {
	for _, s := range statuses {
		backlogItems.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// CycleStarted marks an engine execution as holding a permit.
func CycleStarted() { cyclesInFlight.Inc() }

// CycleFinished releases what CycleStarted recorded.
func CycleFinished() { cyclesInFlight.Dec() }

// RecordBusMessage records a message outcome on the event bus.
// Its signature matches commbus.ObserveFunc.
func RecordBusMessage(category, messageType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	busMessagesTotal.WithLabelValues(category, messageType, status).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
