package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcoord_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"priority"},
	)
	TasksClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcoord_tasks_claimed_total",
			Help: "Total number of successful task claims",
		},
	)
	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcoord_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)
	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcoord_tasks_failed_total",
			Help: "Total number of task failures",
		},
	)
	TasksEscalatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcoord_tasks_escalated_total",
			Help: "Total number of tasks escalated",
		},
	)
	TasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcoord_tasks_reclaimed_total",
			Help: "Total number of tasks reclaimed from hung agents",
		},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcoord_queue_depth",
			Help: "Number of tasks in the pending queue",
		},
	)
	LockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcoord_lock_conflicts_total",
			Help: "Total number of lock acquisitions denied by conflict",
		},
	)
	AgentsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcoord_agents_live",
			Help: "Number of agents with a fresh heartbeat",
		},
	)
	WorkersSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcoord_workers_spawned_total",
			Help: "Total number of workers spawned by mode",
		},
		[]string{"mode"},
	)
	ClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcoord_claim_duration_seconds",
			Help:    "Latency of the atomic claim operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// InitMetrics registers coordination metrics with the default registry.
// Call once per process before serving /metrics.
func InitMetrics() {
	prometheus.MustRegister(
		TasksCreatedTotal,
		TasksClaimedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TasksEscalatedTotal,
		TasksReclaimedTotal,
		QueueDepth,
		LockConflictsTotal,
		AgentsLive,
		WorkersSpawnedTotal,
		ClaimDuration,
	)
}
