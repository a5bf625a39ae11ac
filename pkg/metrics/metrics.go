package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by queue and priority",
		},
		[]string{"queue", "priority"},
	)

	TasksDequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_dequeued_total",
			Help: "Total number of tasks checked out by queue and priority",
		},
		[]string{"queue", "priority"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_completed_total",
			Help: "Total number of tasks completed by queue and priority",
		},
		[]string{"queue", "priority"},
	)

	TasksRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_requeued_total",
			Help: "Total number of task requeues by queue",
		},
		[]string{"queue"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_failed_total",
			Help: "Total number of terminally failed tasks by queue",
		},
		[]string{"queue"},
	)

	DedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_dedup_hits_total",
			Help: "Total number of enqueues rejected as duplicates by queue",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Pending tasks by queue and priority",
		},
		[]string{"queue", "priority"},
	)

	StarvationOverrides = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_starvation_overrides_total",
			Help: "Times a tier was force-served past its starvation threshold",
		},
		[]string{"queue", "priority"},
	)

	// Lock metrics
	LocksAcquired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_locks_acquired_total",
			Help: "Total number of file locks granted by mode (normal or forced)",
		},
		[]string{"mode"},
	)

	LockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_lock_contention_total",
			Help: "Total number of lock acquisitions refused because another agent holds the lock",
		},
	)

	LockRenewals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_lock_renewals_total",
			Help: "Total number of lease renewals",
		},
	)

	LocksReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_locks_released_total",
			Help: "Total number of lock releases",
		},
	)

	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_agents_total",
			Help: "Registered agents by status",
		},
		[]string{"status"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_heartbeats_total",
			Help: "Total number of heartbeats recorded",
		},
	)

	AgentsMarkedUnreachable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_agents_marked_unreachable_total",
			Help: "Total number of agents declared dead by the janitor",
		},
	)

	// Janitor metrics
	JanitorSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_janitor_sweeps_total",
			Help: "Total number of janitor sweep cycles",
		},
	)

	JanitorSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_janitor_sweep_duration_seconds",
			Help:    "Janitor sweep cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_recovered_total",
			Help: "Tasks put back on a tier by the janitor, by cause",
		},
		[]string{"cause"},
	)

	// Consensus metrics
	ConsensusRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_consensus_requests_total",
			Help: "Total number of consensus requests opened",
		},
	)

	ConsensusVotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_consensus_votes_total",
			Help: "Total number of ballots by outcome (approve or reject)",
		},
		[]string{"ballot"},
	)

	ConsensusDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_consensus_decisions_total",
			Help: "Total number of terminal consensus outcomes by status",
		},
		[]string{"status"},
	)

	// Model invocation metrics
	Invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_invocations_total",
			Help: "Total number of model invocations by result",
		},
		[]string{"result"},
	)

	InvocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_invocation_duration_seconds",
			Help:    "Model invocation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Todo pool metrics
	TodosScavenged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_todos_scavenged_total",
			Help: "Total number of todos pulled from the shared pool by idle agents",
		},
	)

	// Store metrics
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_store_op_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TasksDequeued)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksRequeued)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(DedupHits)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(StarvationOverrides)
	prometheus.MustRegister(LocksAcquired)
	prometheus.MustRegister(LockContention)
	prometheus.MustRegister(LockRenewals)
	prometheus.MustRegister(LocksReleased)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(AgentsMarkedUnreachable)
	prometheus.MustRegister(JanitorSweeps)
	prometheus.MustRegister(JanitorSweepDuration)
	prometheus.MustRegister(TasksRecovered)
	prometheus.MustRegister(ConsensusRequests)
	prometheus.MustRegister(ConsensusVotes)
	prometheus.MustRegister(ConsensusDecisions)
	prometheus.MustRegister(Invocations)
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(TodosScavenged)
	prometheus.MustRegister(StoreOpDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
