package types

// Store key builders. Every pattern here is part of the wire contract with
// dashboards and CLIs and must not change shape.

const (
	// AgentIndexKey is the set of all registered agent ids.
	AgentIndexKey = "agents:index"

	// ConsensusRequestsKey maps request id to the serialised request record.
	ConsensusRequestsKey = "consensus:requests"
	// ConsensusPendingKey scores pending request ids by expiry (unix ms).
	ConsensusPendingKey = "consensus:pending"

	// TodoKey is the global idle-scavenger pool.
	TodoKey            = "queue:todos"
	TodoProcessingKey  = "queue:todos:processing"
	TodoCompletedKey   = "queue:todos:completed"
	TodoAssignmentsKey = "queue:todos:assignments"
)

// LegacyQueueKey is the flat pre-tier queue, consumed only by migration.
func LegacyQueueKey(queue string) string { return "queue:" + queue }

// TierKey is the list of tasks pending in one priority tier. Tasks are
// pushed at the head and served from the tail.
func TierKey(queue string, p Priority) string {
	return "queue:" + queue + ":p:" + string(p)
}

// PrioritiesKey is the set of priorities with (possibly) pending work.
func PrioritiesKey(queue string) string { return "queue:" + queue + ":priorities" }

// WeightsKey is the sorted set scoring each active priority by weight.
func WeightsKey(queue string) string { return "queue:" + queue + ":priority_weights" }

// StatKey is a per-(queue, stat, priority) counter with a 24h TTL.
// stat is one of "enqueued", "dequeued", "avg_time", "count".
func StatKey(queue, stat string, p Priority) string {
	return "queue:" + queue + ":stats:" + stat + ":" + string(p)
}

// ProcessingKey is the list of tasks checked out by workers.
func ProcessingKey(queue string) string { return "processing:" + queue }

// ProcessingMetaKey is the hash of task id to checkout metadata for the
// processing list.
func ProcessingMetaKey(queue string) string { return "processing:" + queue + ":meta" }

// FailedKey is the list of terminally failed tasks.
func FailedKey(queue string) string { return "queue:" + queue + ":failed" }

// CompletedKey is the hash of task id to completion record.
func CompletedKey(queue string) string { return "queue:" + queue + ":completed" }

// SchedKey is the hash holding the queue's fair-scheduler state: the tick
// counter and the last-served timestamp per priority.
func SchedKey(queue string) string { return "queue:" + queue + ":sched" }

// DedupKey is the short-lived marker rejecting duplicate enqueues.
func DedupKey(queue, fingerprint string) string {
	return "dedup:" + queue + ":" + fingerprint
}

// LockKey is the leased lock record for one file path.
func LockKey(path string) string { return "lock:" + path }

// AgentKey is the hash holding one agent's registry record.
func AgentKey(id string) string { return "agent:" + id }

// AgentStatusKey is the hot status field, refreshed with a TTL of three
// heartbeat intervals.
func AgentStatusKey(id string) string { return "agent:" + id + ":status" }

// AgentTaskKey is the hot current-task field, same TTL as the status key.
func AgentTaskKey(id string) string { return "agent:" + id + ":current_task" }

// AgentLocksKey is the set of file paths the agent currently holds.
func AgentLocksKey(id string) string { return "agent:" + id + ":locks" }

// MetricsKey is the hash of aggregated operation counters for one component.
func MetricsKey(component string) string { return "metrics:" + component }
