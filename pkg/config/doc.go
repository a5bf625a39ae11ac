/*
Package config resolves process configuration for Drover agents, janitors,
and CLI tooling.

Configuration has three layers, lowest precedence first:

 1. Built-in defaults (Defaults)
 2. Environment variables (FromEnv)
 3. CLI flags set by cmd/drover

The environment surface:

	STORE_URL                shared store connection string
	AGENT_ID                 worker identity (generated when empty)
	AGENT_TYPE               default queue, typically a model identifier
	QUEUES                   comma-separated queue list
	HEARTBEAT_INTERVAL_MS    liveness beacon period (default 30000)
	TASK_TIMEOUT_MS          per-task deadline (default 600000)
	DEDUP_TTL_SEC            duplicate-enqueue rejection window (default 300)
	STARVATION_THRESHOLD_MS  max wait before a tier is force-served (default 300000)
	MAX_ATTEMPTS             requeues before a task is terminally failed (default 3)
	DEQUEUE_BLOCK_MS         dequeue wait bound (default 1000)
	SCAVENGER_INTERVAL_MS    idle todo-pool poll period (default 10000)
	API_ADDR                 observability HTTP listen address
	DATA_DIR                 local state directory
	RULES_FILE               priority-rules YAML path
	LOG_LEVEL                debug|info|warn|error

Derived values are methods, not fields: UnreachableThreshold is three missed
heartbeats and LockTTL is the task timeout plus a one-minute margin.

# Priority rules

The optional rules file classifies tasks that arrive without an explicit
priority and can override the weight ladder:

	weights:
	  high: 6
	rules:
	  - type: hotfix
	    priority: critical
	  - file_prefix: src/auth/
	    priority: high
	  - keyword: cleanup
	    priority: low

Rules are ordered, first match wins. RulesWatcher serves the active policy
and reloads it on SIGHUP or when the file changes on disk; swaps are atomic
and a failed parse keeps the previous policy.
*/
package config
