/*
Package metrics provides Prometheus metrics collection and exposition for Drover.

The metrics package defines and registers all Drover metrics using the Prometheus
client library, providing observability into queue throughput, lock contention,
agent liveness, consensus outcomes, and model invocation latency. Metrics are
exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

Drover's metrics system follows Prometheus best practices:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Queue: enqueues, dequeues, depth, dedup    │          │
	│  │  Locks: grants, contention, renewals        │          │
	│  │  Agents: counts by status, heartbeats       │          │
	│  │  Consensus: requests, votes, decisions      │          │
	│  │  Invocations: count by result, duration     │          │
	│  │  Store: operation duration                  │          │
	│  │  API: request count, duration               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

Counters are incremented inline by the owning packages. Gauges that mirror
store state (queue depth, agents by status) are refreshed by the Collector,
which polls the store every 15 seconds through narrow interfaces.

# Metrics Catalog

Queue Metrics:

drover_tasks_enqueued_total{queue, priority}:
  - Type: Counter
  - Description: Tasks accepted into a tier (dedup rejections not counted)

drover_tasks_dequeued_total{queue, priority}:
  - Type: Counter
  - Description: Tasks checked out by workers

drover_tasks_completed_total{queue, priority}:
  - Type: Counter
  - Description: Tasks finished and removed from processing

drover_tasks_requeued_total{queue}:
  - Type: Counter
  - Description: Tasks re-inserted after a failure or lock conflict

drover_tasks_failed_total{queue}:
  - Type: Counter
  - Description: Tasks that exhausted max attempts

drover_dedup_hits_total{queue}:
  - Type: Counter
  - Description: Enqueues rejected because an identical task was in flight

drover_queue_depth{queue, priority}:
  - Type: Gauge
  - Description: Pending tasks per tier, refreshed by the Collector

drover_starvation_overrides_total{queue, priority}:
  - Type: Counter
  - Description: Tiers force-served past the starvation threshold

Lock Metrics:

drover_locks_acquired_total{mode}:
  - Type: Counter
  - Description: Locks granted; mode is "normal" or "forced"

drover_lock_contention_total:
  - Type: Counter
  - Description: Acquisitions refused because another agent held the lock

drover_lock_renewals_total, drover_locks_released_total:
  - Type: Counter

Agent Metrics:

drover_agents_total{status}:
  - Type: Gauge
  - Description: Registered agents by status (idle/working/stopped/unreachable)

drover_heartbeats_total:
  - Type: Counter

drover_agents_marked_unreachable_total:
  - Type: Counter
  - Description: Agents declared dead by the janitor sweep

Consensus Metrics:

drover_consensus_requests_total:
  - Type: Counter

drover_consensus_votes_total{ballot}:
  - Type: Counter
  - Description: Ballots by outcome ("approve" or "reject")

drover_consensus_decisions_total{status}:
  - Type: Counter
  - Description: Terminal outcomes (approved/rejected/timeout/canceled)

Invocation Metrics:

drover_invocations_total{result}:
  - Type: Counter
  - Description: Model calls by result ("ok", "error", "breaker_open")

drover_invocation_duration_seconds:
  - Type: Histogram
  - Description: Model call latency; exponential buckets from 100ms

Store and API Metrics:

drover_store_op_duration_seconds{op}:
  - Type: Histogram

drover_api_requests_total{method, status}, drover_api_request_duration_seconds{method}:
  - Type: Counter / Histogram

# Monitoring

Prometheus Queries (PromQL):

Queue Health:
  - Throughput: rate(drover_tasks_completed_total[5m])
  - Backlog: sum(drover_queue_depth) by (queue)
  - Failure rate: rate(drover_tasks_failed_total[5m])
  - Dedup ratio: rate(drover_dedup_hits_total[5m]) / rate(drover_tasks_enqueued_total[5m])

Coordination Health:
  - Lock contention: rate(drover_lock_contention_total[5m])
  - Force takeovers: rate(drover_locks_acquired_total{mode="forced"}[1h])
  - Dead agents: rate(drover_agents_marked_unreachable_total[1h])

Invocation Performance:
  - p95 latency: histogram_quantile(0.95, drover_invocation_duration_seconds_bucket)
  - Breaker opens: rate(drover_invocations_total{result="breaker_open"}[5m])

# Alerting Rules

Recommended Prometheus alerts:

Starvation Overrides Firing:
  - Alert: rate(drover_starvation_overrides_total[10m]) > 0.05
  - Description: Low tiers are regularly hitting the starvation override
  - Action: Queue is oversubscribed; add agents or rebalance weights

Growing Backlog:
  - Alert: sum(drover_queue_depth) by (queue) > 100 for 15m
  - Action: Check agent counts and invocation error rates

Unreachable Agents:
  - Alert: drover_agents_total{status="unreachable"} > 0 for 10m
  - Action: Inspect janitor logs; dead records should be swept

Breaker Open:
  - Alert: rate(drover_invocations_total{result="breaker_open"}[5m]) > 0
  - Description: The model backend is failing; tasks are being requeued
  - Action: Check backend availability before attempts burn down

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
