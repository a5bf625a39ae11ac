/*
Package queue implements Drover's priority queues: weighted-fair scheduling
across five priority tiers, content-addressed deduplication, crash-safe
checkouts, and per-tier statistics, all expressed as atomic operations
against the shared store.

A logical queue <Q> is five store lists, one per tier, plus bookkeeping:

	queue:<Q>:p:<priority>     tier list (entries at head, served from tail)
	queue:<Q>:priorities       set of tiers that currently hold work
	queue:<Q>:priority_weights sorted set: tier -> scheduling weight
	queue:<Q>:sched            hash: round counter + last-served per tier
	processing:<Q>             checked-out payloads
	processing:<Q>:meta        task id -> {agent, priority, checked_out_at}
	queue:<Q>:failed           terminal failures, newest first
	dedup:<Q>:<fingerprint>    in-flight duplicate marker (TTL)

# Enqueue

Enqueue fingerprints the task (see Fingerprint), then runs one optimistic
transaction watching the dedup marker: a live marker resolves the call as a
duplicate of the in-flight task, otherwise the tier insert, weight and
priority bookkeeping, enqueued counter, and marker land in a single commit.
A marker that appears mid-transaction costs one retry, after which the call
resolves against whatever the race produced.

	res, err := eng.Enqueue(ctx, "backend", &types.Task{
		File:     "api/handler.go",
		Prompt:   "add request validation",
		Priority: types.PriorityHigh,
	})
	if res.Deduplicated {
		// res.TaskID names the task already carrying this work
	}

# Dequeue and the scheduler

Dequeue scans the queue's non-empty tiers heaviest first and picks one by
weighted round:

	weight >= 10   every round
	weight >= 5    every 2nd round
	weight >= 1    every 5th round
	weight >= 0.5  every 10th round
	otherwise      every 20th round

Two rules sit above the gates. A tier whose last service is older than the
starvation threshold is served immediately, heaviest such tier first; a tier
never served at all counts as starved. And when no gate opens, the heaviest
non-empty tier is served anyway, so a scan over pending work always yields a
task.

The checkout itself is a single tail-to-head move from the tier into
processing:<Q>, so a crash at any instant leaves the task in exactly one
list. Checkout metadata, the round counter, and the served stamp follow in a
second write; when that write is lost the entry simply has no metadata and
the janitor recovers it as an orphan.

Dequeue returns nil with no error when every tier in every scanned queue is
empty for the whole wait.

# Resolving a checkout

Every Checkout resolves exactly one way:

	CompleteProcessing  done: fold duration into the tier's running mean,
	                    write the completion record, drop the entry
	Requeue             failed: attempts+1 and back to the tier head, or to
	                    queue:<Q>:failed once attempts reach the limit
	Return              untouched handback for shutdown, attempts unchanged

Completion is idempotent: a second call for the same checkout finds no
metadata and does nothing, so the completion record is written at most once
per checkout.

# Todo pool

TodoPool is the idle scavenger's source: a global list of freeform notes
(queue:todos) any agent may pull when its queues are dry, checked out with
the same tail-to-head move into queue:todos:processing with an assignment
record naming the holder.

# Legacy migration

MigrateLegacy drains a flat pre-tier list (queue:<Q>) into the tier
structure. Entries that decode as tasks keep their fields; anything else
becomes a normal-priority task whose prompt is the raw string.
*/
package queue
