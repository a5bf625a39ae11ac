/*
Package registry tracks the agent fleet in the shared store: who exists,
what they can do, whether they are alive, and what they are working on.

Each agent is a hash at agent:<id> (identity, status, capabilities,
current task, timestamps) plus two hot keys written with a TTL of three
heartbeat intervals:

	agent:<id>:status        latest reported status
	agent:<id>:current_task  task id in flight, absent when idle

The hot keys are the liveness signal. A healthy agent refreshes them every
heartbeat; when they expire the agent has missed three beats and the janitor
declares it unreachable, recovers its task, and releases its locks. The
record hash never expires, so history survives the agent.

The status state machine:

	registered -> idle <-> working -> (idle | unreachable) -> stopped

stopped is terminal: heartbeats against a stopped record are rejected.
unreachable is not: a live heartbeat revives the agent, since the agent
itself is the better witness.

All transitions publish on the agent-registry channel: agent_registered,
agent_status_updated, agent_unreachable.

# The janitor

Janitor is the fleet's recovery loop. Each sweep it:

  - declares agents past the unreachable threshold dead, requeues their
    in-flight task, and releases their locks
  - reclaims checkouts whose bookkeeping names a dead or unknown agent
  - recovers orphaned checkouts, processing entries with no bookkeeping
    at all, after two consecutive sightings so a checkout caught between
    its move and its bookkeeping write is left alone
  - returns scavenged todo items held by dead agents to the pool
  - prunes lock index entries whose lock record expired
  - times out consensus requests past their deadline

The janitor reaches the queue engine, lock manager, todo pool, and
consensus coordinator through the narrow interfaces in JanitorConfig, and
every stage tolerates failure: whatever a sweep misses, the next one
retries. Run one janitor per deployment: the unreachable flow serialises
at the registry record, but orphan sighting state lives in the sweeping
process.
*/
package registry
