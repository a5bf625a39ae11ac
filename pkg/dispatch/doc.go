/*
Package dispatch runs the worker loop of one agent process: register with
the registry, heartbeat on a ticker, pull tasks off the priority queues,
lock the files each task names, call the external model, and settle the
checkout exactly one way.

# The loop

	Start
	  register agent
	  spawn heartbeat ticker (immediate beat on every state change)
	  spawn inbox listener  (one long-lived subscription, routed by type)
	  loop:
	    dequeue(queues, block)
	      no work -> scavenge the shared todo pool (paced), repeat
	    acquire a lease per task file
	      held by another agent -> publish coordination-required, requeue
	      held by own stale lease -> force re-mint
	    invoke model          <- renewals run beside the call
	    resolve (see below)

# Outcomes

Every checkout resolves exactly once, driven by how the invocation ended:

	success          write artifact, release leases, complete
	lease lost       release remaining leases, requeue ("lock_lost")
	error / timeout  release leases, requeue (failed list once attempts
	                 are exhausted)
	shutdown         release leases, return the task untouched: same
	                 payload, same attempt count

A result produced under a lost or forced-away lease is never committed,
however healthy it looks. The inbox listener feeds eviction notices into
the in-flight call so a force-acquire interrupts it immediately rather
than at the next renewal tick.

# Cancellation and orphans

The model call runs under the task timeout and is expected to honour
cancellation at the transport level. A cancelled call gets a grace window
to come back; past that it is recorded as an orphaned call and its
eventual result is dropped.

# Shutdown

Stop drains the loops, then flushes the handoff: the agent record is
marked stopped and every lease still held is released. An in-flight task
has already been handed back to the head of its tier by then, so a clean
shutdown costs no attempts.

Wrap the Invoker in a BreakerInvoker to stop a dead model backend from
burning task attempts: after enough consecutive failures calls fail fast
until the backend proves itself again.
*/
package dispatch
