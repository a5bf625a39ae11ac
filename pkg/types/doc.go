/*
Package types defines the shared vocabulary of the coordination core: tasks
and their priority ladder, agent records and statuses, file lock leases,
consensus requests, and the derived statistics snapshots.

Every struct here is owned by the shared store. Workers hold weak in-process
copies that are invalidated by pub/sub events; nothing outside a single
atomic store operation may treat a local copy as authoritative.

# Wire formats

Task marshals to the JSON payload consumed by dashboards and CLIs:

	{ "id": "...", "file": "src/x.js", "prompt": "refactor", "type": "refactor",
	  "priority": "normal", "enqueuedAt": 1712345678901, "attempts": 0 }

Field names are load-bearing; changing them breaks external consumers. The
same applies to the key patterns in keys.go, which spell out the store
keyspace (queue tiers, processing lists, dedup markers, lock records, agent
records, consensus structures).

# Enumerations

Priority, AgentStatus and ConsensusStatus are small closed string enums.
String-typed so they round-trip through the store and JSON without mapping
tables; closed so Valid()/ParsePriority can reject contract violations at
the boundary.
*/
package types
