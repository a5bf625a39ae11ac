/*
Package consensus runs bounded-quorum voting over destructive operations
(mass deletes, cross-file refactors, policy edits). The coordinator is a
pure arbiter: it collects ballots and decides outcomes, and the caller acts
on an approval.

Records live in the consensus:requests hash keyed by request id; open
requests are additionally indexed in the consensus:pending sorted set
scored by expiry. Because the hash is one key, every ballot serialises at
the store: votes land in commit order and the first one to cross a
threshold finalises the status.

# Lifecycle

	            vote quorum reached
	pending ───────────────────────▶ approved
	   │ rejections > quorum/2
	   ├───────────────────────────▶ rejected
	   │ Cancel while pending
	   ├───────────────────────────▶ canceled
	   │ deadline passes
	   └───────────────────────────▶ timeout

Terminal states are final: later votes and cancellations fail with
ErrNotPending, and a request past its deadline can never become approved
even if the expiry sweep has not run yet.

A ballot is one agent, one vote. Approval lands when approvals reach
RequiredApprovals; rejection lands early once rejections exceed half the
quorum, since the request can no longer pass.

Initiators block on WaitFor, which resolves via the consensus:decision
subscription with a slow poll as a backstop. The janitor calls ExpireSweep
each pass to close requests whose deadline lapsed without a decision.

Announcements go out on consensus:new_request, consensus:vote, and
consensus:decision.
*/
package consensus
