/*
Package lock arbitrates leased file locks across the agent fleet: at most
one agent holds any path at any instant, enforced by optimistic transactions
on the lock record in the shared store.

A lock is a hash at lock:<path> with a TTL:

	owner        holding agent id
	lease_id     opaque lease, minted per grant
	acquired_at  RFC 3339
	ttl          seconds
	forced       "true" when taken by ForceAcquire
	reason       operator-supplied, forced locks only

Each agent also carries an index set agent:<id>:locks of the paths it holds,
so shutdown and dead-agent recovery can release everything without scanning.

# Leases

Acquire returns a lease id with every grant. Renew and Release require the
(owner, lease) pair to match the record; a mismatch is ErrStaleLease and
means the lock expired or was forced away in the meantime. A worker that
sees ErrStaleLease from its renewal loop must stop writing to the file and
abandon the task's results.

	res, err := mgr.Acquire(ctx, "src/api.go", "agent-1", 11*time.Minute)
	if !res.Granted {
		// res.Owner holds it for another res.RemainingTTL
	}
	defer mgr.Release(ctx, "src/api.go", "agent-1", res.LeaseID)

Expiry is the store's TTL: a crashed holder's lock vanishes on its own, no
sweeper needed for the record itself. CleanupExpired only prunes index
entries left behind by expired or forcibly reassigned locks.

# Forced acquisition

ForceAcquire overwrites unconditionally, for operator intervention and
coordination overrides. It publishes file_force_locked on the file-locks
channel like any other transition, and additionally posts a lock_evicted
notice to the evicted agent's inbox channel; on receipt that agent must
treat its lease as lost exactly as if renewal had failed.

Every transition publishes on the file-locks channel: file_claimed,
file_released, file_force_locked, each carrying {agent, file, timestamp}.
Listeners treat the channel as advisory; the record is the truth.
*/
package lock
