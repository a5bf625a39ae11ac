package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// ErrStaleLease means the caller's lease no longer matches the lock record:
// it expired, was released, or was forced away. The holder must abandon the
// file without writing results.
var ErrStaleLease = errors.New("lock: stale lease")

// AcquireResult is the outcome of an acquisition attempt. When Granted is
// false, Owner and RemainingTTL describe the current holder.
type AcquireResult struct {
	Granted      bool
	LeaseID      string
	Owner        string
	RemainingTTL time.Duration
}

// Manager arbitrates leased file locks: at most one holder per path, ever.
// All transitions are optimistic transactions on the lock record, so two
// processes racing for a path serialise at the store.
type Manager struct {
	store    store.Store
	recorder *events.Recorder
	logger   zerolog.Logger
}

// NewManager creates a lock manager over the given store.
func NewManager(st store.Store, recorder *events.Recorder) *Manager {
	return &Manager{store: st, recorder: recorder, logger: log.WithComponent("lock")}
}

func (m *Manager) record(ctx context.Context, op, agent, path, result string) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(ctx, events.OpRecord{Component: "lock", Op: op, Agent: agent, File: path, Result: result})
}

func lockFields(l *types.FileLock) map[string]string {
	fields := map[string]string{
		"owner":       l.Owner,
		"lease_id":    l.LeaseID,
		"acquired_at": l.AcquiredAt.UTC().Format(time.RFC3339),
		"ttl":         strconv.FormatInt(int64(l.TTL/time.Second), 10),
	}
	if l.Forced {
		fields["forced"] = "true"
		fields["reason"] = l.Reason
	}
	return fields
}

func lockFromFields(path string, fields map[string]string) (*types.FileLock, error) {
	l := &types.FileLock{
		Path:    path,
		Owner:   fields["owner"],
		LeaseID: fields["lease_id"],
		Forced:  fields["forced"] == "true",
		Reason:  fields["reason"],
	}
	if l.Owner == "" {
		return nil, fmt.Errorf("lock record for %s has no owner", path)
	}
	if v := fields["acquired_at"]; v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("lock record for %s: bad acquired_at: %w", path, err)
		}
		l.AcquiredAt = at
	}
	if v := fields["ttl"]; v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lock record for %s: bad ttl: %w", path, err)
		}
		l.TTL = time.Duration(secs) * time.Second
	}
	return l, nil
}

// Acquire takes the lock on path for agent, or reports who holds it. The
// record write, its expiry, the agent's held-paths index, and the
// file_claimed event land in one commit.
func (m *Manager) Acquire(ctx context.Context, path, agent string, ttl time.Duration) (*AcquireResult, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	key := types.LockKey(path)

	var res AcquireResult
	var err error
	for i := 0; i < 3; i++ {
		err = m.store.Transact(ctx, func(tx store.Tx) error {
			fields, err := tx.HashGetAll(key)
			if err != nil {
				return err
			}
			if len(fields) > 0 {
				remaining, err := tx.TTL(key)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				res = AcquireResult{Owner: fields["owner"], RemainingTTL: remaining}
				return nil
			}

			lk := types.FileLock{
				Path:       path,
				Owner:      agent,
				LeaseID:    uuid.NewString(),
				AcquiredAt: time.Now().UTC(),
				TTL:        ttl,
			}
			ev := events.New(events.EventFileClaimed)
			ev.Agent = agent
			ev.File = path

			res = AcquireResult{Granted: true, LeaseID: lk.LeaseID}
			return tx.Commit(func(b store.Batch) {
				b.HashSet(key, lockFields(&lk))
				b.Expire(key, ttl)
				b.SetAdd(types.AgentLocksKey(agent), path)
				b.Publish(events.ChannelFileLocks, ev.Encode())
			})
		}, key)
		if !errors.Is(err, store.ErrTxConflict) {
			break
		}
	}
	if errors.Is(err, store.ErrTxConflict) {
		// Lost the CAS race three times running; whoever kept winning is
		// the holder now.
		lk, gerr := m.Get(ctx, path)
		if gerr != nil {
			return nil, fmt.Errorf("acquire %s: %w", path, err)
		}
		remaining, _ := m.store.TTL(ctx, key)
		res = AcquireResult{Owner: lk.Owner, RemainingTTL: remaining}
	} else if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", path, err)
	}

	if res.Granted {
		metrics.LocksAcquired.WithLabelValues("normal").Inc()
		m.record(ctx, "acquire", agent, path, "ok")
	} else {
		metrics.LockContention.Inc()
		m.record(ctx, "acquire", agent, path, "held_by:"+res.Owner)
	}
	return &res, nil
}

// Renew extends the lease. Only the agent holding the matching lease may
// renew; anything else is ErrStaleLease and the caller must stop writing.
func (m *Manager) Renew(ctx context.Context, path, agent, leaseID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	key := types.LockKey(path)

	err := m.store.Transact(ctx, func(tx store.Tx) error {
		fields, err := tx.HashGetAll(key)
		if err != nil {
			return err
		}
		if len(fields) == 0 || fields["owner"] != agent || fields["lease_id"] != leaseID {
			return ErrStaleLease
		}
		return tx.Commit(func(b store.Batch) {
			b.HashSet(key, map[string]string{"ttl": strconv.FormatInt(int64(ttl/time.Second), 10)})
			b.Expire(key, ttl)
		})
	}, key)
	if errors.Is(err, store.ErrTxConflict) {
		// The record changed underneath the renewal: forced away or
		// expired-and-retaken. Either way the lease is gone.
		err = ErrStaleLease
	}
	if err != nil {
		if errors.Is(err, ErrStaleLease) {
			m.record(ctx, "renew", agent, path, "stale")
			return fmt.Errorf("renew %s: %w", path, err)
		}
		return fmt.Errorf("renew %s: %w", path, err)
	}

	metrics.LockRenewals.Inc()
	m.record(ctx, "renew", agent, path, "ok")
	return nil
}

// Release drops the lock. Lease-checked like Renew: releasing a lock that
// was forced away or expired reports ErrStaleLease rather than deleting
// someone else's lock.
func (m *Manager) Release(ctx context.Context, path, agent, leaseID string) error {
	key := types.LockKey(path)

	err := m.store.Transact(ctx, func(tx store.Tx) error {
		fields, err := tx.HashGetAll(key)
		if err != nil {
			return err
		}
		if len(fields) == 0 || fields["owner"] != agent || fields["lease_id"] != leaseID {
			return ErrStaleLease
		}
		ev := events.New(events.EventFileReleased)
		ev.Agent = agent
		ev.File = path
		return tx.Commit(func(b store.Batch) {
			b.Delete(key)
			b.SetRemove(types.AgentLocksKey(agent), path)
			b.Publish(events.ChannelFileLocks, ev.Encode())
		})
	}, key)
	if errors.Is(err, store.ErrTxConflict) {
		err = ErrStaleLease
	}
	if err != nil {
		if errors.Is(err, ErrStaleLease) {
			m.record(ctx, "release", agent, path, "stale")
		}
		return fmt.Errorf("release %s: %w", path, err)
	}

	metrics.LocksReleased.Inc()
	m.record(ctx, "release", agent, path, "ok")
	return nil
}

// ForceAcquire takes the lock unconditionally, evicting any holder. The
// eviction is announced twice: file_force_locked on the shared channel and a
// lock_evicted notice on the evicted agent's inbox, which obliges it to
// abandon the file.
func (m *Manager) ForceAcquire(ctx context.Context, path, agent, reason string, ttl time.Duration) (*AcquireResult, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	key := types.LockKey(path)

	var res AcquireResult
	var err error
	for i := 0; i < 3; i++ {
		err = m.store.Transact(ctx, func(tx store.Tx) error {
			fields, err := tx.HashGetAll(key)
			if err != nil {
				return err
			}
			prevOwner := fields["owner"]

			lk := types.FileLock{
				Path:       path,
				Owner:      agent,
				LeaseID:    uuid.NewString(),
				AcquiredAt: time.Now().UTC(),
				TTL:        ttl,
				Forced:     true,
				Reason:     reason,
			}
			ev := events.New(events.EventFileForceLocked)
			ev.Agent = agent
			ev.File = path
			ev.Reason = reason

			res = AcquireResult{Granted: true, LeaseID: lk.LeaseID}
			return tx.Commit(func(b store.Batch) {
				if prevOwner != "" && prevOwner != agent {
					evict := events.New(events.EventLockEvicted)
					evict.Agent = prevOwner
					evict.File = path
					evict.Reason = reason
					b.SetRemove(types.AgentLocksKey(prevOwner), path)
					b.Publish(events.AgentInbox(prevOwner), evict.Encode())
				}
				// Full rewrite so no field of the evicted record survives.
				b.Delete(key)
				b.HashSet(key, lockFields(&lk))
				b.Expire(key, ttl)
				b.SetAdd(types.AgentLocksKey(agent), path)
				b.Publish(events.ChannelFileLocks, ev.Encode())
			})
		}, key)
		if !errors.Is(err, store.ErrTxConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("force acquire %s: %w", path, err)
	}

	metrics.LocksAcquired.WithLabelValues("forced").Inc()
	m.logger.Warn().Str("agent", agent).Str("file", path).Str("reason", reason).
		Msg("lock force acquired")
	m.record(ctx, "force_acquire", agent, path, "ok")
	return &res, nil
}

// Get reads one lock record. Absent or expired locks report
// store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, path string) (*types.FileLock, error) {
	fields, err := m.store.HashGetAll(ctx, types.LockKey(path))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return lockFromFields(path, fields)
}

// ListLocks returns every live lock keyed by path.
func (m *Manager) ListLocks(ctx context.Context) (map[string]*types.FileLock, error) {
	keys, err := m.store.ScanKeys(ctx, "lock:*")
	if err != nil {
		return nil, err
	}

	locks := make(map[string]*types.FileLock, len(keys))
	for _, key := range keys {
		path := strings.TrimPrefix(key, "lock:")
		lk, err := m.Get(ctx, path)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable lock record")
			continue
		}
		locks[path] = lk
	}
	return locks, nil
}

// CleanupExpired reconciles the per-agent held-paths indexes against the
// lock records. Expiry already deletes the records themselves; what is left
// behind is index entries for locks that expired or changed hands. Returns
// the number of entries removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	indexes, err := m.store.ScanKeys(ctx, "agent:*:locks")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, index := range indexes {
		agent := strings.TrimSuffix(strings.TrimPrefix(index, "agent:"), ":locks")
		paths, err := m.store.SetMembers(ctx, index)
		if err != nil {
			return removed, err
		}
		for _, path := range paths {
			lk, err := m.Get(ctx, path)
			if err == nil && lk.Owner == agent {
				continue
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return removed, err
			}
			if err := m.store.SetRemove(ctx, index, path); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info().Int("entries", removed).Msg("pruned stale lock index entries")
	}
	return removed, nil
}

// ReleaseAll drops every lock the agent holds, ignoring lease ids. Shutdown
// and dead-agent recovery both funnel through here. Returns the number of
// locks released.
func (m *Manager) ReleaseAll(ctx context.Context, agent string) (int, error) {
	index := types.AgentLocksKey(agent)
	paths, err := m.store.SetMembers(ctx, index)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, path := range paths {
		key := types.LockKey(path)
		dropped := false
		err := m.store.Transact(ctx, func(tx store.Tx) error {
			dropped = false
			fields, err := tx.HashGetAll(key)
			if err != nil {
				return err
			}
			if fields["owner"] != agent {
				// Expired or forced to someone else; just fix the index.
				return tx.Commit(func(b store.Batch) {
					b.SetRemove(index, path)
				})
			}
			ev := events.New(events.EventFileReleased)
			ev.Agent = agent
			ev.File = path
			dropped = true
			return tx.Commit(func(b store.Batch) {
				b.Delete(key)
				b.SetRemove(index, path)
				b.Publish(events.ChannelFileLocks, ev.Encode())
			})
		}, key)
		if errors.Is(err, store.ErrTxConflict) {
			continue // changed hands mid-release; not ours to drop anymore
		}
		if err != nil {
			return released, fmt.Errorf("release all for %s: %w", agent, err)
		}
		if !dropped {
			continue
		}
		released++
		metrics.LocksReleased.Inc()
	}

	if released > 0 {
		m.record(ctx, "release_all", agent, "", strconv.Itoa(released)+" released")
	}
	return released, nil
}
