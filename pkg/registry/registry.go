package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// ErrAgentStopped rejects operations against an agent whose record reached
// the terminal stopped state.
var ErrAgentStopped = errors.New("registry: agent is stopped")

// ErrUnknownAgent reports an id with no registry record.
var ErrUnknownAgent = errors.New("registry: unknown agent")

// Config tunes the registry. HeartbeatInterval drives the hot-key TTL: an
// agent whose status key outlives three missed beats is presumed dead.
type Config struct {
	HeartbeatInterval time.Duration
	Recorder          *events.Recorder
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

// Registry tracks the agent fleet: identity, capabilities, liveness, and
// the registered -> idle <-> working -> (idle | unreachable) -> stopped
// state machine. The store owns every record; processes share one view.
type Registry struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger
}

// NewRegistry creates a registry over the given store.
func NewRegistry(st store.Store, cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{store: st, cfg: cfg, logger: log.WithComponent("registry")}
}

// HotTTL is the liveness window: hot keys live three heartbeat intervals.
func (r *Registry) HotTTL() time.Duration {
	return 3 * r.cfg.HeartbeatInterval
}

func (r *Registry) record(ctx context.Context, op, agent, result string) {
	if r.cfg.Recorder == nil {
		return
	}
	r.cfg.Recorder.Record(ctx, events.OpRecord{Component: "registry", Op: op, Agent: agent, Result: result})
}

func agentFields(info *types.AgentInfo) map[string]string {
	fields := map[string]string{
		"id":             info.ID,
		"type":           info.Type,
		"status":         string(info.Status),
		"registered_at":  info.RegisteredAt.UTC().Format(time.RFC3339),
		"last_heartbeat": info.LastHeartbeat.UTC().Format(time.RFC3339),
	}
	if len(info.Capabilities) > 0 {
		fields["capabilities"] = strings.Join(info.Capabilities, ",")
	}
	return fields
}

func agentFromFields(fields map[string]string) (*types.AgentInfo, error) {
	if fields["id"] == "" {
		return nil, fmt.Errorf("agent record has no id")
	}
	info := &types.AgentInfo{
		ID:           fields["id"],
		Type:         fields["type"],
		Status:       types.AgentStatus(fields["status"]),
		CurrentTask:  fields["current_task"],
		CurrentQueue: fields["current_queue"],
	}
	if v := fields["capabilities"]; v != "" {
		info.Capabilities = strings.Split(v, ",")
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"registered_at", &info.RegisteredAt},
		{"last_heartbeat", &info.LastHeartbeat},
	} {
		if v := fields[f.name]; v != "" {
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("agent record %s: bad %s: %w", info.ID, f.name, err)
			}
			*f.dst = at
		}
	}
	return info, nil
}

// Register writes the agent's record and announces it. A fresh registration
// enters idle; re-registering a stopped or unreachable agent revives it.
func (r *Registry) Register(ctx context.Context, id, agentType string, capabilities []string) (*types.AgentInfo, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id must not be empty")
	}
	now := time.Now().UTC()
	info := &types.AgentInfo{
		ID:            id,
		Type:          agentType,
		Status:        types.AgentIdle,
		Capabilities:  capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	ev := events.New(events.EventAgentRegistered)
	ev.Agent = id
	ev.Status = string(types.AgentIdle)

	err := r.store.Multi(ctx, func(b store.Batch) {
		b.Delete(types.AgentKey(id)) // full rewrite, no stale fields
		b.HashSet(types.AgentKey(id), agentFields(info))
		b.SetAdd(types.AgentIndexKey, id)
		b.StringSetWithTTL(types.AgentStatusKey(id), string(types.AgentIdle), r.HotTTL())
		b.Delete(types.AgentTaskKey(id))
		b.Publish(events.ChannelAgentRegistry, ev.Encode())
	})
	if err != nil {
		return nil, fmt.Errorf("register agent %s: %w", id, err)
	}

	r.logger.Info().Str("agent", id).Str("type", agentType).Msg("agent registered")
	r.record(ctx, "register", id, "ok")
	return info, nil
}

// Heartbeat refreshes liveness and reports the agent's current state. Only
// idle and working are valid heartbeat statuses; a heartbeat against a
// stopped record is rejected, and one against an unreachable record revives
// the agent (the store's view was wrong, the agent is alive).
func (r *Registry) Heartbeat(ctx context.Context, id string, status types.AgentStatus, currentTask, currentQueue string) error {
	if status != types.AgentIdle && status != types.AgentWorking {
		return fmt.Errorf("invalid heartbeat status %q", status)
	}

	key := types.AgentKey(id)
	err := r.store.Transact(ctx, func(tx store.Tx) error {
		fields, err := tx.HashGetAll(key)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		if types.AgentStatus(fields["status"]) == types.AgentStopped {
			return fmt.Errorf("%w: %s", ErrAgentStopped, id)
		}

		now := time.Now().UTC()
		update := map[string]string{
			"status":         string(status),
			"last_heartbeat": now.Format(time.RFC3339),
		}
		ev := events.New(events.EventAgentStatusUpdated)
		ev.Agent = id
		ev.Status = string(status)
		ev.TaskID = currentTask

		return tx.Commit(func(b store.Batch) {
			if currentTask != "" {
				update["current_task"] = currentTask
				update["current_queue"] = currentQueue
				b.StringSetWithTTL(types.AgentTaskKey(id), currentTask, r.HotTTL())
			} else {
				b.HashDelete(key, "current_task", "current_queue")
				b.Delete(types.AgentTaskKey(id))
			}
			b.HashSet(key, update)
			b.StringSetWithTTL(types.AgentStatusKey(id), string(status), r.HotTTL())
			b.Publish(events.ChannelAgentRegistry, ev.Encode())
		})
	}, key)
	if errors.Is(err, store.ErrTxConflict) {
		// A concurrent janitor or operator transition won; the next beat
		// re-reports where things stand.
		return nil
	}
	if err != nil {
		return fmt.Errorf("heartbeat for %s: %w", id, err)
	}

	metrics.HeartbeatsTotal.Inc()
	r.record(ctx, "heartbeat", id, string(status))
	return nil
}

// Get reads one agent record.
func (r *Registry) Get(ctx context.Context, id string) (*types.AgentInfo, error) {
	fields, err := r.store.HashGetAll(ctx, types.AgentKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return agentFromFields(fields)
}

// List returns every registered agent, stopped ones included.
func (r *Registry) List(ctx context.Context) ([]*types.AgentInfo, error) {
	ids, err := r.store.SetMembers(ctx, types.AgentIndexKey)
	if err != nil {
		return nil, err
	}

	agents := make([]*types.AgentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, id)
		if errors.Is(err, ErrUnknownAgent) {
			continue // index entry outlived its record
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, info)
	}
	return agents, nil
}

// ListActive returns the agents whose liveness window is still open: a live
// hot status key and a non-terminal record.
func (r *Registry) ListActive(ctx context.Context) ([]*types.AgentInfo, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*types.AgentInfo, 0, len(agents))
	for _, a := range agents {
		if a.Status == types.AgentStopped || a.Status == types.AgentUnreachable {
			continue
		}
		alive, err := r.store.Exists(ctx, types.AgentStatusKey(a.ID))
		if err != nil {
			return nil, err
		}
		if alive {
			active = append(active, a)
		}
	}
	return active, nil
}

// ListStale returns non-terminal agents whose last heartbeat is older than
// the given threshold. The janitor feeds these to MarkUnreachable.
func (r *Registry) ListStale(ctx context.Context, threshold time.Duration) ([]*types.AgentInfo, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return lo.Filter(agents, func(a *types.AgentInfo, _ int) bool {
		if a.Status != types.AgentIdle && a.Status != types.AgentWorking {
			return false
		}
		return now.Sub(a.LastHeartbeat) > threshold
	}), nil
}

// MarkUnreachable declares a silent agent dead: flips its record, clears the
// hot keys, and announces it. The caller recovers the agent's task and locks
// (the record's CurrentTask/CurrentQueue say what was in flight). Returns
// the record as it stood at the transition.
func (r *Registry) MarkUnreachable(ctx context.Context, id string) (*types.AgentInfo, error) {
	key := types.AgentKey(id)

	var info *types.AgentInfo
	err := r.store.Transact(ctx, func(tx store.Tx) error {
		fields, err := tx.HashGetAll(key)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		info, err = agentFromFields(fields)
		if err != nil {
			return err
		}
		if info.Status == types.AgentStopped {
			return fmt.Errorf("%w: %s", ErrAgentStopped, id)
		}

		ev := events.New(events.EventAgentUnreachable)
		ev.Agent = id
		ev.TaskID = info.CurrentTask
		ev.Queue = info.CurrentQueue

		return tx.Commit(func(b store.Batch) {
			b.HashSet(key, map[string]string{"status": string(types.AgentUnreachable)})
			b.Delete(types.AgentStatusKey(id), types.AgentTaskKey(id))
			b.Publish(events.ChannelAgentRegistry, ev.Encode())
		})
	}, key)
	if err != nil {
		return nil, fmt.Errorf("mark %s unreachable: %w", id, err)
	}

	metrics.AgentsMarkedUnreachable.Inc()
	r.logger.Warn().Str("agent", id).Str("task_id", info.CurrentTask).
		Msg("agent marked unreachable")
	r.record(ctx, "mark_unreachable", id, "ok")
	return info, nil
}

// MarkStopped is the clean-exit transition, terminal for the record.
func (r *Registry) MarkStopped(ctx context.Context, id string) error {
	key := types.AgentKey(id)

	err := r.store.Transact(ctx, func(tx store.Tx) error {
		fields, err := tx.HashGetAll(key)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}

		ev := events.New(events.EventAgentStatusUpdated)
		ev.Agent = id
		ev.Status = string(types.AgentStopped)

		return tx.Commit(func(b store.Batch) {
			b.HashSet(key, map[string]string{"status": string(types.AgentStopped)})
			b.HashDelete(key, "current_task", "current_queue")
			b.Delete(types.AgentStatusKey(id), types.AgentTaskKey(id))
			b.Publish(events.ChannelAgentRegistry, ev.Encode())
		})
	}, key)
	if err != nil {
		return fmt.Errorf("mark %s stopped: %w", id, err)
	}

	r.logger.Info().Str("agent", id).Msg("agent stopped")
	r.record(ctx, "mark_stopped", id, "ok")
	return nil
}
