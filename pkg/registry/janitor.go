package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// TaskRecoverer is the slice of the queue engine the janitor drives to put
// a dead agent's work back on a tier.
type TaskRecoverer interface {
	ListCheckoutMeta(ctx context.Context, queueName string) (map[string]*types.CheckoutMeta, error)
	RequeueCheckedOut(ctx context.Context, queueName, taskID, reason string) (bool, error)
}

// LockReleaser is the slice of the lock manager the janitor drives.
type LockReleaser interface {
	ReleaseAll(ctx context.Context, agent string) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// TodoRecoverer is the slice of the todo pool the janitor drives.
type TodoRecoverer interface {
	InFlight(ctx context.Context) ([]string, error)
	Assignment(ctx context.Context, item string) (*types.TodoAssignment, error)
	Return(ctx context.Context, agentID, item string) error
}

// ExpirySweeper closes consensus requests whose deadline lapsed.
type ExpirySweeper interface {
	ExpireSweep(ctx context.Context) (int, error)
}

// JanitorConfig tunes the recovery sweep. Any of the collaborator slots may
// be nil; the janitor skips the stages it has no collaborator for.
type JanitorConfig struct {
	// Interval is the sweep cadence.
	Interval time.Duration

	// UnreachableThreshold is how long past its last heartbeat an agent
	// may go before it is declared dead.
	UnreachableThreshold time.Duration

	Tasks     TaskRecoverer
	Locks     LockReleaser
	Todos     TodoRecoverer
	Consensus ExpirySweeper
}

func (c *JanitorConfig) applyDefaults(heartbeat time.Duration) {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.UnreachableThreshold <= 0 {
		c.UnreachableThreshold = 3 * heartbeat
	}
}

// SweepReport summarises one janitor pass.
type SweepReport struct {
	AgentsMarkedUnreachable int
	TasksRequeued           int
	OrphansRecovered        int
	LocksReleased           int
	TodosReturned           int
	LockIndexesCleaned      int
	ConsensusExpired        int
}

// Janitor is the background recovery loop: it declares silent agents
// unreachable, puts their checked-out tasks back on the tiers, releases
// their locks, returns their scavenged todos, prunes stale lock indexes,
// and times out overdue consensus requests.
//
// Orphaned checkouts (processing entries whose bookkeeping never landed)
// are recovered only after two consecutive sightings, so a checkout caught
// mid-write is left alone.
type Janitor struct {
	registry *Registry
	store    store.Store
	cfg      JanitorConfig
	logger   zerolog.Logger

	// ids seen orphaned on the previous pass, pending confirmation
	suspectTasks map[string]map[string]struct{}
	suspectTodos map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJanitor creates a janitor sweeping the given registry's fleet.
func NewJanitor(reg *Registry, st store.Store, cfg JanitorConfig) *Janitor {
	cfg.applyDefaults(reg.cfg.HeartbeatInterval)
	return &Janitor{
		registry:     reg,
		store:        st,
		cfg:          cfg,
		logger:       log.WithComponent("janitor"),
		suspectTasks: make(map[string]map[string]struct{}),
		suspectTodos: make(map[string]struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (j *Janitor) Start() {
	go j.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rep := j.Sweep(context.Background())
			if rep != (SweepReport{}) {
				j.logger.Info().
					Int("agents_unreachable", rep.AgentsMarkedUnreachable).
					Int("tasks_requeued", rep.TasksRequeued).
					Int("orphans_recovered", rep.OrphansRecovered).
					Int("locks_released", rep.LocksReleased).
					Int("todos_returned", rep.TodosReturned).
					Int("lock_indexes_cleaned", rep.LockIndexesCleaned).
					Int("consensus_expired", rep.ConsensusExpired).
					Msg("sweep recovered state")
			}
		case <-j.stopCh:
			return
		}
	}
}

// Sweep performs one recovery pass. Stage failures are logged and the pass
// moves on; the next sweep retries whatever was missed.
func (j *Janitor) Sweep(ctx context.Context) SweepReport {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.JanitorSweepDuration)
		metrics.JanitorSweeps.Inc()
	}()

	var rep SweepReport
	owners := make(map[string]bool)

	j.sweepAgents(ctx, &rep, owners)
	j.sweepOrphans(ctx, &rep, owners)
	j.sweepTodos(ctx, &rep, owners)
	j.sweepLockIndexes(ctx, &rep)
	j.sweepConsensus(ctx, &rep)
	return rep
}

// sweepAgents declares silent agents unreachable, requeues their in-flight
// task, and releases their locks.
func (j *Janitor) sweepAgents(ctx context.Context, rep *SweepReport, owners map[string]bool) {
	stale, err := j.registry.ListStale(ctx, j.cfg.UnreachableThreshold)
	if err != nil {
		j.logger.Error().Err(err).Msg("stale agent scan failed")
		return
	}

	for _, agent := range stale {
		info, err := j.registry.MarkUnreachable(ctx, agent.ID)
		if errors.Is(err, store.ErrTxConflict) {
			// A heartbeat raced the sweep; the agent is back.
			continue
		}
		if errors.Is(err, ErrAgentStopped) || errors.Is(err, ErrUnknownAgent) {
			continue
		}
		if err != nil {
			j.logger.Error().Err(err).Str("agent", agent.ID).Msg("mark unreachable failed")
			continue
		}
		rep.AgentsMarkedUnreachable++
		owners[info.ID] = false

		if info.CurrentTask != "" && info.CurrentQueue != "" && j.cfg.Tasks != nil {
			_, err := j.cfg.Tasks.RequeueCheckedOut(ctx, info.CurrentQueue, info.CurrentTask,
				"agent "+info.ID+" unreachable")
			switch {
			case errors.Is(err, store.ErrNotFound):
				// Already resolved; nothing to recover.
			case err != nil:
				j.logger.Error().Err(err).Str("agent", info.ID).Str("task_id", info.CurrentTask).
					Msg("task recovery failed")
			default:
				rep.TasksRequeued++
				metrics.TasksRecovered.WithLabelValues("unreachable_agent").Inc()
			}
		}

		if j.cfg.Locks != nil {
			released, err := j.cfg.Locks.ReleaseAll(ctx, info.ID)
			if err != nil {
				j.logger.Error().Err(err).Str("agent", info.ID).Msg("lock release failed")
			}
			rep.LocksReleased += released
		}
	}
}

// sweepOrphans recovers processing entries that lost their owner: checkouts
// whose bookkeeping names a dead agent, and bookkeeping-less entries seen on
// two consecutive passes.
func (j *Janitor) sweepOrphans(ctx context.Context, rep *SweepReport, owners map[string]bool) {
	if j.cfg.Tasks == nil {
		return
	}
	queues, err := j.processingQueues(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("processing scan failed")
		return
	}

	for _, queueName := range queues {
		metas, err := j.cfg.Tasks.ListCheckoutMeta(ctx, queueName)
		if err != nil {
			j.logger.Error().Err(err).Str("queue", queueName).Msg("checkout scan failed")
			continue
		}

		suspects := j.suspectTasks[queueName]
		next := make(map[string]struct{})
		for id, meta := range metas {
			if meta == nil {
				if _, seen := suspects[id]; !seen {
					next[id] = struct{}{}
					continue
				}
				if j.recoverTask(ctx, queueName, id, "orphaned checkout", "orphaned_checkout") {
					rep.OrphansRecovered++
				}
				continue
			}
			if j.ownerAlive(ctx, owners, meta.Agent) {
				continue
			}
			if j.recoverTask(ctx, queueName, id, "agent "+meta.Agent+" gone", "dead_owner") {
				rep.TasksRequeued++
			}
		}
		j.suspectTasks[queueName] = next
	}
}

func (j *Janitor) recoverTask(ctx context.Context, queueName, id, reason, cause string) bool {
	_, err := j.cfg.Tasks.RequeueCheckedOut(ctx, queueName, id, reason)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		j.logger.Error().Err(err).Str("queue", queueName).Str("task_id", id).
			Msg("task recovery failed")
		return false
	}
	metrics.TasksRecovered.WithLabelValues(cause).Inc()
	return true
}

// sweepTodos returns scavenged todo items whose holder is gone. Items with
// no assignment record follow the same two-pass rule as task orphans.
func (j *Janitor) sweepTodos(ctx context.Context, rep *SweepReport, owners map[string]bool) {
	if j.cfg.Todos == nil {
		return
	}
	items, err := j.cfg.Todos.InFlight(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("todo scan failed")
		return
	}

	next := make(map[string]struct{})
	for _, item := range items {
		assignment, err := j.cfg.Todos.Assignment(ctx, item)
		if errors.Is(err, store.ErrNotFound) {
			if _, seen := j.suspectTodos[item]; !seen {
				next[item] = struct{}{}
				continue
			}
			if err := j.cfg.Todos.Return(ctx, "", item); err != nil {
				j.logger.Error().Err(err).Str("item", item).Msg("todo recovery failed")
				continue
			}
			rep.TodosReturned++
			continue
		}
		if err != nil {
			j.logger.Error().Err(err).Str("item", item).Msg("todo assignment lookup failed")
			continue
		}
		if j.ownerAlive(ctx, owners, assignment.Agent) {
			continue
		}
		if err := j.cfg.Todos.Return(ctx, assignment.Agent, item); err != nil {
			j.logger.Error().Err(err).Str("item", item).Msg("todo recovery failed")
			continue
		}
		rep.TodosReturned++
	}
	j.suspectTodos = next
}

func (j *Janitor) sweepLockIndexes(ctx context.Context, rep *SweepReport) {
	if j.cfg.Locks == nil {
		return
	}
	cleaned, err := j.cfg.Locks.CleanupExpired(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("lock index cleanup failed")
		return
	}
	rep.LockIndexesCleaned = cleaned
}

func (j *Janitor) sweepConsensus(ctx context.Context, rep *SweepReport) {
	if j.cfg.Consensus == nil {
		return
	}
	expired, err := j.cfg.Consensus.ExpireSweep(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("consensus expiry sweep failed")
		return
	}
	rep.ConsensusExpired = expired
}

// ownerAlive reports whether the agent still counts as a live holder of
// work. Unknown, stopped, and unreachable owners are dead; a transient
// lookup failure counts as alive so uncertainty never triggers recovery.
func (j *Janitor) ownerAlive(ctx context.Context, cache map[string]bool, id string) bool {
	if id == "" {
		return false
	}
	if alive, ok := cache[id]; ok {
		return alive
	}
	alive := true
	info, err := j.registry.Get(ctx, id)
	switch {
	case errors.Is(err, ErrUnknownAgent):
		alive = false
	case err != nil:
	default:
		alive = info.Status == types.AgentIdle || info.Status == types.AgentWorking
	}
	cache[id] = alive
	return alive
}

// processingQueues lists every queue with a processing list, derived from
// the keyspace itself so the janitor needs no queue roster.
func (j *Janitor) processingQueues(ctx context.Context) ([]string, error) {
	keys, err := j.store.ScanKeys(ctx, "processing:*")
	if err != nil {
		return nil, err
	}
	queues := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasSuffix(k, ":meta") {
			continue
		}
		queues = append(queues, strings.TrimPrefix(k, "processing:"))
	}
	return queues, nil
}
