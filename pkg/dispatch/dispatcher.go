package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/artifact"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/lock"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/queue"
	"github.com/droverlabs/drover/pkg/registry"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// Config tunes one worker process. Zero values fall back to the canonical
// defaults.
type Config struct {
	// AgentID uniquely identifies this worker in the registry and on every
	// lock and checkout it takes.
	AgentID string

	// AgentType is the registered kind, typically the model backend name.
	AgentType string

	// Queues lists the queues served, in preference order.
	Queues []string

	// Capabilities are advertised in the agent record.
	Capabilities []string

	HeartbeatInterval time.Duration // default 30s
	TaskTimeout       time.Duration // default 10m

	// LockMargin pads the lock lease past the task timeout so a task that
	// finishes at the wire does not lose its lock first. Default 60s.
	LockMargin time.Duration

	// DequeueBlock bounds one dequeue wait. Default 1s.
	DequeueBlock time.Duration

	// ScavengeInterval paces idle pulls from the shared todo pool.
	// Default 10s.
	ScavengeInterval time.Duration

	// CancelGrace is how long a cancelled model call gets to come back
	// before it is recorded as orphaned. Default 5s.
	CancelGrace time.Duration

	Recorder *events.Recorder
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.LockMargin <= 0 {
		c.LockMargin = 60 * time.Second
	}
	if c.DequeueBlock <= 0 {
		c.DequeueBlock = time.Second
	}
	if c.ScavengeInterval <= 0 {
		c.ScavengeInterval = 10 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
}

// Deps are the collaborators one dispatcher drives.
type Deps struct {
	Store    store.Store
	Engine   *queue.Engine
	Locks    *lock.Manager
	Registry *registry.Registry
	Todos    *queue.TodoPool
	Sink     artifact.Sink
	Invoker  Invoker
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return fmt.Errorf("dispatch: store is required")
	case d.Engine == nil:
		return fmt.Errorf("dispatch: queue engine is required")
	case d.Locks == nil:
		return fmt.Errorf("dispatch: lock manager is required")
	case d.Registry == nil:
		return fmt.Errorf("dispatch: registry is required")
	case d.Todos == nil:
		return fmt.Errorf("dispatch: todo pool is required")
	case d.Sink == nil:
		return fmt.Errorf("dispatch: artifact sink is required")
	case d.Invoker == nil:
		return fmt.Errorf("dispatch: invoker is required")
	}
	return nil
}

// Dispatcher is the worker loop of one agent process: register, heartbeat,
// dequeue, lock, invoke, resolve. Within one dispatcher everything is
// sequential; parallelism comes from running more agent processes.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	// Heartbeat state. The loop goroutines write it, the heartbeat
	// goroutine reads it.
	mu      sync.Mutex
	status  types.AgentStatus
	taskID  string
	queue   string
	beatNow chan struct{}

	// evictCh carries file paths from lock_evicted inbox notices into the
	// invoke select, so a forced-away lock interrupts the call immediately
	// instead of at the next renewal.
	evictCh chan string

	// inbox is the one long-lived subscription this process holds, fanned
	// out by channel. Nil when the subscribe failed at start; evictions then
	// surface at the next lease renewal instead.
	inbox *store.Router

	stopCh   chan struct{}
	doneCh   chan struct{}
	hbDoneCh chan struct{}
}

// New creates a dispatcher. Start launches it.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	cfg.applyDefaults()
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("dispatch: agent id is required")
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("dispatch: at least one queue is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		logger:   log.WithComponent("dispatch").With().Str("agent", cfg.AgentID).Logger(),
		status:   types.AgentIdle,
		beatNow:  make(chan struct{}, 1),
		evictCh:  make(chan string, 8),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		hbDoneCh: make(chan struct{}),
	}, nil
}

// Start registers the agent, subscribes the inbox, and launches the
// heartbeat and work loops. Registration failure aborts the start; nothing
// is left running.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.deps.Registry.Register(ctx, d.cfg.AgentID, d.cfg.AgentType, d.cfg.Capabilities); err != nil {
		return fmt.Errorf("register agent %s: %w", d.cfg.AgentID, err)
	}

	inbox := store.NewRouter(d.deps.Store)
	inbox.Handle(events.AgentInbox(d.cfg.AgentID), d.handleInbox)
	if err := inbox.Start(ctx); err != nil {
		d.logger.Error().Err(err).
			Msg("inbox subscription failed; evictions surface at the next lease renewal")
	} else {
		d.inbox = inbox
	}

	go d.heartbeatLoop()
	go d.run()

	d.logger.Info().Str("type", d.cfg.AgentType).Strs("queues", d.cfg.Queues).
		Msg("dispatcher started")
	return nil
}

// Stop drains the loops, then performs the shutdown handoff: heartbeat
// flushed as stopped and every held lock released. An in-flight task has
// already been returned to its tier by the time Stop returns.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.stopCh)
	<-d.doneCh
	<-d.hbDoneCh
	if d.inbox != nil {
		d.inbox.Stop()
	}

	if err := d.deps.Registry.MarkStopped(ctx, d.cfg.AgentID); err != nil {
		d.logger.Warn().Err(err).Msg("mark stopped failed")
	}
	if _, err := d.deps.Locks.ReleaseAll(ctx, d.cfg.AgentID); err != nil {
		return fmt.Errorf("release locks on shutdown: %w", err)
	}
	d.logger.Info().Msg("dispatcher stopped")
	return nil
}

func (d *Dispatcher) record(ctx context.Context, rec events.OpRecord) {
	if d.cfg.Recorder == nil {
		return
	}
	rec.Component = "dispatch"
	rec.Agent = d.cfg.AgentID
	d.cfg.Recorder.Record(ctx, rec)
}

// setState updates the heartbeat view and kicks an immediate beat so the
// registry sees transitions without waiting out the interval.
func (d *Dispatcher) setState(status types.AgentStatus, taskID, queueName string) {
	d.mu.Lock()
	d.status, d.taskID, d.queue = status, taskID, queueName
	d.mu.Unlock()
	select {
	case d.beatNow <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) beat() {
	d.mu.Lock()
	status, taskID, queueName := d.status, d.taskID, d.queue
	d.mu.Unlock()
	if err := d.deps.Registry.Heartbeat(context.Background(), d.cfg.AgentID, status, taskID, queueName); err != nil {
		// Missed beats are survivable until the unreachable threshold; the
		// next tick retries.
		d.logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (d *Dispatcher) heartbeatLoop() {
	defer close(d.hbDoneCh)
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.beat()
		case <-d.beatNow:
			d.beat()
		}
	}
}

// handleInbox routes one inbox message on the event type discriminator.
// Today the only routed kind is lock_evicted. Runs on the router's dispatch
// goroutine, so the hand-off to evictCh never blocks.
func (d *Dispatcher) handleInbox(msg store.Message) {
	ev, err := events.Decode(msg.Payload)
	if err != nil {
		d.logger.Warn().Err(err).Msg("undecodable inbox message")
		return
	}
	if ev.Type != events.EventLockEvicted || ev.File == "" {
		return
	}
	select {
	case d.evictCh <- ev.File:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stopCh
		cancel()
	}()

	var lastScavenge time.Time
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		co, err := d.deps.Engine.Dequeue(ctx, d.cfg.AgentID, d.cfg.Queues, d.cfg.DequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-d.stopCh:
				return
			case <-time.After(d.cfg.DequeueBlock):
			}
			continue
		}
		if co == nil {
			if time.Since(lastScavenge) >= d.cfg.ScavengeInterval {
				lastScavenge = time.Now()
				d.scavenge(ctx)
			}
			continue
		}
		d.processTask(ctx, co)
	}
}

// lease is one granted file lock.
type lease struct {
	path    string
	leaseID string
}

func (d *Dispatcher) processTask(ctx context.Context, co *queue.Checkout) {
	d.setState(types.AgentWorking, co.Task.ID, co.Queue)
	defer d.setState(types.AgentIdle, "", "")

	ttl := d.cfg.TaskTimeout + d.cfg.LockMargin
	leases, ok := d.acquireLocks(ctx, co, ttl)
	if !ok {
		return
	}

	held := make(map[string]struct{}, len(leases))
	for _, l := range leases {
		held[l.path] = struct{}{}
	}

	// Lease renewals run beside the model call; the first stale lease
	// aborts it through lost.
	lost := make(chan string, len(leases))
	renewCtx, stopRenew := context.WithCancel(ctx)
	var renewers sync.WaitGroup
	for _, l := range leases {
		renewers.Add(1)
		go func(l lease) {
			defer renewers.Done()
			d.renewLoop(renewCtx, l, ttl, lost)
		}(l)
	}

	inv := d.invoke(ctx, co.Task, lost, held)
	stopRenew()
	renewers.Wait()

	d.resolve(co, leases, inv)
}

// acquireLocks takes every file the task names. On contention with another
// agent the task goes back to its tier and the collision is published for
// coordination; ok reports whether the caller still owns the checkout.
func (d *Dispatcher) acquireLocks(ctx context.Context, co *queue.Checkout, ttl time.Duration) ([]lease, bool) {
	files := co.Task.Files()
	leases := make([]lease, 0, len(files))

	for _, path := range files {
		res, err := d.deps.Locks.Acquire(ctx, path, d.cfg.AgentID, ttl)
		if err != nil {
			d.logger.Error().Err(err).Str("file", path).Str("task_id", co.Task.ID).
				Msg("lock acquisition failed")
			d.releaseLeases(leases)
			d.requeue(co, "lock_error")
			return nil, false
		}
		if res.Granted {
			leases = append(leases, lease{path: path, leaseID: res.LeaseID})
			continue
		}
		if res.Owner == d.cfg.AgentID {
			// Our own lease from a previous life of this agent id. Re-mint
			// it rather than waiting out the TTL.
			forced, err := d.deps.Locks.ForceAcquire(ctx, path, d.cfg.AgentID, "stale self lease", ttl)
			if err != nil {
				d.logger.Error().Err(err).Str("file", path).Msg("self lease re-mint failed")
				d.releaseLeases(leases)
				d.requeue(co, "lock_error")
				return nil, false
			}
			leases = append(leases, lease{path: path, leaseID: forced.LeaseID})
			continue
		}

		// Held by someone else: flag the collision and hand the task back.
		d.publishCoordinationRequired(co, path, res.Owner)
		d.releaseLeases(leases)
		d.requeue(co, "lock_contention")
		return nil, false
	}
	return leases, true
}

func (d *Dispatcher) publishCoordinationRequired(co *queue.Checkout, path, owner string) {
	ev := events.New(events.EventCoordinationRequired)
	ev.Agent = d.cfg.AgentID
	ev.File = path
	ev.TaskID = co.Task.ID
	ev.Queue = co.Queue
	ev.Reason = "file held by " + owner

	ctx := context.Background()
	if err := d.deps.Store.Publish(ctx, events.ChannelCoordinationRequired, ev.Encode()); err != nil {
		d.logger.Warn().Err(err).Str("file", path).Msg("coordination event publish failed")
	}
	d.record(ctx, events.OpRecord{
		Op: "coordination_required", Queue: co.Queue, File: path,
		TaskID: co.Task.ID, Result: "held_by:" + owner,
	})
}

// renewLoop extends one lease at a third of its TTL. A stale lease reports
// the path on lost and stops; transient store errors keep trying, since the
// lease outlives several missed ticks.
func (d *Dispatcher) renewLoop(ctx context.Context, l lease, ttl time.Duration, lost chan<- string) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.deps.Locks.Renew(ctx, l.path, d.cfg.AgentID, l.leaseID, ttl)
			if err == nil {
				continue
			}
			if errors.Is(err, lock.ErrStaleLease) {
				select {
				case lost <- l.path:
				default:
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn().Err(err).Str("file", l.path).Msg("lease renewal failed")
		}
	}
}

// outcome classifies how one invocation ended.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeLockLost
	outcomeShutdown
	outcomeError
)

type invocation struct {
	kind    outcome
	output  string
	reason  string
	elapsed time.Duration
}

type invokeResult struct {
	output string
	err    error
}

// invoke runs the model call with the task timeout, watching for lost
// leases and eviction notices while it is in flight. The result of a call
// interrupted for any reason is never committed.
func (d *Dispatcher) invoke(ctx context.Context, task *types.Task, lost <-chan string, held map[string]struct{}) invocation {
	invokeCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	resCh := make(chan invokeResult, 1)
	go func() {
		out, err := d.deps.Invoker.Invoke(invokeCtx, task)
		resCh <- invokeResult{output: out, err: err}
	}()

	for {
		select {
		case res := <-resCh:
			elapsed := timer.Duration()
			timer.ObserveDuration(metrics.InvocationDuration)
			if d.leaseLost(lost, held) {
				// The lease died while the call was in flight; the result
				// must not be written.
				metrics.Invocations.WithLabelValues("canceled").Inc()
				return invocation{kind: outcomeLockLost, reason: "lock_lost", elapsed: elapsed}
			}
			if res.err != nil {
				if ctx.Err() != nil {
					metrics.Invocations.WithLabelValues("canceled").Inc()
					return invocation{kind: outcomeShutdown, elapsed: elapsed}
				}
				if errors.Is(res.err, context.DeadlineExceeded) {
					metrics.Invocations.WithLabelValues("timeout").Inc()
					return invocation{kind: outcomeError, reason: "task_timeout", elapsed: elapsed}
				}
				metrics.Invocations.WithLabelValues("error").Inc()
				return invocation{kind: outcomeError, reason: res.err.Error(), elapsed: elapsed}
			}
			metrics.Invocations.WithLabelValues("success").Inc()
			return invocation{kind: outcomeSuccess, output: res.output, elapsed: elapsed}

		case path := <-lost:
			d.logger.Warn().Str("file", path).Str("task_id", task.ID).
				Msg("lease lost mid-call; aborting")
			cancel()
			d.abandon(resCh, task, "lock_lost")
			return invocation{kind: outcomeLockLost, reason: "lock_lost", elapsed: timer.Duration()}

		case path := <-d.evictCh:
			if _, ours := held[path]; !ours {
				continue // notice for a file from an earlier task
			}
			d.logger.Warn().Str("file", path).Str("task_id", task.ID).
				Msg("lock forced away mid-call; aborting")
			cancel()
			d.abandon(resCh, task, "lock_lost")
			return invocation{kind: outcomeLockLost, reason: "lock_lost", elapsed: timer.Duration()}

		case <-invokeCtx.Done():
			if ctx.Err() != nil {
				d.abandon(resCh, task, "shutdown")
				return invocation{kind: outcomeShutdown, elapsed: timer.Duration()}
			}
			d.abandon(resCh, task, "task_timeout")
			return invocation{kind: outcomeError, reason: "task_timeout", elapsed: timer.Duration()}
		}
	}
}

// leaseLost drains the loss channels without blocking, reporting whether any
// lease backing the current task is gone.
func (d *Dispatcher) leaseLost(lost <-chan string, held map[string]struct{}) bool {
	select {
	case <-lost:
		return true
	default:
	}
	for {
		select {
		case path := <-d.evictCh:
			if _, ours := held[path]; ours {
				return true
			}
		default:
			return false
		}
	}
}

// abandon gives a cancelled call the grace window to come back. A call that
// ignores cancellation is recorded as orphaned; either way its result is
// dropped.
func (d *Dispatcher) abandon(resCh <-chan invokeResult, task *types.Task, why string) {
	select {
	case <-resCh:
		metrics.Invocations.WithLabelValues("canceled").Inc()
	case <-time.After(d.cfg.CancelGrace):
		metrics.Invocations.WithLabelValues("orphaned").Inc()
		d.logger.Warn().Str("task_id", task.ID).Str("cause", why).
			Msg("model call ignored cancellation; result abandoned")
		d.record(context.Background(), events.OpRecord{
			Op: "orphaned_call", TaskID: task.ID, Result: why,
		})
	}
}

// resolve settles the checkout exactly one way. Resolution writes run on a
// fresh context: they must land even when shutdown cancelled the loop.
func (d *Dispatcher) resolve(co *queue.Checkout, leases []lease, inv invocation) {
	ctx := context.Background()

	switch inv.kind {
	case outcomeSuccess:
		art := &artifact.Artifact{
			TaskID:     co.Task.ID,
			Queue:      co.Queue,
			Agent:      d.cfg.AgentID,
			File:       co.Task.File,
			Output:     inv.output,
			CreatedAt:  time.Now().UTC(),
			DurationMs: inv.elapsed.Milliseconds(),
		}
		if err := d.deps.Sink.Save(ctx, art); err != nil {
			// No artifact, no completion: another attempt has to produce it.
			d.logger.Error().Err(err).Str("task_id", co.Task.ID).Msg("artifact write failed")
			d.releaseLeases(leases)
			d.requeue(co, "artifact_sink")
			return
		}
		d.releaseLeases(leases)
		if err := d.deps.Engine.CompleteProcessing(ctx, co, inv.elapsed); err != nil {
			d.logger.Error().Err(err).Str("task_id", co.Task.ID).Msg("completion failed")
			return
		}
		d.logger.Info().Str("task_id", co.Task.ID).Str("queue", co.Queue).
			Dur("took", inv.elapsed).Msg("task completed")

	case outcomeShutdown:
		// Shutdown costs the task nothing: same payload, same attempts.
		d.releaseLeases(leases)
		if err := d.deps.Engine.Return(ctx, co); err != nil {
			d.logger.Error().Err(err).Str("task_id", co.Task.ID).Msg("shutdown return failed")
			return
		}
		d.logger.Info().Str("task_id", co.Task.ID).Msg("task returned on shutdown")

	default: // outcomeLockLost, outcomeError
		d.releaseLeases(leases)
		d.requeue(co, inv.reason)
	}
}

func (d *Dispatcher) requeue(co *queue.Checkout, reason string) {
	requeued, err := d.deps.Engine.Requeue(context.Background(), co, reason)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", co.Task.ID).Msg("requeue failed")
		return
	}
	if requeued {
		d.logger.Info().Str("task_id", co.Task.ID).Str("reason", reason).Msg("task requeued")
	} else {
		d.logger.Warn().Str("task_id", co.Task.ID).Str("reason", reason).
			Msg("task failed terminally")
	}
}

// releaseLeases drops whatever leases are still ours. Stale leases are
// expected here: lost or forced-away locks already belong to someone else.
func (d *Dispatcher) releaseLeases(leases []lease) {
	ctx := context.Background()
	for _, l := range leases {
		err := d.deps.Locks.Release(ctx, l.path, d.cfg.AgentID, l.leaseID)
		if err != nil && !errors.Is(err, lock.ErrStaleLease) {
			d.logger.Warn().Err(err).Str("file", l.path).Msg("lock release failed")
		}
	}
}

// scavenge pulls one item from the shared todo pool and runs it as a
// synthetic task. Todos name no files, so no locks are taken and no
// artifact is written; the pool keeps its own completed trail.
func (d *Dispatcher) scavenge(ctx context.Context) {
	item, err := d.deps.Todos.Scavenge(ctx, d.cfg.AgentID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("todo scavenge failed")
		return
	}
	if item == "" {
		return
	}

	task := &types.Task{
		ID:         "todo-" + uuid.NewString()[:8],
		Prompt:     item,
		Type:       "todo",
		Priority:   types.PriorityNormal,
		EnqueuedAt: time.Now().UnixMilli(),
		Source:     "todo-pool",
	}
	d.setState(types.AgentWorking, task.ID, "todos")
	defer d.setState(types.AgentIdle, "", "")

	inv := d.invoke(ctx, task, nil, nil)
	switch inv.kind {
	case outcomeSuccess:
		if err := d.deps.Todos.Complete(context.Background(), d.cfg.AgentID, item); err != nil {
			d.logger.Error().Err(err).Msg("todo completion failed")
		}
	default:
		// Failures and shutdown both hand the item back; the pool has no
		// attempt counter.
		if err := d.deps.Todos.Return(context.Background(), d.cfg.AgentID, item); err != nil {
			d.logger.Error().Err(err).Msg("todo return failed")
		}
	}
}
