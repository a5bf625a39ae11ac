package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// ErrInvalidPriority rejects enqueues whose priority is outside the ladder.
var ErrInvalidPriority = errors.New("queue: invalid priority")

// EnqueueResult reports how an enqueue resolved: a fresh accept or a
// deduplication against in-flight identical work.
type EnqueueResult struct {
	TaskID       string
	Deduplicated bool
}

// Checkout is a task checked out of a tier into the processing list. The
// holder must resolve it exactly one way: CompleteProcessing, Requeue, or
// Return.
type Checkout struct {
	Queue    string
	Priority types.Priority
	Agent    string
	Task     *types.Task

	// raw is the exact payload string sitting in the processing list;
	// resolution removes by value.
	raw string
}

// CheckedOut is a processing-list entry with its checkout bookkeeping, as
// seen by recovery sweeps. Meta is nil when the bookkeeping write never
// landed (a worker died between checkout and bookkeeping).
type CheckedOut struct {
	Task *types.Task
	Raw  string
	Meta *types.CheckoutMeta
}

// FailureRecord is the wire shape of entries in the failed list.
type FailureRecord struct {
	Task     types.Task `json:"task"`
	Reason   string     `json:"reason"`
	FailedAt string     `json:"failed_at"`
	Raw      string     `json:"raw,omitempty"`
}

// Config tunes the engine. Zero values fall back to the canonical defaults.
type Config struct {
	DedupTTL            time.Duration
	StarvationThreshold time.Duration
	MaxAttempts         int
	DefaultPriority     types.Priority
	Weights             map[types.Priority]float64
	PollInterval        time.Duration
	StatsTTL            time.Duration
	Recorder            *events.Recorder

	// WeightSource, when set, supplies the live weight ladder and takes
	// precedence over Weights. Long-running processes point this at the
	// rules watcher so a reloaded ladder reaches the store bookkeeping
	// without a restart. Must be safe for concurrent calls.
	WeightSource func() map[types.Priority]float64
}

func (c *Config) applyDefaults() {
	if c.DedupTTL <= 0 {
		c.DedupTTL = 300 * time.Second
	}
	if c.StarvationThreshold <= 0 {
		c.StarvationThreshold = 5 * time.Minute
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.DefaultPriority == "" {
		c.DefaultPriority = types.PriorityNormal
	}
	if c.Weights == nil {
		c.Weights = types.DefaultWeights()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = 24 * time.Hour
	}
}

// Engine implements the priority queue contract over the shared store:
// deduplicated enqueue, weighted-fair dequeue with starvation overrides,
// and processing-set bookkeeping.
type Engine struct {
	store  store.Store
	cfg    Config
	hint   *gocache.Cache
	logger zerolog.Logger
}

// NewEngine creates an engine over the given store.
func NewEngine(st store.Store, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store: st,
		cfg:   cfg,
		// Process-local dedup hint. The store record stays authoritative;
		// this only short-circuits the common repeat-submit burst.
		hint:   gocache.New(cfg.DedupTTL, 2*cfg.DedupTTL),
		logger: log.WithComponent("queue"),
	}
}

func (e *Engine) record(ctx context.Context, rec events.OpRecord) {
	if e.cfg.Recorder == nil {
		return
	}
	rec.Component = "queue"
	e.cfg.Recorder.Record(ctx, rec)
}

func (e *Engine) weightOf(p types.Priority) float64 {
	if e.cfg.WeightSource != nil {
		if w, ok := e.cfg.WeightSource()[p]; ok {
			return w
		}
	}
	if w, ok := e.cfg.Weights[p]; ok {
		return w
	}
	return types.DefaultWeights()[p]
}

// Enqueue accepts a task into a queue tier, or reports the in-flight
// duplicate it collides with. The tier insert, the active-priority and
// weight bookkeeping, the enqueued counter, and the dedup marker land in
// one atomic commit.
func (e *Engine) Enqueue(ctx context.Context, queueName string, task *types.Task) (*EnqueueResult, error) {
	if task.Priority == "" {
		task.Priority = e.cfg.DefaultPriority
	}
	if !task.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, task.Priority)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = time.Now().UnixMilli()
	}

	fp, err := Fingerprint(task)
	if err != nil {
		return nil, err
	}

	hintKey := queueName + ":" + fp
	if existing, ok := e.hint.Get(hintKey); ok {
		metrics.DedupHits.WithLabelValues(queueName).Inc()
		e.record(ctx, events.OpRecord{Op: "enqueue", Queue: queueName, TaskID: existing.(string), Result: "deduplicated"})
		return &EnqueueResult{TaskID: existing.(string), Deduplicated: true}, nil
	}

	payload, err := types.EncodeTask(task)
	if err != nil {
		return nil, err
	}

	dedupKey := types.DedupKey(queueName, fp)
	var result EnqueueResult

	attempt := func() error {
		return e.store.Transact(ctx, func(tx store.Tx) error {
			existing, err := tx.StringGet(dedupKey)
			if err == nil {
				result = EnqueueResult{TaskID: existing, Deduplicated: true}
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}

			result = EnqueueResult{TaskID: task.ID}
			statKey := types.StatKey(queueName, "enqueued", task.Priority)
			ev := events.New(events.EventTaskEnqueued)
			ev.TaskID = task.ID
			ev.Queue = queueName
			ev.Priority = string(task.Priority)
			ev.File = task.File

			return tx.Commit(func(b store.Batch) {
				b.ListPushFront(types.TierKey(queueName, task.Priority), payload)
				b.SetAdd(types.PrioritiesKey(queueName), string(task.Priority))
				b.SortedSetAdd(types.WeightsKey(queueName), e.weightOf(task.Priority), string(task.Priority))
				b.StringIncrBy(statKey, 1)
				b.Expire(statKey, e.cfg.StatsTTL)
				b.StringSetWithTTL(dedupKey, task.ID, e.cfg.DedupTTL)
				b.Publish(events.ChannelTaskUpdates, ev.Encode())
			})
		}, dedupKey)
	}

	err = attempt()
	if errors.Is(err, store.ErrTxConflict) {
		// Lost an enqueue race; the winner may have been our duplicate,
		// so the dedup lookup runs once more.
		err = attempt()
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue into %s: %w", queueName, err)
	}

	e.hint.Set(hintKey, result.TaskID, gocache.DefaultExpiration)
	if result.Deduplicated {
		metrics.DedupHits.WithLabelValues(queueName).Inc()
		e.record(ctx, events.OpRecord{Op: "enqueue", Queue: queueName, TaskID: result.TaskID, Result: "deduplicated"})
	} else {
		metrics.TasksEnqueued.WithLabelValues(queueName, string(task.Priority)).Inc()
		e.record(ctx, events.OpRecord{
			Op: "enqueue", Queue: queueName, Priority: string(task.Priority),
			TaskID: task.ID, File: task.File, Result: "ok",
		})
	}
	return &result, nil
}

// Dequeue checks out the next task across the given queues, in queue order,
// waiting up to timeout for work to appear. A nil Checkout with nil error
// means nothing was available within the wait.
func (e *Engine) Dequeue(ctx context.Context, agentID string, queues []string, timeout time.Duration) (*Checkout, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, q := range queues {
			co, err := e.tryDequeue(ctx, agentID, q)
			if err != nil {
				return nil, err
			}
			if co != nil {
				return co, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := e.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (e *Engine) tryDequeue(ctx context.Context, agentID, queueName string) (*Checkout, error) {
	tiers, err := e.activeTiers(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return nil, nil
	}

	fields, err := e.store.HashGetAll(ctx, types.SchedKey(queueName))
	if err != nil {
		return nil, err
	}
	st := parseSchedState(fields)

	now := time.Now()
	chosen, starved := pickTier(tiers, st, now, e.cfg.StarvationThreshold)

	// The atomic checkout: the task moves from tier tail to processing
	// head in one step and is never outside both lists.
	raw, err := e.store.ListMoveTailToHead(ctx,
		types.TierKey(queueName, chosen.priority), types.ProcessingKey(queueName))
	if errors.Is(err, store.ErrNotFound) {
		// A peer drained the tier between the scan and the move.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task, err := types.DecodeTask(raw)
	if err != nil {
		e.quarantine(ctx, queueName, raw, err)
		return nil, nil
	}

	meta := types.CheckoutMeta{Agent: agentID, Priority: chosen.priority, CheckedOutAt: now.UnixMilli()}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode checkout meta: %w", err)
	}
	statKey := types.StatKey(queueName, "dequeued", chosen.priority)
	err = e.store.Multi(ctx, func(b store.Batch) {
		b.HashSet(types.ProcessingMetaKey(queueName), map[string]string{task.ID: string(metaJSON)})
		b.StringIncrBy(statKey, 1)
		b.Expire(statKey, e.cfg.StatsTTL)
		b.HashIncrBy(types.SchedKey(queueName), schedCounterField, 1)
		b.HashSet(types.SchedKey(queueName), map[string]string{
			servedField(chosen.priority): strconv.FormatInt(now.UnixMilli(), 10),
		})
	})
	if err != nil {
		// The checkout stands; a missing bookkeeping write makes this an
		// orphan the recovery sweep will pick up.
		e.logger.Warn().Err(err).Str("queue", queueName).Str("task_id", task.ID).
			Msg("checkout bookkeeping failed")
	}

	if starved {
		metrics.StarvationOverrides.WithLabelValues(queueName, string(chosen.priority)).Inc()
		e.logger.Info().Str("queue", queueName).Str("priority", string(chosen.priority)).
			Msg("starvation override served tier")
	}
	metrics.TasksDequeued.WithLabelValues(queueName, string(chosen.priority)).Inc()
	e.record(ctx, events.OpRecord{
		Op: "dequeue", Queue: queueName, Priority: string(chosen.priority),
		Agent: agentID, TaskID: task.ID, Result: "ok",
	})

	return &Checkout{Queue: queueName, Priority: chosen.priority, Agent: agentID, Task: task, raw: raw}, nil
}

func (e *Engine) activeTiers(ctx context.Context, queueName string) ([]tier, error) {
	scored, err := e.store.SortedSetScoresDesc(ctx, types.WeightsKey(queueName))
	if err != nil {
		return nil, err
	}

	var tiers []tier
	for _, sm := range scored {
		p := types.Priority(sm.Member)
		if !p.Valid() {
			continue
		}
		n, err := e.store.ListLength(ctx, types.TierKey(queueName, p))
		if err != nil {
			return nil, err
		}
		if n == 0 {
			e.retireEmptyTier(ctx, queueName, p)
			continue
		}
		tiers = append(tiers, tier{priority: p, weight: sm.Score, pending: n})
	}
	return tiers, nil
}

// retireEmptyTier removes a drained tier from the active-priorities set.
// Optimistic: a concurrent enqueue into the tier wins and the entry stays.
func (e *Engine) retireEmptyTier(ctx context.Context, queueName string, p types.Priority) {
	tierKey := types.TierKey(queueName, p)
	err := e.store.Transact(ctx, func(tx store.Tx) error {
		n, err := tx.ListLength(tierKey)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		return tx.Commit(func(b store.Batch) {
			b.SetRemove(types.PrioritiesKey(queueName), string(p))
		})
	}, tierKey)
	if err != nil && !errors.Is(err, store.ErrTxConflict) {
		e.logger.Debug().Err(err).Str("queue", queueName).Str("priority", string(p)).
			Msg("tier retirement skipped")
	}
}

// quarantine parks an undecodable processing entry in the failed list so it
// cannot wedge the queue.
func (e *Engine) quarantine(ctx context.Context, queueName, raw string, cause error) {
	rec := FailureRecord{
		Reason:   "undecodable payload: " + cause.Error(),
		FailedAt: time.Now().UTC().Format(time.RFC3339),
		Raw:      raw,
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return
	}
	err = e.store.Multi(ctx, func(b store.Batch) {
		b.ListRemove(types.ProcessingKey(queueName), 1, raw)
		b.ListPushFront(types.FailedKey(queueName), string(recJSON))
	})
	if err != nil {
		e.logger.Error().Err(err).Str("queue", queueName).Msg("quarantine failed")
		return
	}
	e.logger.Error().Err(cause).Str("queue", queueName).Msg("quarantined undecodable task payload")
}

// CompleteProcessing resolves a checkout as done: removes the processing
// entry, folds the duration into the tier's running mean, and writes the
// completion record, all in one commit. Calling it twice for the same
// checkout is a no-op.
func (e *Engine) CompleteProcessing(ctx context.Context, co *Checkout, duration time.Duration) error {
	avgKey := types.StatKey(co.Queue, "avg_time", co.Priority)
	countKey := types.StatKey(co.Queue, "count", co.Priority)
	metaKey := types.ProcessingMetaKey(co.Queue)

	var err error
	for i := 0; i < 5; i++ {
		err = e.store.Transact(ctx, func(tx store.Tx) error {
			if _, err := tx.HashGet(metaKey, co.Task.ID); errors.Is(err, store.ErrNotFound) {
				return nil // already resolved
			} else if err != nil {
				return err
			}

			oldAvg := 0.0
			if v, err := tx.StringGet(avgKey); err == nil {
				oldAvg, _ = strconv.ParseFloat(v, 64)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			var n int64
			if v, err := tx.StringGet(countKey); err == nil {
				n, _ = strconv.ParseInt(v, 10, 64)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}

			t := float64(duration.Milliseconds())
			newAvg := oldAvg + (t-oldAvg)/float64(n+1)

			record := types.CompletionRecord{
				TaskID:      co.Task.ID,
				Agent:       co.Agent,
				Queue:       co.Queue,
				Priority:    co.Priority,
				CompletedAt: time.Now().UTC(),
				DurationMs:  duration.Milliseconds(),
			}
			recJSON, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("encode completion record: %w", err)
			}

			ev := events.New(events.EventTaskCompleted)
			ev.TaskID = co.Task.ID
			ev.Queue = co.Queue
			ev.Priority = string(co.Priority)
			ev.Agent = co.Agent

			return tx.Commit(func(b store.Batch) {
				b.ListRemove(types.ProcessingKey(co.Queue), 1, co.raw)
				b.HashDelete(metaKey, co.Task.ID)
				b.StringSet(avgKey, strconv.FormatFloat(newAvg, 'f', 3, 64))
				b.Expire(avgKey, e.cfg.StatsTTL)
				b.StringIncrBy(countKey, 1)
				b.Expire(countKey, e.cfg.StatsTTL)
				b.HashSet(types.CompletedKey(co.Queue), map[string]string{co.Task.ID: string(recJSON)})
				b.Publish(events.ChannelTaskUpdates, ev.Encode())
			})
		}, avgKey, countKey)
		if !errors.Is(err, store.ErrTxConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("complete task %s: %w", co.Task.ID, err)
	}

	metrics.TasksCompleted.WithLabelValues(co.Queue, string(co.Priority)).Inc()
	e.record(ctx, events.OpRecord{
		Op: "complete", Queue: co.Queue, Priority: string(co.Priority),
		Agent: co.Agent, TaskID: co.Task.ID, Result: "ok",
	})
	return nil
}

// Requeue resolves a checkout as failed-but-retryable: the attempt counter
// increments and the task re-enters its tier, or moves to the failed list
// once attempts are exhausted. Returns whether the task was requeued.
func (e *Engine) Requeue(ctx context.Context, co *Checkout, reason string) (bool, error) {
	return e.requeueRaw(ctx, co.Queue, co.raw, co.Task, reason)
}

// RequeueCheckedOut requeues a checked-out task by id, for recovery paths
// that hold no Checkout. Reports store.ErrNotFound when no processing entry
// carries the id.
func (e *Engine) RequeueCheckedOut(ctx context.Context, queueName, taskID, reason string) (bool, error) {
	raws, err := e.store.ListRange(ctx, types.ProcessingKey(queueName), 0, -1)
	if err != nil {
		return false, err
	}
	for _, raw := range raws {
		task, err := types.DecodeTask(raw)
		if err != nil || task.ID != taskID {
			continue
		}
		return e.requeueRaw(ctx, queueName, raw, task, reason)
	}
	return false, fmt.Errorf("task %s not checked out of %s: %w", taskID, queueName, store.ErrNotFound)
}

func (e *Engine) requeueRaw(ctx context.Context, queueName, raw string, task *types.Task, reason string) (bool, error) {
	next := *task
	next.Attempts++

	if next.Attempts >= e.cfg.MaxAttempts {
		rec := FailureRecord{Task: next, Reason: reason, FailedAt: time.Now().UTC().Format(time.RFC3339)}
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return false, fmt.Errorf("encode failure record: %w", err)
		}

		evFail := events.New(events.EventTaskFailed)
		evFail.TaskID = next.ID
		evFail.Queue = queueName
		evFail.Priority = string(next.Priority)
		evFail.Reason = reason

		alert := events.New(events.EventQueueAlert)
		alert.Queue = queueName
		alert.TaskID = next.ID
		alert.Reason = reason
		alert.Message = fmt.Sprintf("task failed terminally after %d attempts", next.Attempts)

		err = e.store.Multi(ctx, func(b store.Batch) {
			b.ListRemove(types.ProcessingKey(queueName), 1, raw)
			b.HashDelete(types.ProcessingMetaKey(queueName), task.ID)
			b.ListPushFront(types.FailedKey(queueName), string(recJSON))
			b.Publish(events.ChannelTaskUpdates, evFail.Encode())
			b.Publish(events.ChannelQueueAlerts, alert.Encode())
		})
		if err != nil {
			return false, fmt.Errorf("fail task %s: %w", task.ID, err)
		}

		metrics.TasksFailed.WithLabelValues(queueName).Inc()
		e.record(ctx, events.OpRecord{
			Op: "fail", Queue: queueName, Priority: string(next.Priority),
			TaskID: next.ID, Result: reason,
		})
		return false, nil
	}

	payload, err := types.EncodeTask(&next)
	if err != nil {
		return false, err
	}

	ev := events.New(events.EventTaskRequeued)
	ev.TaskID = next.ID
	ev.Queue = queueName
	ev.Priority = string(next.Priority)
	ev.Reason = reason

	err = e.store.Multi(ctx, func(b store.Batch) {
		b.ListRemove(types.ProcessingKey(queueName), 1, raw)
		b.HashDelete(types.ProcessingMetaKey(queueName), task.ID)
		b.ListPushFront(types.TierKey(queueName, next.Priority), payload)
		b.SetAdd(types.PrioritiesKey(queueName), string(next.Priority))
		b.SortedSetAdd(types.WeightsKey(queueName), e.weightOf(next.Priority), string(next.Priority))
		b.Publish(events.ChannelTaskUpdates, ev.Encode())
	})
	if err != nil {
		return false, fmt.Errorf("requeue task %s: %w", task.ID, err)
	}

	metrics.TasksRequeued.WithLabelValues(queueName).Inc()
	e.record(ctx, events.OpRecord{
		Op: "requeue", Queue: queueName, Priority: string(next.Priority),
		TaskID: next.ID, Result: reason,
	})
	return true, nil
}

// Return hands a checkout back untouched: same payload, same attempt count.
// Shutdown uses this so an interrupted task costs the worker nothing.
func (e *Engine) Return(ctx context.Context, co *Checkout) error {
	err := e.store.Multi(ctx, func(b store.Batch) {
		b.ListRemove(types.ProcessingKey(co.Queue), 1, co.raw)
		b.HashDelete(types.ProcessingMetaKey(co.Queue), co.Task.ID)
		b.ListPushFront(types.TierKey(co.Queue, co.Priority), co.raw)
		b.SetAdd(types.PrioritiesKey(co.Queue), string(co.Priority))
		b.SortedSetAdd(types.WeightsKey(co.Queue), e.weightOf(co.Priority), string(co.Priority))
	})
	if err != nil {
		return fmt.Errorf("return task %s: %w", co.Task.ID, err)
	}
	e.record(ctx, events.OpRecord{
		Op: "return", Queue: co.Queue, Priority: string(co.Priority),
		Agent: co.Agent, TaskID: co.Task.ID, Result: "ok",
	})
	return nil
}

// ListCheckedOut returns every processing entry with its checkout
// bookkeeping, for recovery sweeps.
func (e *Engine) ListCheckedOut(ctx context.Context, queueName string) ([]CheckedOut, error) {
	raws, err := e.store.ListRange(ctx, types.ProcessingKey(queueName), 0, -1)
	if err != nil {
		return nil, err
	}

	out := make([]CheckedOut, 0, len(raws))
	for _, raw := range raws {
		task, err := types.DecodeTask(raw)
		if err != nil {
			e.quarantine(ctx, queueName, raw, err)
			continue
		}
		entry := CheckedOut{Task: task, Raw: raw}
		if v, err := e.store.HashGet(ctx, types.ProcessingMetaKey(queueName), task.ID); err == nil {
			var meta types.CheckoutMeta
			if json.Unmarshal([]byte(v), &meta) == nil {
				entry.Meta = &meta
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// ListCheckoutMeta returns task id to checkout metadata for every decodable
// processing entry. A nil value is an entry whose checkout bookkeeping never
// landed; the janitor treats those as orphans.
func (e *Engine) ListCheckoutMeta(ctx context.Context, queueName string) (map[string]*types.CheckoutMeta, error) {
	entries, err := e.ListCheckedOut(ctx, queueName)
	if err != nil {
		return nil, err
	}
	metas := make(map[string]*types.CheckoutMeta, len(entries))
	for _, entry := range entries {
		metas[entry.Task.ID] = entry.Meta
	}
	return metas, nil
}

// Stats snapshots the queue: per-tier pending depth, throughput counters,
// running means, and weights.
func (e *Engine) Stats(ctx context.Context, queueName string) (*types.QueueStats, error) {
	weights := make(map[types.Priority]float64)
	scored, err := e.store.SortedSetScoresDesc(ctx, types.WeightsKey(queueName))
	if err != nil {
		return nil, err
	}
	for _, sm := range scored {
		weights[types.Priority(sm.Member)] = sm.Score
	}

	stats := &types.QueueStats{Queue: queueName, Tiers: make(map[types.Priority]types.TierStats, len(types.Priorities))}
	for _, p := range types.Priorities {
		pending, err := e.store.ListLength(ctx, types.TierKey(queueName, p))
		if err != nil {
			return nil, err
		}

		w, ok := weights[p]
		if !ok {
			w = e.weightOf(p)
		}
		tierStats := types.TierStats{
			Pending:   pending,
			Enqueued:  e.readInt(ctx, types.StatKey(queueName, "enqueued", p)),
			Dequeued:  e.readInt(ctx, types.StatKey(queueName, "dequeued", p)),
			AvgTimeMs: e.readFloat(ctx, types.StatKey(queueName, "avg_time", p)),
			Completed: e.readInt(ctx, types.StatKey(queueName, "count", p)),
			Weight:    w,
		}
		stats.Tiers[p] = tierStats
		stats.Pending += pending
	}

	failed, err := e.store.ListLength(ctx, types.FailedKey(queueName))
	if err != nil {
		return nil, err
	}
	stats.Failed = failed
	return stats, nil
}

// Failures returns the most recent terminal failures, newest first. A
// non-positive limit returns everything.
func (e *Engine) Failures(ctx context.Context, queueName string, limit int64) ([]FailureRecord, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	raws, err := e.store.ListRange(ctx, types.FailedKey(queueName), 0, stop)
	if err != nil {
		return nil, err
	}

	out := make([]FailureRecord, 0, len(raws))
	for _, raw := range raws {
		var rec FailureRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			e.logger.Warn().Err(err).Str("queue", queueName).Msg("skipping undecodable failure record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// legacyDrainBlock is how long one migration pop waits on an empty legacy
// list, so entries from a producer still writing mid-migration are carried
// over instead of stranded. One second is the blocking pop's granularity.
const legacyDrainBlock = time.Second

// MigrateLegacy drains the flat pre-tier list into priority tiers. Entries
// that are not task JSON become normal-priority tasks with the raw string
// as prompt. Returns the number of entries migrated.
func (e *Engine) MigrateLegacy(ctx context.Context, queueName string) (int, error) {
	legacy := types.LegacyQueueKey(queueName)
	migrated := 0
	for {
		_, raw, err := e.store.BlockingPopBack(ctx, []string{legacy}, legacyDrainBlock)
		if errors.Is(err, store.ErrNotFound) {
			return migrated, nil
		}
		if err != nil {
			return migrated, fmt.Errorf("drain legacy queue %s: %w", queueName, err)
		}

		task, decodeErr := types.DecodeTask(raw)
		if decodeErr != nil || (task.ID == "" && task.Prompt == "" && task.File == "") {
			task = &types.Task{
				ID:       uuid.NewString(),
				Prompt:   raw,
				Priority: e.cfg.DefaultPriority,
				Source:   "legacy",
			}
		}
		if !task.Priority.Valid() {
			task.Priority = e.cfg.DefaultPriority
		}

		if _, err := e.Enqueue(ctx, queueName, task); err != nil {
			// Put the entry back where it came from before surfacing.
			if pushErr := e.store.ListPushBack(ctx, legacy, raw); pushErr != nil {
				e.logger.Error().Err(pushErr).Str("queue", queueName).
					Msg("could not restore legacy entry after failed migration")
			}
			return migrated, err
		}
		migrated++
	}
}

func (e *Engine) readInt(ctx context.Context, key string) int64 {
	v, err := e.store.StringGet(ctx, key)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func (e *Engine) readFloat(ctx context.Context, key string) float64 {
	v, err := e.store.StringGet(ctx, key)
	if err != nil {
		return 0
	}
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
