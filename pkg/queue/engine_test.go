package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisWithClient(client)
	t.Cleanup(func() { _ = st.Close() })
	return NewEngine(st, cfg), st, mr
}

func TestEnqueueAccepts(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Enqueue(ctx, "backend", &types.Task{
		File: "api/handler.go", Prompt: "add validation", Priority: types.PriorityHigh,
	})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.NotEmpty(t, res.TaskID)

	n, err := st.ListLength(ctx, types.TierKey("backend", types.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	active, err := st.SetMembers(ctx, types.PrioritiesKey("backend"))
	require.NoError(t, err)
	assert.Equal(t, []string{"high"}, active)

	scored, err := st.SortedSetScoresDesc(ctx, types.WeightsKey("backend"))
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "high", scored[0].Member)
	assert.Equal(t, 5.0, scored[0].Score)

	enq, err := st.StringGet(ctx, types.StatKey("backend", "enqueued", types.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, "1", enq)
}

func TestEnqueueFillsDefaults(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	task := &types.Task{Prompt: "do something"}
	res, err := eng.Enqueue(ctx, "backend", task)
	require.NoError(t, err)

	assert.Equal(t, res.TaskID, task.ID)
	assert.Equal(t, types.PriorityNormal, task.Priority)
	assert.NotZero(t, task.EnqueuedAt)
}

func TestEnqueueRejectsUnknownPriority(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})

	_, err := eng.Enqueue(context.Background(), "backend", &types.Task{
		Prompt: "x", Priority: types.Priority("urgent"),
	})
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestWeightSourceSuppliesLiveLadder(t *testing.T) {
	ladder := map[types.Priority]float64{types.PriorityHigh: 5}
	eng, st, _ := newTestEngine(t, Config{
		WeightSource: func() map[types.Priority]float64 { return ladder },
	})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{
		File: "a.go", Prompt: "first", Priority: types.PriorityHigh,
	})
	require.NoError(t, err)

	scored, err := st.SortedSetScoresDesc(ctx, types.WeightsKey("backend"))
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, 5.0, scored[0].Score)

	// A reloaded ladder reaches the store on the next enqueue.
	ladder = map[types.Priority]float64{types.PriorityHigh: 20}
	_, err = eng.Enqueue(ctx, "backend", &types.Task{
		File: "b.go", Prompt: "second", Priority: types.PriorityHigh,
	})
	require.NoError(t, err)

	scored, err = st.SortedSetScoresDesc(ctx, types.WeightsKey("backend"))
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, 20.0, scored[0].Score)

	// Priorities the source omits fall back to the canonical ladder.
	_, err = eng.Enqueue(ctx, "backend", &types.Task{
		File: "c.go", Prompt: "third", Priority: types.PriorityLow,
	})
	require.NoError(t, err)

	scored, err = st.SortedSetScoresDesc(ctx, types.WeightsKey("backend"))
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "high", scored[0].Member)
	assert.Equal(t, "low", scored[1].Member)
	assert.Equal(t, 0.5, scored[1].Score)
}

func TestEnqueueDeduplicates(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	first, err := eng.Enqueue(ctx, "backend", &types.Task{
		File: "a.js", Prompt: "refactor", Type: "refactor",
	})
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	second, err := eng.Enqueue(ctx, "backend", &types.Task{
		File: "a.js", Prompt: "refactor", Type: "refactor",
	})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.TaskID, second.TaskID)

	n, err := st.ListLength(ctx, types.TierKey("backend", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnqueueDedupAcrossEngines(t *testing.T) {
	// Two engines over one store stand in for two agent processes; the
	// second engine has no local hint and hits the store marker.
	engA, st, mr := newTestEngine(t, Config{})
	engB := NewEngine(st, Config{})
	ctx := context.Background()

	first, err := engA.Enqueue(ctx, "backend", &types.Task{
		File: "A.js ", Prompt: "refactor   the\tparser", Type: "Refactor",
	})
	require.NoError(t, err)

	dup, err := engB.Enqueue(ctx, "backend", &types.Task{
		File: "a.js", Prompt: "refactor the parser", Type: "refactor",
	})
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, first.TaskID, dup.TaskID)

	// Past the dedup TTL the marker is gone and the work is new again.
	mr.FastForward(301 * time.Second)
	engC := NewEngine(st, Config{})
	fresh, err := engC.Enqueue(ctx, "backend", &types.Task{
		File: "a.js", Prompt: "refactor the parser", Type: "refactor",
	})
	require.NoError(t, err)
	assert.False(t, fresh.Deduplicated)
	assert.NotEqual(t, first.TaskID, fresh.TaskID)
}

func TestEnqueuePublishesTaskUpdate(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, events.ChannelTaskUpdates)
	require.NoError(t, err)
	defer sub.Close()

	res, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "announce me"})
	require.NoError(t, err)

	select {
	case msg := <-sub.Messages():
		ev, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, events.EventTaskEnqueued, ev.Type)
		assert.Equal(t, res.TaskID, ev.TaskID)
		assert.Equal(t, "backend", ev.Queue)
	case <-time.After(2 * time.Second):
		t.Fatal("no task update received")
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})

	co, err := eng.Dequeue(context.Background(), "agent-1", []string{"backend"}, 0)
	require.NoError(t, err)
	assert.Nil(t, co)
}

func TestDequeueRoundTrip(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	task := &types.Task{File: "x.go", Prompt: "fix", Priority: types.PriorityNormal}
	_, err := eng.Enqueue(ctx, "backend", task)
	require.NoError(t, err)

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, co)
	assert.Equal(t, "backend", co.Queue)
	assert.Equal(t, types.PriorityNormal, co.Priority)
	assert.Equal(t, "agent-1", co.Agent)
	assert.Equal(t, task.ID, co.Task.ID)
	assert.Equal(t, "fix", co.Task.Prompt)

	// The task moved from its tier into processing, with checkout meta.
	n, err := st.ListLength(ctx, types.TierKey("backend", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = st.ListLength(ctx, types.ProcessingKey("backend"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = st.HashGet(ctx, types.ProcessingMetaKey("backend"), task.ID)
	assert.NoError(t, err)
}

func TestDequeueScansQueuesInOrder(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "frontend", &types.Task{Prompt: "style the header"})
	require.NoError(t, err)

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend", "frontend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, co)
	assert.Equal(t, "frontend", co.Queue)
}

func TestDequeuePriorityPreemption(t *testing.T) {
	// Three normals then one critical: the critical preempts, the normals
	// follow in enqueue order.
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	for _, prompt := range []string{"n1", "n2", "n3"} {
		_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: prompt, Priority: types.PriorityNormal})
		require.NoError(t, err)
	}
	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "c1", Priority: types.PriorityCritical})
	require.NoError(t, err)

	var served []string
	for i := 0; i < 4; i++ {
		co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, co)
		served = append(served, co.Task.Prompt)
	}
	assert.Equal(t, []string{"c1", "n1", "n2", "n3"}, served)

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, 0)
	require.NoError(t, err)
	assert.Nil(t, co)
}

func TestCompleteProcessing(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "one"})
	require.NoError(t, err)
	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, co)

	require.NoError(t, eng.CompleteProcessing(ctx, co, 100*time.Millisecond))

	n, err := st.ListLength(ctx, types.ProcessingKey("backend"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	_, err = st.HashGet(ctx, types.ProcessingMetaKey("backend"), co.Task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	avg, err := st.StringGet(ctx, types.StatKey("backend", "avg_time", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "100.000", avg)
	count, err := st.StringGet(ctx, types.StatKey("backend", "count", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	_, err = st.HashGet(ctx, types.CompletedKey("backend"), co.Task.ID)
	assert.NoError(t, err)
}

func TestCompleteProcessingRunningMean(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	for i, d := range []time.Duration{100 * time.Millisecond, 300 * time.Millisecond} {
		_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "task", File: string(rune('a' + i))})
		require.NoError(t, err)
		co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, co)
		require.NoError(t, eng.CompleteProcessing(ctx, co, d))
	}

	avg, err := st.StringGet(ctx, types.StatKey("backend", "avg_time", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "200.000", avg)
	count, err := st.StringGet(ctx, types.StatKey("backend", "count", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "2", count)
}

func TestCompleteProcessingIdempotent(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "once"})
	require.NoError(t, err)
	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, co)

	require.NoError(t, eng.CompleteProcessing(ctx, co, 100*time.Millisecond))
	require.NoError(t, eng.CompleteProcessing(ctx, co, 100*time.Millisecond))

	count, err := st.StringGet(ctx, types.StatKey("backend", "count", types.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestRequeuePutsTaskBehindPendingWork(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "first", File: "a"})
	require.NoError(t, err)
	_, err = eng.Enqueue(ctx, "backend", &types.Task{Prompt: "second", File: "b"})
	require.NoError(t, err)

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", co.Task.Prompt)

	requeued, err := eng.Requeue(ctx, co, "model unavailable")
	require.NoError(t, err)
	assert.True(t, requeued)

	// Requeue enters at the head; the untouched task at the tail serves
	// first, so a poison task cannot wedge its tier.
	co, err = eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", co.Task.Prompt)

	co, err = eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", co.Task.Prompt)
	assert.Equal(t, 1, co.Task.Attempts)
}

func TestRequeueExhaustionMovesToFailed(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "doomed"})
	require.NoError(t, err)

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	requeued, err := eng.Requeue(ctx, co, "first failure")
	require.NoError(t, err)
	require.True(t, requeued)

	co, err = eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, co.Task.Attempts)
	requeued, err = eng.Requeue(ctx, co, "second failure")
	require.NoError(t, err)
	assert.False(t, requeued)

	n, err := st.ListLength(ctx, types.ProcessingKey("backend"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	failures, err := eng.Failures(ctx, "backend", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "doomed", failures[0].Task.Prompt)
	assert.Equal(t, 2, failures[0].Task.Attempts)
	assert.Equal(t, "second failure", failures[0].Reason)
	_, err = time.Parse(time.RFC3339, failures[0].FailedAt)
	assert.NoError(t, err)
}

func TestReturnKeepsAttempts(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "interrupted"})
	require.NoError(t, err)
	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)

	require.NoError(t, eng.Return(ctx, co))

	n, err := st.ListLength(ctx, types.ProcessingKey("backend"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	again, err := eng.Dequeue(ctx, "agent-2", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, co.Task.ID, again.Task.ID)
	assert.Equal(t, 0, again.Task.Attempts)
}

func TestRequeueCheckedOutByID(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "held by a dead agent"})
	require.NoError(t, err)
	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)

	requeued, err := eng.RequeueCheckedOut(ctx, "backend", co.Task.ID, "agent unreachable")
	require.NoError(t, err)
	assert.True(t, requeued)

	again, err := eng.Dequeue(ctx, "agent-2", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, co.Task.ID, again.Task.ID)
	assert.Equal(t, 1, again.Task.Attempts)

	_, err = eng.RequeueCheckedOut(ctx, "backend", "no-such-task", "agent unreachable")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListCheckedOut(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "in flight"})
	require.NoError(t, err)
	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)

	entries, err := eng.ListCheckedOut(ctx, "backend")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, co.Task.ID, entries[0].Task.ID)
	require.NotNil(t, entries[0].Meta)
	assert.Equal(t, "agent-1", entries[0].Meta.Agent)
	assert.Equal(t, types.PriorityNormal, entries[0].Meta.Priority)
}

func TestStats(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "backend", &types.Task{Prompt: "a", Priority: types.PriorityHigh})
	require.NoError(t, err)
	_, err = eng.Enqueue(ctx, "backend", &types.Task{Prompt: "b", Priority: types.PriorityHigh})
	require.NoError(t, err)
	_, err = eng.Enqueue(ctx, "backend", &types.Task{Prompt: "c", Priority: types.PriorityLow})
	require.NoError(t, err)

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NoError(t, eng.CompleteProcessing(ctx, co, 50*time.Millisecond))

	stats, err := eng.Stats(ctx, "backend")
	require.NoError(t, err)
	assert.Equal(t, "backend", stats.Queue)
	assert.Len(t, stats.Tiers, len(types.Priorities))
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(0), stats.Failed)

	high := stats.Tiers[types.PriorityHigh]
	assert.Equal(t, int64(1), high.Pending)
	assert.Equal(t, int64(2), high.Enqueued)
	assert.Equal(t, int64(1), high.Dequeued)
	assert.Equal(t, int64(1), high.Completed)
	assert.Equal(t, 50.0, high.AvgTimeMs)
	assert.Equal(t, 5.0, high.Weight)

	low := stats.Tiers[types.PriorityLow]
	assert.Equal(t, int64(1), low.Pending)
	assert.Equal(t, 0.5, low.Weight)
}

func TestQuarantineUndecodablePayload(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	// A corrupt entry planted directly in the tier must not wedge it.
	require.NoError(t, st.ListPushFront(ctx, types.TierKey("backend", types.PriorityNormal), "{corrupt"))
	require.NoError(t, st.SetAdd(ctx, types.PrioritiesKey("backend"), "normal"))
	require.NoError(t, st.SortedSetAdd(ctx, types.WeightsKey("backend"), 1.0, "normal"))

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, 0)
	require.NoError(t, err)
	assert.Nil(t, co)

	failures, err := eng.Failures(ctx, "backend", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "{corrupt", failures[0].Raw)
	assert.Contains(t, failures[0].Reason, "undecodable payload")

	n, err := st.ListLength(ctx, types.ProcessingKey("backend"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMigrateLegacy(t *testing.T) {
	eng, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	structured, err := types.EncodeTask(&types.Task{
		ID: "legacy-1", File: "old.go", Prompt: "carry me over", Priority: types.PriorityHigh,
	})
	require.NoError(t, err)
	require.NoError(t, st.ListPushFront(ctx, types.LegacyQueueKey("backend"), structured))
	require.NoError(t, st.ListPushFront(ctx, types.LegacyQueueKey("backend"), "plain text chore"))

	migrated, err := eng.MigrateLegacy(ctx, "backend")
	require.NoError(t, err)
	assert.Equal(t, 2, migrated)

	n, err := st.ListLength(ctx, types.LegacyQueueKey("backend"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	co, err := eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, co)
	assert.Equal(t, "legacy-1", co.Task.ID)
	assert.Equal(t, types.PriorityHigh, co.Task.Priority)

	co, err = eng.Dequeue(ctx, "agent-1", []string{"backend"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, co)
	assert.Equal(t, "plain text chore", co.Task.Prompt)
	assert.Equal(t, types.PriorityNormal, co.Task.Priority)
	assert.Equal(t, "legacy", co.Task.Source)
}
