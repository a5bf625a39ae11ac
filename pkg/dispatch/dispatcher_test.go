package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/artifact"
	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/lock"
	"github.com/droverlabs/drover/pkg/queue"
	"github.com/droverlabs/drover/pkg/registry"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

type fixture struct {
	dispatcher *Dispatcher
	engine     *queue.Engine
	locks      *lock.Manager
	registry   *registry.Registry
	todos      *queue.TodoPool
	sink       artifact.Sink
	store      store.Store
	mr         *miniredis.Miniredis
}

func newFixture(t *testing.T, invoker Invoker) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisWithClient(client)
	t.Cleanup(func() { _ = st.Close() })

	eng := queue.NewEngine(st, queue.Config{})
	locks := lock.NewManager(st, nil)
	reg := registry.NewRegistry(st, registry.Config{HeartbeatInterval: 50 * time.Millisecond})
	todos := queue.NewTodoPool(st, nil)
	sink, err := artifact.NewBoltSink(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	d, err := New(Config{
		AgentID:           "agent-1",
		AgentType:         "claude",
		Queues:            []string{"claude"},
		HeartbeatInterval: 50 * time.Millisecond,
		TaskTimeout:       2 * time.Second,
		LockMargin:        time.Second,
		DequeueBlock:      20 * time.Millisecond,
		ScavengeInterval:  10 * time.Millisecond,
		CancelGrace:       100 * time.Millisecond,
	}, Deps{
		Store:    st,
		Engine:   eng,
		Locks:    locks,
		Registry: reg,
		Todos:    todos,
		Sink:     sink,
		Invoker:  invoker,
	})
	require.NoError(t, err)

	return &fixture{
		dispatcher: d,
		engine:     eng,
		locks:      locks,
		registry:   reg,
		todos:      todos,
		sink:       sink,
		store:      st,
		mr:         mr,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Queues: []string{"q"}}, Deps{})
	require.ErrorContains(t, err, "agent id")

	_, err = New(Config{AgentID: "a"}, Deps{})
	require.ErrorContains(t, err, "queue")

	_, err = New(Config{AgentID: "a", Queues: []string{"q"}}, Deps{})
	require.ErrorContains(t, err, "store")
}

func TestProcessesTaskToCompletion(t *testing.T) {
	var calls atomic.Int32
	invoker := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		calls.Add(1)
		return "patched " + task.File, nil
	})
	fx := newFixture(t, invoker)
	ctx := context.Background()

	res, err := fx.engine.Enqueue(ctx, "claude", &types.Task{
		File: "src/handler.go", Prompt: "add validation", Type: "code",
	})
	require.NoError(t, err)

	require.NoError(t, fx.dispatcher.Start(ctx))
	require.Eventually(t, func() bool {
		_, err := fx.sink.Get(ctx, res.TaskID)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, fx.dispatcher.Stop(ctx))

	art, err := fx.sink.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "patched src/handler.go", art.Output)
	assert.Equal(t, "agent-1", art.Agent)
	assert.Equal(t, "claude", art.Queue)

	rec, err := fx.store.HashGet(ctx, types.CompletedKey("claude"), res.TaskID)
	require.NoError(t, err)
	assert.Contains(t, rec, res.TaskID)

	procs, err := fx.store.ListRange(ctx, types.ProcessingKey("claude"), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, procs)

	_, err = fx.locks.Get(ctx, "src/handler.go")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.EqualValues(t, 1, calls.Load())

	info, err := fx.registry.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStopped, info.Status)
}

func TestInvokeErrorExhaustsAttempts(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		return "", fmt.Errorf("model unavailable")
	})
	fx := newFixture(t, invoker)
	ctx := context.Background()

	_, err := fx.engine.Enqueue(ctx, "claude", &types.Task{
		File: "src/a.go", Prompt: "refactor", Type: "code",
	})
	require.NoError(t, err)

	require.NoError(t, fx.dispatcher.Start(ctx))

	var failures []queue.FailureRecord
	require.Eventually(t, func() bool {
		failures, err = fx.engine.Failures(ctx, "claude", 10)
		return err == nil && len(failures) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.dispatcher.Stop(ctx))

	assert.Equal(t, 3, failures[0].Task.Attempts)
	assert.Contains(t, failures[0].Reason, "model unavailable")

	_, err = fx.sink.Get(ctx, failures[0].Task.ID)
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	// Every attempt released its lock on the way out.
	_, err = fx.locks.Get(ctx, "src/a.go")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLockContentionPublishesCoordination(t *testing.T) {
	var calls atomic.Int32
	invoker := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		calls.Add(1)
		return "never", nil
	})
	fx := newFixture(t, invoker)
	ctx := context.Background()

	lres, err := fx.locks.Acquire(ctx, "src/b.go", "agent-2", time.Hour)
	require.NoError(t, err)
	require.True(t, lres.Granted)

	sub, err := fx.store.Subscribe(ctx, events.ChannelCoordinationRequired)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	_, err = fx.engine.Enqueue(ctx, "claude", &types.Task{
		File: "src/b.go", Prompt: "tune", Type: "code",
	})
	require.NoError(t, err)

	require.NoError(t, fx.dispatcher.Start(ctx))

	select {
	case msg := <-sub.Messages():
		ev, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, events.EventCoordinationRequired, ev.Type)
		assert.Equal(t, "src/b.go", ev.File)
		assert.Equal(t, "agent-1", ev.Agent)
		assert.Contains(t, ev.Reason, "agent-2")
	case <-time.After(3 * time.Second):
		t.Fatal("no coordination event published")
	}

	// Contention burns attempts until the task fails terminally.
	require.Eventually(t, func() bool {
		failures, err := fx.engine.Failures(ctx, "claude", 10)
		return err == nil && len(failures) == 1 && failures[0].Reason == "lock_contention"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.dispatcher.Stop(ctx))
	assert.Zero(t, calls.Load())
}

func TestEvictionAbandonsResult(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	invoker := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	fx := newFixture(t, invoker)
	ctx := context.Background()

	res, err := fx.engine.Enqueue(ctx, "claude", &types.Task{
		File: "src/c.go", Prompt: "rewrite", Type: "code",
	})
	require.NoError(t, err)

	require.NoError(t, fx.dispatcher.Start(ctx))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("invocation never started")
	}

	// Another agent forces the lock away mid-call. The eviction notice must
	// abort the call; contention then blocks every retry.
	_, err = fx.locks.ForceAcquire(ctx, "src/c.go", "agent-2", "stuck worker", time.Hour)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failures, err := fx.engine.Failures(ctx, "claude", 10)
		return err == nil && len(failures) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.dispatcher.Stop(ctx))

	// The interrupted result was never committed.
	_, err = fx.sink.Get(ctx, res.TaskID)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	_, err = fx.store.HashGet(ctx, types.CompletedKey("claude"), res.TaskID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.EqualValues(t, 1, calls.Load())
}

func TestShutdownReturnsTask(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	invoker := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	})
	fx := newFixture(t, invoker)
	ctx := context.Background()

	res, err := fx.engine.Enqueue(ctx, "claude", &types.Task{
		File: "src/d.go", Prompt: "migrate", Type: "code", Priority: types.PriorityHigh,
	})
	require.NoError(t, err)

	require.NoError(t, fx.dispatcher.Start(ctx))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("invocation never started")
	}

	// The working transition beats immediately, not at the next tick.
	require.Eventually(t, func() bool {
		info, err := fx.registry.Get(ctx, "agent-1")
		return err == nil && info.Status == types.AgentWorking && info.CurrentTask == res.TaskID
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, fx.dispatcher.Stop(ctx))

	// The task is back at the head of its tier, untouched.
	entries, err := fx.store.ListRange(ctx, types.TierKey("claude", types.PriorityHigh), 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	task, err := types.DecodeTask(entries[0])
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, task.ID)
	assert.Equal(t, 0, task.Attempts)

	procs, err := fx.store.ListRange(ctx, types.ProcessingKey("claude"), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, procs)

	_, err = fx.locks.Get(ctx, "src/d.go")
	assert.ErrorIs(t, err, store.ErrNotFound)

	info, err := fx.registry.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStopped, info.Status)

	_, err = fx.sink.Get(ctx, res.TaskID)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestScavengesTodosWhenIdle(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		return "done: " + task.Prompt, nil
	})
	fx := newFixture(t, invoker)
	ctx := context.Background()

	_, err := fx.todos.Add(ctx, "write release notes")
	require.NoError(t, err)

	require.NoError(t, fx.dispatcher.Start(ctx))

	require.Eventually(t, func() bool {
		done, err := fx.store.ListRange(ctx, types.TodoCompletedKey, 0, -1)
		return err == nil && len(done) == 1 && done[0] == "write release notes"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.dispatcher.Stop(ctx))

	inflight, err := fx.todos.InFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, inflight)

	pending, err := fx.todos.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	inner := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		calls.Add(1)
		return "", fmt.Errorf("backend down")
	})
	b := NewBreakerInvoker(inner, BreakerConfig{
		Name: "test", ConsecutiveFailures: 3, OpenFor: time.Minute,
	})

	ctx := context.Background()
	task := &types.Task{ID: "t1", Prompt: "p"}
	for i := 0; i < 3; i++ {
		_, err := b.Invoke(ctx, task)
		require.Error(t, err)
	}
	require.EqualValues(t, 3, calls.Load())

	// Tripped: fail fast, backend untouched.
	_, err := b.Invoke(ctx, task)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 3, calls.Load())
}

func TestBreakerRecoversAfterOpenWindow(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	inner := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		if fail.Load() {
			return "", fmt.Errorf("backend down")
		}
		return "ok", nil
	})
	b := NewBreakerInvoker(inner, BreakerConfig{
		ConsecutiveFailures: 2, OpenFor: 30 * time.Millisecond,
	})

	ctx := context.Background()
	task := &types.Task{ID: "t1", Prompt: "p"}
	for i := 0; i < 2; i++ {
		_, err := b.Invoke(ctx, task)
		require.Error(t, err)
	}
	_, err := b.Invoke(ctx, task)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	fail.Store(false)
	time.Sleep(50 * time.Millisecond)

	out, err := b.Invoke(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	var calls atomic.Int32
	inner := InvokerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		calls.Add(1)
		return "", context.Canceled
	})
	b := NewBreakerInvoker(inner, BreakerConfig{ConsecutiveFailures: 2})

	ctx := context.Background()
	task := &types.Task{ID: "t1", Prompt: "p"}
	for i := 0; i < 4; i++ {
		_, err := b.Invoke(ctx, task)
		require.ErrorIs(t, err, context.Canceled)
	}
	// Cancellations say nothing about the backend; the breaker stays closed.
	assert.EqualValues(t, 4, calls.Load())
}

func TestHTTPInvokerPostsPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude", req["model"])
		assert.Equal(t, "add validation", req["prompt"])
		assert.Equal(t, "task-1", req["task_id"])
		assert.Equal(t, "src/a.go", req["file"])

		fmt.Fprint(w, `{"output":"patched"}`)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "claude")
	inv.Headers["Authorization"] = "Bearer key"

	out, err := inv.Invoke(context.Background(), &types.Task{
		ID: "task-1", Prompt: "add validation", File: "src/a.go",
	})
	require.NoError(t, err)
	assert.Equal(t, "patched", out)
}

func TestHTTPInvokerGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "claude")
	_, err := inv.Invoke(context.Background(), &types.Task{ID: "t", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestHTTPInvokerModelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"safety refusal"}`)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "claude")
	_, err := inv.Invoke(context.Background(), &types.Task{ID: "t", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety refusal")
}
