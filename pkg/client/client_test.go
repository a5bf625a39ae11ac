package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/api"
	"github.com/droverlabs/drover/pkg/consensus"
	"github.com/droverlabs/drover/pkg/lock"
	"github.com/droverlabs/drover/pkg/queue"
	"github.com/droverlabs/drover/pkg/registry"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

type fixture struct {
	client   *Client
	engine   *queue.Engine
	locks    *lock.Manager
	registry *registry.Registry
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisWithClient(rc)
	t.Cleanup(func() { _ = st.Close() })

	eng := queue.NewEngine(st, queue.Config{})
	locks := lock.NewManager(st, nil)
	reg := registry.NewRegistry(st, registry.Config{})

	srv := api.NewServer(api.Config{Version: "test"}, api.Deps{
		Store:     st,
		Queues:    eng,
		Agents:    reg,
		Locks:     locks,
		Consensus: consensus.NewCoordinator(st, consensus.Config{}),
		Todos:     queue.NewTodoPool(st, nil),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{
		client:   New(ts.URL),
		engine:   eng,
		locks:    locks,
		registry: reg,
		mr:       mr,
	}
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)

	h, err := fx.client.Healthz(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alive", h.Status)
	assert.Equal(t, "test", h.Version)
}

func TestReadyzSurfacesProbes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	r, err := fx.client.Readyz(ctx)
	require.NoError(t, err)
	assert.True(t, r.Ready())
	require.Contains(t, r.Checks, "store")
	assert.True(t, r.Checks["store"].Healthy)

	// A degraded process still answers; the failing probe rides along.
	fx.mr.Close()
	r, err = fx.client.Readyz(ctx)
	require.NoError(t, err)
	assert.False(t, r.Ready())
	assert.False(t, r.Checks["store"].Healthy)
}

func TestSnapshotRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.engine.Enqueue(ctx, "backend", &types.Task{
		File: "src/a.go", Prompt: "fix", Priority: types.PriorityHigh,
	})
	require.NoError(t, err)
	_, err = fx.registry.Register(ctx, "agent-1", "claude", nil)
	require.NoError(t, err)
	_, err = fx.locks.Acquire(ctx, "src/a.go", "agent-1", time.Minute)
	require.NoError(t, err)

	snap, err := fx.client.Snapshot(ctx)
	require.NoError(t, err)

	require.Contains(t, snap.Queues, "backend")
	assert.EqualValues(t, 1, snap.Queues["backend"].Pending)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "agent-1", snap.Agents[0].ID)
	require.Contains(t, snap.Locks, "src/a.go")
}

func TestQueueStats(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, p := range []types.Priority{types.PriorityHigh, types.PriorityNormal} {
		_, err := fx.engine.Enqueue(ctx, "backend", &types.Task{
			File: "f-" + string(p) + ".go", Prompt: "work " + string(p), Priority: p,
		})
		require.NoError(t, err)
	}

	st, err := fx.client.QueueStats(ctx, "backend")
	require.NoError(t, err)
	assert.Equal(t, "backend", st.Queue)
	assert.EqualValues(t, 2, st.Pending)
	assert.EqualValues(t, 1, st.Tiers[types.PriorityHigh].Pending)
}

func TestAgentsAndLocks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.registry.Register(ctx, "agent-1", "claude", []string{"go"})
	require.NoError(t, err)
	_, err = fx.locks.Acquire(ctx, "src/hot.go", "agent-1", time.Minute)
	require.NoError(t, err)

	agents, err := fx.client.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "claude", agents[0].Type)

	locks, err := fx.client.Locks(ctx)
	require.NoError(t, err)
	require.Contains(t, locks, "src/hot.go")
	assert.Equal(t, "agent-1", locks["src/hot.go"].Owner)
}

func TestServerErrorSurfaced(t *testing.T) {
	fx := newFixture(t)

	// With the store gone the snapshot read burst fails server-side; the
	// client should relay the API's error body, not just the status code.
	fx.mr.Close()
	_, err := fx.client.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GET /v1/snapshot: 500")
}

func TestUnreachableServer(t *testing.T) {
	c := New("127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Healthz(ctx)
	require.Error(t, err)
}
