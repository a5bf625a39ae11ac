package consensus

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

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisWithClient(client)
	t.Cleanup(func() { _ = st.Close() })
	return NewCoordinator(st, cfg), st
}

func TestRequestCreatesRecord(t *testing.T) {
	coord, st := newTestCoordinator(t, Config{})
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, events.ChannelConsensusNewRequest)
	require.NoError(t, err)
	defer sub.Close()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "mass_delete",
		Files:             []string{"old/a.go", "old/b.go"},
		Reason:            "dead code",
		RequiredApprovals: 2,
		Timeout:           time.Minute,
		Initiator:         "agent-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	assert.Equal(t, types.ConsensusPending, req.Status)
	assert.WithinDuration(t, time.Now().Add(time.Minute), req.ExpiresAt, 2*time.Second)

	got, err := coord.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "mass_delete", got.Operation)
	assert.Equal(t, []string{"old/a.go", "old/b.go"}, got.AffectedFiles)
	assert.Equal(t, 2, got.RequiredApprovals)
	assert.Equal(t, "agent-1", got.Initiator)

	pending, err := coord.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	select {
	case msg := <-sub.Messages():
		ev, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, events.EventConsensusRequested, ev.Type)
		assert.Equal(t, req.ID, ev.RequestID)
		assert.Equal(t, "agent-1", ev.Agent)
	case <-time.After(2 * time.Second):
		t.Fatal("no consensus_requested published")
	}
}

func TestRequestValidation(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	_, err := coord.Request(ctx, Proposal{RequiredApprovals: 1})
	assert.Error(t, err)
	_, err = coord.Request(ctx, Proposal{Operation: "mass_delete"})
	assert.Error(t, err)
}

// Two approvals with one rejection in between: the request stays pending
// until the second approval lands, then turns approved; later ballots are
// refused.
func TestVoteQuorumApproves(t *testing.T) {
	coord, st := newTestCoordinator(t, Config{})
	ctx := context.Background()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "refactor",
		RequiredApprovals: 2,
		Timeout:           2 * time.Second,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, events.ChannelConsensusDecision)
	require.NoError(t, err)
	defer sub.Close()

	r, err := coord.Vote(ctx, req.ID, "voter-1", true, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusPending, r.Status)

	r, err = coord.Vote(ctx, req.ID, "voter-2", false, "too risky")
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusPending, r.Status)

	r, err = coord.Vote(ctx, req.ID, "voter-3", true, "")
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusApproved, r.Status)
	assert.ElementsMatch(t, []string{"voter-1", "voter-3"}, r.Approvers)
	assert.Equal(t, []string{"voter-2"}, r.Rejectors)

	_, err = coord.Vote(ctx, req.ID, "voter-1", true, "")
	assert.ErrorIs(t, err, ErrNotPending)

	pending, err := coord.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	select {
	case msg := <-sub.Messages():
		ev, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, events.EventConsensusDecision, ev.Type)
		assert.Equal(t, req.ID, ev.RequestID)
		assert.Equal(t, string(types.ConsensusApproved), ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no consensus_decision published")
	}
}

func TestVoteRejectsEarly(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "mass_delete",
		RequiredApprovals: 2,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	r, err := coord.Vote(ctx, req.ID, "voter-1", false, "")
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusPending, r.Status)

	// Two rejections exceed half the quorum of two.
	r, err = coord.Vote(ctx, req.ID, "voter-2", false, "")
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusRejected, r.Status)
}

func TestVoteOncePerAgent(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "refactor",
		RequiredApprovals: 3,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	_, err = coord.Vote(ctx, req.ID, "voter-1", true, "")
	require.NoError(t, err)
	_, err = coord.Vote(ctx, req.ID, "voter-1", false, "changed my mind")
	assert.ErrorIs(t, err, ErrAlreadyVoted)
}

func TestVoteUnknownRequest(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{})
	_, err := coord.Vote(context.Background(), "nope", "voter-1", true, "")
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestVoteAfterDeadlineRefused(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "refactor",
		RequiredApprovals: 1,
		Timeout:           10 * time.Millisecond,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = coord.Vote(ctx, req.ID, "voter-1", true, "")
	assert.ErrorIs(t, err, ErrNotPending)

	// The record itself stays pending until the sweep closes it.
	got, err := coord.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusPending, got.Status)
}

func TestCancel(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "policy_edit",
		RequiredApprovals: 1,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	require.NoError(t, coord.Cancel(ctx, req.ID, "agent-0"))

	got, err := coord.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusCanceled, got.Status)

	assert.ErrorIs(t, coord.Cancel(ctx, req.ID, "agent-0"), ErrNotPending)
	_, err = coord.Vote(ctx, req.ID, "voter-1", true, "")
	assert.ErrorIs(t, err, ErrNotPending)

	assert.ErrorIs(t, coord.Cancel(ctx, "nope", "agent-0"), ErrUnknownRequest)
}

func TestWaitForResolvesOnDecision(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{PollInterval: 50 * time.Millisecond})
	ctx := context.Background()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "refactor",
		RequiredApprovals: 1,
		Timeout:           time.Minute,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = coord.Vote(ctx, req.ID, "voter-1", true, "")
	}()

	got, err := coord.WaitFor(ctx, req.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusApproved, got.Status)
}

func TestWaitForTimesOutPending(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{PollInterval: 50 * time.Millisecond})
	ctx := context.Background()

	req, err := coord.Request(ctx, Proposal{
		Operation:         "refactor",
		RequiredApprovals: 1,
		Timeout:           time.Minute,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	got, err := coord.WaitFor(ctx, req.ID, 150*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusPending, got.Status)
}

func TestExpireSweep(t *testing.T) {
	coord, st := newTestCoordinator(t, Config{})
	ctx := context.Background()

	short, err := coord.Request(ctx, Proposal{
		Operation:         "mass_delete",
		RequiredApprovals: 1,
		Timeout:           10 * time.Millisecond,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)
	long, err := coord.Request(ctx, Proposal{
		Operation:         "refactor",
		RequiredApprovals: 1,
		Timeout:           time.Minute,
		Initiator:         "agent-0",
	})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, events.ChannelConsensusDecision)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(30 * time.Millisecond)

	swept, err := coord.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := coord.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusTimeout, got.Status)
	got, err = coord.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusPending, got.Status)

	pending, err := coord.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, long.ID, pending[0].ID)

	select {
	case msg := <-sub.Messages():
		ev, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, string(types.ConsensusTimeout), ev.Status)
		assert.Equal(t, short.ID, ev.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout decision published")
	}

	// Second pass finds nothing left to close.
	swept, err = coord.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestListPendingOrdersByExpiry(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	later, err := coord.Request(ctx, Proposal{
		Operation: "refactor", RequiredApprovals: 1, Timeout: 2 * time.Hour, Initiator: "a",
	})
	require.NoError(t, err)
	sooner, err := coord.Request(ctx, Proposal{
		Operation: "refactor", RequiredApprovals: 1, Timeout: time.Hour, Initiator: "a",
	})
	require.NoError(t, err)

	pending, err := coord.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, sooner.ID, pending[0].ID)
	assert.Equal(t, later.ID, pending[1].ID)
}
