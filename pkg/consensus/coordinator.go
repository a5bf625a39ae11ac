package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

var (
	// ErrUnknownRequest is returned when no record exists for the id.
	ErrUnknownRequest = errors.New("consensus: unknown request")

	// ErrNotPending is returned for votes or cancellations against a
	// request that already reached a terminal status.
	ErrNotPending = errors.New("consensus: request is not pending")

	// ErrAlreadyVoted is returned when an agent tries to commit a second
	// ballot on the same request.
	ErrAlreadyVoted = errors.New("consensus: agent already voted")
)

// Proposal describes a voting request to open. Timeout zero means the
// coordinator default.
type Proposal struct {
	Operation         string
	Files             []string
	Reason            string
	RequiredApprovals int
	Timeout           time.Duration
	Initiator         string
}

// Config tunes the coordinator.
type Config struct {
	// DefaultTimeout bounds requests whose proposal carries none.
	DefaultTimeout time.Duration

	// PollInterval paces the WaitFor fallback poll that backstops
	// pub/sub delivery.
	PollInterval time.Duration

	// Recorder receives the structured operation trail. Optional.
	Recorder *events.Recorder
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Coordinator arbitrates bounded-quorum votes over destructive operations.
// It only decides outcomes; acting on an approval is the caller's job.
//
// All records live in one hash, so every ballot serialises at the store:
// votes land in commit order and the first ballot to cross a threshold
// finalises the status.
type Coordinator struct {
	store    store.Store
	cfg      Config
	recorder *events.Recorder
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(st store.Store, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		store:    st,
		cfg:      cfg,
		recorder: cfg.Recorder,
		logger:   log.WithComponent("consensus"),
	}
}

func (c *Coordinator) record(ctx context.Context, op, agent, result string) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(ctx, events.OpRecord{Component: "consensus", Op: op, Agent: agent, Result: result})
}

func encodeRequest(r *types.ConsensusRequest) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode consensus request %s: %w", r.ID, err)
	}
	return string(b), nil
}

func decodeRequest(raw string) (*types.ConsensusRequest, error) {
	var r types.ConsensusRequest
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode consensus request: %w", err)
	}
	return &r, nil
}

// Request opens a voting request and announces it on consensus:new_request.
// The returned record carries the generated id and computed expiry.
func (c *Coordinator) Request(ctx context.Context, p Proposal) (*types.ConsensusRequest, error) {
	if p.Operation == "" {
		return nil, fmt.Errorf("consensus proposal needs an operation")
	}
	if p.RequiredApprovals < 1 {
		return nil, fmt.Errorf("required approvals must be at least 1, got %d", p.RequiredApprovals)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	now := time.Now().UTC()
	req := &types.ConsensusRequest{
		ID:                uuid.NewString(),
		Operation:         p.Operation,
		AffectedFiles:     p.Files,
		Reason:            p.Reason,
		RequiredApprovals: p.RequiredApprovals,
		Approvers:         []string{},
		Rejectors:         []string{},
		Votes:             map[string]types.Vote{},
		Status:            types.ConsensusPending,
		Initiator:         p.Initiator,
		CreatedAt:         now,
		ExpiresAt:         now.Add(timeout),
	}
	raw, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	ev := events.New(events.EventConsensusRequested)
	ev.RequestID = req.ID
	ev.Agent = p.Initiator
	ev.Message = p.Operation
	ev.Reason = p.Reason

	err = c.store.Multi(ctx, func(b store.Batch) {
		b.HashSet(types.ConsensusRequestsKey, map[string]string{req.ID: raw})
		b.SortedSetAdd(types.ConsensusPendingKey, float64(req.ExpiresAt.UnixMilli()), req.ID)
		b.Publish(events.ChannelConsensusNewRequest, ev.Encode())
	})
	if err != nil {
		c.record(ctx, "request", p.Initiator, "error")
		return nil, fmt.Errorf("open consensus request: %w", err)
	}

	metrics.ConsensusRequests.Inc()
	c.record(ctx, "request", p.Initiator, "ok")
	c.logger.Info().Str("request_id", req.ID).Str("operation", p.Operation).
		Int("required_approvals", p.RequiredApprovals).Time("expires_at", req.ExpiresAt).
		Msg("consensus request opened")
	return req, nil
}

// Vote records one agent's ballot and recomputes the status: approved once
// approvals reach the quorum, rejected early once rejections exceed half of
// it. The updated record is returned; callers check Status for the outcome.
//
// Votes against expired requests are refused even before the expiry sweep
// runs, so a request past its deadline can never reach approved.
func (c *Coordinator) Vote(ctx context.Context, requestID, agentID string, approve bool, comment string) (*types.ConsensusRequest, error) {
	var req *types.ConsensusRequest
	var err error
	for i := 0; i < 5; i++ {
		req = nil
		err = c.store.Transact(ctx, func(tx store.Tx) error {
			raw, err := tx.HashGet(types.ConsensusRequestsKey, requestID)
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownRequest
			}
			if err != nil {
				return err
			}
			r, err := decodeRequest(raw)
			if err != nil {
				return err
			}
			if r.Status != types.ConsensusPending {
				return ErrNotPending
			}
			if time.Now().After(r.ExpiresAt) {
				return ErrNotPending
			}
			if r.HasVoted(agentID) {
				return ErrAlreadyVoted
			}

			if r.Votes == nil {
				r.Votes = map[string]types.Vote{}
			}
			r.Votes[agentID] = types.Vote{Approve: approve, Comment: comment, Timestamp: time.Now().UTC()}
			if approve {
				r.Approvers = append(r.Approvers, agentID)
			} else {
				r.Rejectors = append(r.Rejectors, agentID)
			}
			if len(r.Approvers) >= r.RequiredApprovals {
				r.Status = types.ConsensusApproved
			} else if len(r.Rejectors) > r.RequiredApprovals/2 {
				r.Status = types.ConsensusRejected
			}

			updated, err := encodeRequest(r)
			if err != nil {
				return err
			}
			req = r
			return tx.Commit(func(b store.Batch) {
				b.HashSet(types.ConsensusRequestsKey, map[string]string{r.ID: updated})

				ev := events.New(events.EventConsensusVote)
				ev.RequestID = r.ID
				ev.Agent = agentID
				ev.Status = ballot(approve)
				b.Publish(events.ChannelConsensusVote, ev.Encode())

				if r.Status.Terminal() {
					b.SortedSetRemove(types.ConsensusPendingKey, r.ID)
					dec := events.New(events.EventConsensusDecision)
					dec.RequestID = r.ID
					dec.Status = string(r.Status)
					b.Publish(events.ChannelConsensusDecision, dec.Encode())
				}
			})
		}, types.ConsensusRequestsKey)
		if !errors.Is(err, store.ErrTxConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyVoted) || errors.Is(err, ErrNotPending) || errors.Is(err, ErrUnknownRequest) {
			c.record(ctx, "vote", agentID, "rejected")
			return nil, err
		}
		c.record(ctx, "vote", agentID, "error")
		return nil, fmt.Errorf("vote on %s: %w", requestID, err)
	}

	metrics.ConsensusVotes.WithLabelValues(ballot(approve)).Inc()
	if req.Status.Terminal() {
		metrics.ConsensusDecisions.WithLabelValues(string(req.Status)).Inc()
		c.logger.Info().Str("request_id", req.ID).Str("status", string(req.Status)).
			Int("approvals", len(req.Approvers)).Int("rejections", len(req.Rejectors)).
			Msg("consensus decided")
	}
	c.record(ctx, "vote", agentID, "ok")
	return req, nil
}

func ballot(approve bool) string {
	if approve {
		return "approve"
	}
	return "reject"
}

// Cancel withdraws a pending request. Only the pending state admits it.
func (c *Coordinator) Cancel(ctx context.Context, requestID, by string) error {
	var err error
	for i := 0; i < 5; i++ {
		err = c.store.Transact(ctx, func(tx store.Tx) error {
			raw, err := tx.HashGet(types.ConsensusRequestsKey, requestID)
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownRequest
			}
			if err != nil {
				return err
			}
			r, err := decodeRequest(raw)
			if err != nil {
				return err
			}
			if r.Status != types.ConsensusPending {
				return ErrNotPending
			}
			r.Status = types.ConsensusCanceled
			updated, err := encodeRequest(r)
			if err != nil {
				return err
			}
			return tx.Commit(func(b store.Batch) {
				b.HashSet(types.ConsensusRequestsKey, map[string]string{r.ID: updated})
				b.SortedSetRemove(types.ConsensusPendingKey, r.ID)
				dec := events.New(events.EventConsensusDecision)
				dec.RequestID = r.ID
				dec.Agent = by
				dec.Status = string(types.ConsensusCanceled)
				b.Publish(events.ChannelConsensusDecision, dec.Encode())
			})
		}, types.ConsensusRequestsKey)
		if !errors.Is(err, store.ErrTxConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotPending) || errors.Is(err, ErrUnknownRequest) {
			return err
		}
		return fmt.Errorf("cancel consensus request %s: %w", requestID, err)
	}

	metrics.ConsensusDecisions.WithLabelValues(string(types.ConsensusCanceled)).Inc()
	c.record(ctx, "cancel", by, "ok")
	return nil
}

// Get returns the request record.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*types.ConsensusRequest, error) {
	raw, err := c.store.HashGet(ctx, types.ConsensusRequestsKey, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		return nil, fmt.Errorf("read consensus request %s: %w", requestID, err)
	}
	return decodeRequest(raw)
}

// ListPending returns the open requests ordered by expiry, soonest first.
func (c *Coordinator) ListPending(ctx context.Context) ([]*types.ConsensusRequest, error) {
	ids, err := c.store.SortedSetRangeByScore(ctx, types.ConsensusPendingKey, 0, math.Inf(1))
	if err != nil {
		return nil, fmt.Errorf("list pending consensus requests: %w", err)
	}
	out := make([]*types.ConsensusRequest, 0, len(ids))
	for _, id := range ids {
		req, err := c.Get(ctx, id)
		if errors.Is(err, ErrUnknownRequest) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Status != types.ConsensusPending {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// WaitFor blocks until the request reaches a terminal status or the wait
// times out, and returns the latest record either way. Callers inspect
// Status: a still-pending record means the wait expired first. A decision
// subscription carries the fast path; a slow poll backstops lost messages.
func (c *Coordinator) WaitFor(ctx context.Context, requestID string, timeout time.Duration) (*types.ConsensusRequest, error) {
	sub, err := c.store.Subscribe(ctx, events.ChannelConsensusDecision)
	if err != nil {
		return nil, fmt.Errorf("subscribe for consensus decision: %w", err)
	}
	defer sub.Close()

	req, err := c.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return c.Get(ctx, requestID)
		case msg, ok := <-sub.Messages():
			if !ok {
				return c.Get(ctx, requestID)
			}
			ev, err := events.Decode(msg.Payload)
			if err != nil || ev.RequestID != requestID {
				continue
			}
			return c.Get(ctx, requestID)
		case <-poll.C:
			req, err := c.Get(ctx, requestID)
			if err != nil {
				return nil, err
			}
			if req.Status.Terminal() {
				return req, nil
			}
		}
	}
}

// ExpireSweep finalises pending requests past their deadline with the
// timeout status and reports how many it closed. The janitor calls this on
// every pass.
func (c *Coordinator) ExpireSweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	ids, err := c.store.SortedSetRangeByScore(ctx, types.ConsensusPendingKey, 0, float64(now.UnixMilli()))
	if err != nil {
		return 0, fmt.Errorf("scan expired consensus requests: %w", err)
	}

	swept := 0
	for _, id := range ids {
		var expired bool
		var err error
		for i := 0; i < 3; i++ {
			expired = false
			err = c.store.Transact(ctx, func(tx store.Tx) error {
				raw, err := tx.HashGet(types.ConsensusRequestsKey, id)
				if errors.Is(err, store.ErrNotFound) {
					// Record gone; drop the dangling index entry.
					return tx.Commit(func(b store.Batch) {
						b.SortedSetRemove(types.ConsensusPendingKey, id)
					})
				}
				if err != nil {
					return err
				}
				r, err := decodeRequest(raw)
				if err != nil {
					return err
				}
				if r.Status != types.ConsensusPending {
					return tx.Commit(func(b store.Batch) {
						b.SortedSetRemove(types.ConsensusPendingKey, id)
					})
				}
				r.Status = types.ConsensusTimeout
				updated, err := encodeRequest(r)
				if err != nil {
					return err
				}
				expired = true
				return tx.Commit(func(b store.Batch) {
					b.HashSet(types.ConsensusRequestsKey, map[string]string{r.ID: updated})
					b.SortedSetRemove(types.ConsensusPendingKey, r.ID)
					dec := events.New(events.EventConsensusDecision)
					dec.RequestID = r.ID
					dec.Status = string(types.ConsensusTimeout)
					b.Publish(events.ChannelConsensusDecision, dec.Encode())
				})
			}, types.ConsensusRequestsKey)
			if !errors.Is(err, store.ErrTxConflict) {
				break
			}
		}
		if err != nil {
			if errors.Is(err, store.ErrTxConflict) {
				// A vote raced the sweep; the next pass settles it.
				continue
			}
			return swept, fmt.Errorf("expire consensus request %s: %w", id, err)
		}
		if expired {
			swept++
			metrics.ConsensusDecisions.WithLabelValues(string(types.ConsensusTimeout)).Inc()
			c.logger.Info().Str("request_id", id).Msg("consensus request timed out")
		}
	}
	if swept > 0 {
		c.record(ctx, "expire_sweep", "", "ok")
	}
	return swept, nil
}
