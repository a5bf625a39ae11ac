package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// TodoPool is the global idle-scavenger pool: freeform work notes any agent
// may pull when its own queues are dry. Items are plain strings, served
// oldest first through the same tail-to-head checkout the task queues use.
type TodoPool struct {
	store    store.Store
	recorder *events.Recorder
}

// NewTodoPool creates a pool over the given store.
func NewTodoPool(st store.Store, recorder *events.Recorder) *TodoPool {
	return &TodoPool{store: st, recorder: recorder}
}

func (p *TodoPool) record(ctx context.Context, op, agent, result string) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(ctx, events.OpRecord{Component: "todo", Op: op, Agent: agent, Result: result})
}

// Add appends items to the pool. Blank items are dropped.
func (p *TodoPool) Add(ctx context.Context, items ...string) (int, error) {
	kept := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return 0, nil
	}
	if err := p.store.ListPushFront(ctx, types.TodoKey, kept...); err != nil {
		return 0, fmt.Errorf("add todos: %w", err)
	}
	return len(kept), nil
}

// Scavenge checks one item out of the pool for an idle agent, recording the
// assignment. Returns "" with nil error when the pool is empty.
func (p *TodoPool) Scavenge(ctx context.Context, agentID string) (string, error) {
	item, err := p.store.ListMoveTailToHead(ctx, types.TodoKey, types.TodoProcessingKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scavenge todo: %w", err)
	}

	assignment := types.TodoAssignment{Agent: agentID, AssignedAt: time.Now().UTC()}
	aj, err := json.Marshal(assignment)
	if err != nil {
		return "", fmt.Errorf("encode todo assignment: %w", err)
	}
	if err := p.store.HashSet(ctx, types.TodoAssignmentsKey, map[string]string{item: string(aj)}); err != nil {
		// The checkout stands; the sweep treats assignment-less processing
		// entries as orphans.
		return item, fmt.Errorf("record todo assignment: %w", err)
	}

	metrics.TodosScavenged.Inc()
	p.record(ctx, "scavenge", agentID, "ok")
	return item, nil
}

// Complete resolves a scavenged item: out of processing, into the completed
// trail.
func (p *TodoPool) Complete(ctx context.Context, agentID, item string) error {
	err := p.store.Multi(ctx, func(b store.Batch) {
		b.ListRemove(types.TodoProcessingKey, 1, item)
		b.HashDelete(types.TodoAssignmentsKey, item)
		b.ListPushFront(types.TodoCompletedKey, item)
	})
	if err != nil {
		return fmt.Errorf("complete todo: %w", err)
	}
	p.record(ctx, "complete", agentID, "ok")
	return nil
}

// Return hands a scavenged item back to the pool, for shutdown while one is
// held.
func (p *TodoPool) Return(ctx context.Context, agentID, item string) error {
	err := p.store.Multi(ctx, func(b store.Batch) {
		b.ListRemove(types.TodoProcessingKey, 1, item)
		b.HashDelete(types.TodoAssignmentsKey, item)
		b.ListPushFront(types.TodoKey, item)
	})
	if err != nil {
		return fmt.Errorf("return todo: %w", err)
	}
	p.record(ctx, "return", agentID, "ok")
	return nil
}

// Assignment looks up who holds a processing item. Missing assignments
// report store.ErrNotFound.
func (p *TodoPool) Assignment(ctx context.Context, item string) (*types.TodoAssignment, error) {
	v, err := p.store.HashGet(ctx, types.TodoAssignmentsKey, item)
	if err != nil {
		return nil, err
	}
	var a types.TodoAssignment
	if err := json.Unmarshal([]byte(v), &a); err != nil {
		return nil, fmt.Errorf("decode todo assignment: %w", err)
	}
	return &a, nil
}

// InFlight returns the items currently checked out by scavengers.
func (p *TodoPool) InFlight(ctx context.Context) ([]string, error) {
	return p.store.ListRange(ctx, types.TodoProcessingKey, 0, -1)
}

// Pending counts items waiting in the pool.
func (p *TodoPool) Pending(ctx context.Context) (int64, error) {
	return p.store.ListLength(ctx, types.TodoKey)
}

// List returns the waiting items, next-to-serve last.
func (p *TodoPool) List(ctx context.Context) ([]string, error) {
	return p.store.ListRange(ctx, types.TodoKey, 0, -1)
}
