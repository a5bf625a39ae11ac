package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is one tier of a logical queue. Tiers are served by weighted
// round-robin with a hard anti-starvation override.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityDeferred Priority = "deferred"
)

// Priorities lists the configured ladder from most to least urgent.
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityDeferred,
}

// DefaultWeights is the canonical weight ladder.
func DefaultWeights() map[Priority]float64 {
	return map[Priority]float64{
		PriorityCritical: 10,
		PriorityHigh:     5,
		PriorityNormal:   1,
		PriorityLow:      0.5,
		PriorityDeferred: 0.1,
	}
}

// Valid reports whether p is drawn from the configured ladder.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityDeferred:
		return true
	}
	return false
}

// ParsePriority converts a string into a Priority, rejecting values outside
// the ladder. Input is trimmed and lowercased so CLI flags and config files
// can be forgiving about case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q", s)
	}
	return p, nil
}

// Task is one unit of work. It is immutable once enqueued; requeues write a
// fresh copy with an incremented attempt counter. The JSON field names are
// the wire contract shared with dashboards and CLIs.
type Task struct {
	ID         string   `json:"id"`
	File       string   `json:"file"`
	Prompt     string   `json:"prompt"`
	Type       string   `json:"type,omitempty"`
	Priority   Priority `json:"priority"`
	EnqueuedAt int64    `json:"enqueuedAt"` // unix milliseconds
	Source     string   `json:"source,omitempty"`
	Attempts   int      `json:"attempts"`
}

// Files returns the file paths the task intends to mutate. The wire field
// is a single string; multi-file tasks separate paths with commas. The
// dispatcher locks every path returned here.
func (t *Task) Files() []string {
	if t.File == "" {
		return nil
	}
	var files []string
	for _, f := range strings.Split(t.File, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}

// EncodeTask serialises a task into its wire form.
func EncodeTask(t *Task) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return string(b), nil
}

// DecodeTask parses a task from its wire form.
func DecodeTask(s string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// AgentStatus is the lifecycle state of a worker agent.
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentWorking     AgentStatus = "working"
	AgentStopped     AgentStatus = "stopped"
	AgentUnreachable AgentStatus = "unreachable"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentStopped, AgentUnreachable:
		return true
	}
	return false
}

// AgentInfo is the registry record for one worker process. The store owns
// the authoritative copy; in-process copies are hints.
type AgentInfo struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	CurrentTask   string      `json:"current_task,omitempty"`
	CurrentQueue  string      `json:"current_queue,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// FileLock is a leased mutual exclusion record over one file path. At most
// one lock exists per path at any instant.
type FileLock struct {
	Path       string        `json:"path"`
	Owner      string        `json:"owner"`
	LeaseID    string        `json:"lease_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	Forced     bool          `json:"forced,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// ConsensusStatus is the lifecycle state of a voting request. Terminal
// states are final.
type ConsensusStatus string

const (
	ConsensusPending  ConsensusStatus = "pending"
	ConsensusApproved ConsensusStatus = "approved"
	ConsensusRejected ConsensusStatus = "rejected"
	ConsensusTimeout  ConsensusStatus = "timeout"
	ConsensusCanceled ConsensusStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s ConsensusStatus) Terminal() bool {
	return s != ConsensusPending && s != ""
}

// Vote is one agent's ballot on a consensus request.
type Vote struct {
	Approve   bool      `json:"approve"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsensusRequest authorises a destructive operation or policy change via
// bounded-quorum voting. Each agent votes at most once.
type ConsensusRequest struct {
	ID                string          `json:"id"`
	Operation         string          `json:"operation"`
	AffectedFiles     []string        `json:"affected_files"`
	Reason            string          `json:"reason"`
	RequiredApprovals int             `json:"required_approvals"`
	Approvers         []string        `json:"approvers"`
	Rejectors         []string        `json:"rejectors"`
	Votes             map[string]Vote `json:"votes"`
	Status            ConsensusStatus `json:"status"`
	Initiator         string          `json:"initiator,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// HasVoted reports whether the agent already committed a ballot.
func (r *ConsensusRequest) HasVoted(agentID string) bool {
	_, ok := r.Votes[agentID]
	return ok
}

// TierStats is the derived per-(queue, priority) statistics snapshot.
type TierStats struct {
	Pending   int64   `json:"pending"`
	Enqueued  int64   `json:"enqueued"`
	Dequeued  int64   `json:"dequeued"`
	AvgTimeMs float64 `json:"avg_time_ms"`
	Completed int64   `json:"completed"`
	Weight    float64 `json:"weight"`
}

// QueueStats is the statistics snapshot for one logical queue.
type QueueStats struct {
	Queue   string                 `json:"queue"`
	Pending int64                  `json:"pending"`
	Failed  int64                  `json:"failed"`
	Tiers   map[Priority]TierStats `json:"tiers"`
}

// CompletionRecord is the idempotent completion bookkeeping entry, keyed by
// task id.
type CompletionRecord struct {
	TaskID      string    `json:"task_id"`
	Agent       string    `json:"agent"`
	Queue       string    `json:"queue"`
	Priority    Priority  `json:"priority"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// CheckoutMeta records who holds a processing entry and since when. A
// processing entry with no checkout metadata is an orphan and is recovered
// by the janitor.
type CheckoutMeta struct {
	Agent        string   `json:"agent"`
	Priority     Priority `json:"priority"`
	CheckedOutAt int64    `json:"checked_out_at"` // unix milliseconds
}

// TodoAssignment records which agent pulled a todo from the shared pool.
type TodoAssignment struct {
	Agent      string    `json:"agent"`
	AssignedAt time.Time `json:"assigned_at"`
}
