package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the mandatory payload discriminator.
type EventType string

const (
	// file-locks channel
	EventFileClaimed     EventType = "file_claimed"
	EventFileReleased    EventType = "file_released"
	EventFileForceLocked EventType = "file_force_locked"

	// agent-registry channel
	EventAgentRegistered    EventType = "agent_registered"
	EventAgentStatusUpdated EventType = "agent_status_updated"
	EventAgentUnreachable   EventType = "agent_unreachable"

	// task-updates channel
	EventTaskEnqueued  EventType = "task_enqueued"
	EventTaskRequeued  EventType = "task_requeued"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	// coordination-required channel
	EventCoordinationRequired EventType = "coordination_required"

	// consensus:* channels
	EventConsensusRequested EventType = "consensus_requested"
	EventConsensusVote      EventType = "consensus_vote"
	EventConsensusDecision  EventType = "consensus_decision"

	// queue:alerts channel
	EventQueueAlert EventType = "queue_alert"

	// agent-chat channel
	EventChatMessage EventType = "chat_message"

	// per-agent inbox
	EventLockEvicted EventType = "lock_evicted"
)

// Event is the wire envelope for every pub/sub payload: a type
// discriminator, an ISO-8601 timestamp, and whichever context fields the
// event kind carries.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	Agent     string    `json:"agent,omitempty"`
	File      string    `json:"file,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	Priority  string    `json:"priority,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// New creates an event of the given type stamped with the current time.
func New(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// Encode serialises the event for publishing.
func (e Event) Encode() string {
	b, err := json.Marshal(e)
	if err != nil {
		// Event has no unmarshalable fields; this cannot fire.
		return `{"type":"` + string(e.Type) + `"}`
	}
	return string(b)
}

// Decode parses an event payload.
func Decode(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("event payload missing type discriminator")
	}
	return e, nil
}
