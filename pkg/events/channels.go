package events

// Pub/sub channel names. These are shared with dashboards and external
// tooling; payload shapes are the Event envelope.
const (
	ChannelFileLocks            = "file-locks"
	ChannelAgentRegistry        = "agent-registry"
	ChannelAgentChat            = "agent-chat"
	ChannelCoordinationRequired = "coordination-required"
	ChannelTaskUpdates          = "task-updates"
	ChannelConsensusNewRequest  = "consensus:new_request"
	ChannelConsensusVote        = "consensus:vote"
	ChannelConsensusDecision    = "consensus:decision"
	ChannelQueueAlerts          = "queue:alerts"
)

// AgentInbox is the per-agent direct channel, used for notices the agent
// must act on immediately (a forced-lock eviction, for one).
func AgentInbox(agentID string) string {
	return "agent:" + agentID + ":inbox"
}
