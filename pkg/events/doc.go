/*
Package events defines the pub/sub taxonomy shared across Drover processes:
channel names, event type discriminators, and the JSON envelope every
payload uses.

Channels are fire-and-forget. A lost message is tolerable because every
state an event announces is also derivable by polling the store; events
exist to cut polling latency, not to carry authority.

Cross-process signalling is strictly store pub/sub. Inside a process,
components talk over plain Go channels; there is no in-process broker.

The Recorder emits the operation trail: each mutating operation in the
system logs one structured line and bumps an aggregated counter under
metrics:<component> in the store, where dashboards read it.
*/
package events
