/*
Package log provides structured logging for Drover using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers and configurable log levels. All logs
include timestamps and support filtering by severity level for production
debugging.

# Usage

Initialize once at process start, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("queue")
	logger.Info().Str("queue", "feature-dev").Msg("task enqueued")

Child helpers attach the fields operators filter on in production. Agent
processes tag every line with their agent id; task-scoped work additionally
carries the task id so one task's lifecycle can be traced across enqueue,
checkout, lock acquisition, and completion:

	log.WithAgentID("agent-7")    // agent_id=agent-7
	log.WithQueue("feature-dev")  // queue=feature-dev
	log.WithTaskID("task-123")    // task_id=task-123

JSON output is the default in agents and the janitor; console output is for
interactive CLI use.
*/
package log
