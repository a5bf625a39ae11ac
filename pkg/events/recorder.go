package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// OpRecord describes one mutating operation for the observability trail.
type OpRecord struct {
	Component string
	Op        string
	Queue     string
	Priority  string
	Agent     string
	File      string
	TaskID    string
	Result    string // "ok" or an error class
}

// Recorder emits the structured operation trail: one log line per mutating
// op plus an aggregated counter in the store under metrics:<component>.
// Recording never fails the operation it observes.
type Recorder struct {
	store  store.Store
	logger zerolog.Logger
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st, logger: log.WithComponent("ops")}
}

// Record logs the operation and bumps its aggregated counter.
func (r *Recorder) Record(ctx context.Context, rec OpRecord) {
	ev := r.logger.Info().
		Str("component", rec.Component).
		Str("op", rec.Op)
	if rec.Queue != "" {
		ev = ev.Str("queue", rec.Queue)
	}
	if rec.Priority != "" {
		ev = ev.Str("priority", rec.Priority)
	}
	if rec.Agent != "" {
		ev = ev.Str("agent", rec.Agent)
	}
	if rec.File != "" {
		ev = ev.Str("file", rec.File)
	}
	if rec.TaskID != "" {
		ev = ev.Str("task_id", rec.TaskID)
	}
	ev.Str("result", rec.Result).Msg("op")

	if r.store == nil {
		return
	}
	if _, err := r.store.HashIncrBy(ctx, types.MetricsKey(rec.Component), rec.Op, 1); err != nil {
		r.logger.Warn().Err(err).Str("component", rec.Component).Str("op", rec.Op).
			Msg("op counter update failed")
	}
}
