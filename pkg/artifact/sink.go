package artifact

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no artifact exists for the task id.
var ErrNotFound = errors.New("artifact: not found")

// Artifact is the durable output of one model invocation: whatever the
// model produced for the task, plus enough context to trace it back.
type Artifact struct {
	TaskID     string    `json:"task_id"`
	Queue      string    `json:"queue"`
	Agent      string    `json:"agent"`
	File       string    `json:"file,omitempty"`
	Output     string    `json:"output"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Sink persists artifacts. Save is idempotent by task id: the first write
// wins and every repeat is a silent no-op, so a retried completion can
// never clobber the result already recorded.
type Sink interface {
	Save(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, taskID string) (*Artifact, error)
	Close() error
}
