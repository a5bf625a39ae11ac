// Package artifact persists what the model produced for each completed
// task. Saves are idempotent by task id, which is what lets the dispatcher
// treat completion as an at-least-once path: replaying a completion after a
// crash re-saves the artifact and the first write still wins.
//
// BoltSink is the local-disk implementation. Artifacts are operator-facing
// output, not coordination state, so they stay out of the shared store.
package artifact
