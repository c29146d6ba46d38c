// Package queue runs the memory subsystem's background work: a bounded
// in-process task queue with per-session ordering, and a durable
// inter-process queue file shared with the standalone graph worker.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrQueueClosed is returned when enqueueing after shutdown began.
	ErrQueueClosed = errors.New("queue closed")
	// ErrLockTimeout is returned when the queue file lock cannot be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("queue lock timeout")
)

// Task is one unit of background work for a turn.
type Task struct {
	ID               string
	SessionGUID      string
	TurnGUID         string
	ConversationText string
	DigestText       string
	EnqueuedAt       time.Time
}

// NewTaskID returns a lexically time-ordered task id.
func NewTaskID() string {
	return ulid.Make().String()
}

// Handler processes one task. A non-nil error counts as a task failure.
type Handler func(ctx context.Context, task Task) error

// Recorder receives per-task timing; the metrics sink implements it.
type Recorder interface {
	RecordTask(kind string, duration time.Duration, ok bool)
}
