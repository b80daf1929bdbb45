package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/state"
)

type Status string

const (
	// StatusLocked means the task's shift window is closed right now.
	StatusLocked Status = "Locked"
	// StatusPending means the task is workable and waiting to be started.
	StatusPending Status = "Pending"
	// StatusInProgress means the worker has the task open.
	StatusInProgress Status = "InProgress"
	// StatusAwaitingSubmission means the dwell time elapsed and the
	// worker must submit evidence.
	StatusAwaitingSubmission Status = "AwaitingSubmission"
	// StatusVerifying means a submission is with the reviewer. The
	// state doubles as a lock against concurrent re-submission.
	StatusVerifying Status = "Verifying"
	// StatusCompleted and StatusFailed are terminal.
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the engine's runtime view of one task definition for one
// worker session.
type Task struct {
	Def         state.TaskDefinitionRecord
	Status      Status
	NeedsReview bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Earned      decimal.Decimal
	FailReason  string
}

// Duration is the required dwell time for this task.
func (t *Task) Duration() time.Duration {
	return time.Duration(t.Def.DurationMinutes) * time.Minute
}
