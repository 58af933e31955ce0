package engine

import (
	"time"

	"github.com/oac-sh/oac/internal/agents"
	"github.com/oac-sh/oac/internal/task"
)

// Status is a job's lifecycle state. Terminal states are completed,
// failed, and aborted, and are set exactly once.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Job is one attempt-tracked unit of scheduled work. Jobs are created only
// by Enqueue, mutated only by the engine and its worker, and live for a
// single Run invocation.
type Job struct {
	ID          string             `json:"id"`
	Task        task.Task          `json:"task"`
	Estimate    task.Estimate      `json:"estimate"`
	Status      Status             `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	WorkerID    string             `json:"worker_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   time.Time          `json:"started_at,omitzero"`
	CompletedAt time.Time          `json:"completed_at,omitzero"`
	Err         *agents.AgentError `json:"-"`
	Result      *agents.Result     `json:"result,omitempty"`

	terminal bool
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return j.terminal
}

// RunResult is what Run hands back to the caller: every job, partitioned
// by terminal status.
type RunResult struct {
	Jobs      []*Job
	Completed []*Job
	Failed    []*Job
	Aborted   []*Job
}
