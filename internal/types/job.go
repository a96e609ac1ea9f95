package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a long-running job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobStuck      JobState = "stuck"
	JobSubmitted  JobState = "submitted"
	JobAccepted   JobState = "accepted"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobAccepted || s == JobFailed || s == JobCancelled
}

// jobTransitions is the closed set of legal state transitions.
var jobTransitions = map[JobState][]JobState{
	JobPending:    {JobInProgress, JobCancelled},
	JobInProgress: {JobCompleted, JobFailed, JobStuck, JobCancelled},
	JobStuck:      {JobInProgress, JobFailed, JobCancelled},
	JobCompleted:  {JobSubmitted, JobAccepted},
	JobSubmitted:  {JobAccepted, JobFailed},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition if from -> to is illegal.
func ValidateTransition(from, to JobState) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// JobMode selects where a job's tool calls execute.
type JobMode string

const (
	JobModeLocal     JobMode = "local"
	JobModeSandboxed JobMode = "sandboxed-worker"
	JobModeBridge    JobMode = "claude-bridge"
)

// Job is a longer-running task explicitly created by the agent.
type Job struct {
	ID          uuid.UUID
	UserID      string
	Title       string
	Description string
	State       JobState
	Mode        JobMode
	ProjectDir  string

	RepairAttempts int
	FailureReason  string

	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	LastActivity time.Time
}

// SandboxJob is the orchestrator-side record of a containerized job.
type SandboxJob struct {
	JobID       uuid.UUID
	UserID      string
	ContainerID string
	State       JobState
	AllowedHosts   []string
	AllowedSecrets []string
	StartedAt   time.Time
	CompletedAt time.Time
}

// JobEvent is one append-only log entry for a job.
type JobEvent struct {
	ID        int64
	JobID     uuid.UUID
	Kind      string
	Payload   map[string]any
	CreatedAt time.Time
}

// EstimationSnapshot records a cost/duration estimate made before a job ran,
// kept for calibrating future estimates against actuals.
type EstimationSnapshot struct {
	ID               uuid.UUID
	JobID            uuid.UUID
	EstimatedCostUSD float64
	EstimatedSecs    int64
	ActualCostUSD    float64
	ActualSecs       int64
	CreatedAt        time.Time
}
