// Package types defines the core data model shared by every IronClaw
// subsystem: sessions, threads, turns, jobs, workspace documents, routines,
// channel messages, and the error taxonomy at the runtime boundary.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ThreadState is the lifecycle state of a conversation thread.
type ThreadState string

const (
	ThreadIdle            ThreadState = "idle"
	ThreadProcessing      ThreadState = "processing"
	ThreadWaitingApproval ThreadState = "waiting_approval"
	ThreadStopped         ThreadState = "stopped"
)

// TurnState is the lifecycle state of a single turn.
type TurnState string

const (
	TurnPending     TurnState = "pending"
	TurnInProgress  TurnState = "in_progress"
	TurnCompleted   TurnState = "completed"
	TurnFailed      TurnState = "failed"
	TurnInterrupted TurnState = "interrupted"
)

// Terminal reports whether the turn can no longer change.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed || s == TurnInterrupted
}

// Session groups all threads for one user. Exactly one thread is active.
type Session struct {
	ID             uuid.UUID
	UserID         string
	ActiveThreadID uuid.UUID

	// AutoApprovedTools holds tool names the user answered "always" for.
	AutoApprovedTools map[string]bool

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Thread is an ordered sequence of turns with independent history.
type Thread struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	UserID    string
	State     ThreadState
	TurnCount int
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one user request paired with an assistant response.
type Turn struct {
	ID         uuid.UUID
	ThreadID   uuid.UUID
	TurnNumber int
	UserInput  string
	Response   string
	State      TurnState

	Actions []Action

	PromptTokens     int
	CompletionTokens int
	CostUSD          float64

	StartedAt   time.Time
	CompletedAt time.Time
}

// Action records a single tool invocation within a turn. Append-only.
type Action struct {
	ID        uuid.UUID
	TurnID    uuid.UUID
	ToolName  string
	Params    map[string]any
	Result    string
	Error     string
	Duration  time.Duration
	CostUSD   float64
	VerdictIn string // safety verdict applied to the tool output
	VerdictOut string // safety verdict applied to outbound parameters
	CreatedAt time.Time
}

// PendingApproval is a tool call waiting for a user decision. In-memory
// only; a restart drops it and the owning thread returns to idle.
type PendingApproval struct {
	RequestID  uuid.UUID
	ThreadID   uuid.UUID
	ToolName   string
	Params     map[string]any
	CreatedAt  time.Time
}

// ApprovalDecision is the user's answer at the approval gate.
type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "approve"
	ApprovalAlways  ApprovalDecision = "always"
	ApprovalDeny    ApprovalDecision = "deny"
)

// LlmCallRecord is the audit row persisted for every provider call.
type LlmCallRecord struct {
	ID               uuid.UUID
	UserID           string
	ThreadID         uuid.UUID
	TurnID           uuid.UUID
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	DurationMs       int64
	FinishReason     string
	ResponseID       string
	CreatedAt        time.Time
}

// ToolFailure tracks consecutive failures per tool for self-repair.
type ToolFailure struct {
	ToolName            string
	UserID              string
	ConsecutiveFailures int
	LastError           string
	Broken              bool
	UpdatedAt           time.Time
}

// Setting is a per-user key/value pair with structured JSON value.
type Setting struct {
	UserID    string
	Key       string
	Value     any
	CreatedAt time.Time
	UpdatedAt time.Time
}
