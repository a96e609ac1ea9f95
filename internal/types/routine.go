package types

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKind selects how a routine fires.
type TriggerKind string

const (
	TriggerCron    TriggerKind = "cron"
	TriggerPattern TriggerKind = "pattern"
	TriggerWebhook TriggerKind = "webhook"
	TriggerManual  TriggerKind = "manual"
)

// Routine is a scheduled or event-triggered task. The action is a system
// prompt queued as a job through the scheduler when the trigger fires.
type Routine struct {
	ID      uuid.UUID
	UserID  string
	Name    string
	Trigger TriggerKind

	// CronExpr holds the schedule for TriggerCron.
	CronExpr string
	// Pattern holds the regex for TriggerPattern, matched against every
	// incoming message.
	Pattern string

	Action   string
	Cooldown time.Duration
	Enabled  bool

	RunCount  int64
	LastRunAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoutineRun records one firing of a routine.
type RoutineRun struct {
	ID        uuid.UUID
	RoutineID uuid.UUID
	JobID     uuid.UUID
	Trigger   string
	Success   bool
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}
