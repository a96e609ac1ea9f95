package background

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// routineLoop is the cron sub-loop: every minute it polls persistence
// for due cron-triggered routines. The event sub-loop lives in
// MatchMessage, called by the agent wiring on every incoming message.
func (r *Runner) routineLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.fireDueCrons(ctx, now)
		}
	}
}

func (r *Runner) fireDueCrons(ctx context.Context, now time.Time) {
	routines, err := r.store.ListEnabledRoutines(ctx, types.TriggerCron)
	if err != nil {
		logging.Get(logging.CategoryRoutine).Warn("cron poll: %v", err)
		return
	}
	for _, routine := range routines {
		sched, err := cronParser.Parse(routine.CronExpr)
		if err != nil {
			logging.Get(logging.CategoryRoutine).Warn("routine %s has invalid cron %q", routine.Name, routine.CronExpr)
			continue
		}
		// Due when the next firing after the last run falls at or before
		// now. A never-run routine anchors at its creation time.
		anchor := routine.LastRunAt
		if anchor.IsZero() {
			anchor = routine.CreatedAt
		}
		if sched.Next(anchor).After(now) {
			continue
		}
		if !r.cooldownElapsed(routine, now) {
			continue
		}
		r.fire(ctx, routine, "cron")
	}
}

// MatchMessage is the event sub-loop body: applies each pattern routine
// against one incoming message.
func (r *Runner) MatchMessage(ctx context.Context, msg *types.IncomingMessage) {
	routines, err := r.store.ListEnabledRoutines(ctx, types.TriggerPattern)
	if err != nil {
		return
	}
	now := time.Now()
	for _, routine := range routines {
		re, err := regexp.Compile(routine.Pattern)
		if err != nil {
			continue
		}
		if !re.MatchString(msg.Content) {
			continue
		}
		if !r.cooldownElapsed(routine, now) {
			continue
		}
		r.fire(ctx, routine, "pattern")
	}
}

// Fire triggers a routine manually or from a webhook.
func (r *Runner) Fire(ctx context.Context, routineID uuid.UUID, trigger string) error {
	routine, err := r.store.GetRoutine(ctx, routineID)
	if err != nil {
		return err
	}
	r.fire(ctx, routine, trigger)
	return nil
}

func (r *Runner) cooldownElapsed(routine *types.Routine, now time.Time) bool {
	if routine.Cooldown <= 0 || routine.LastRunAt.IsZero() {
		return true
	}
	return now.Sub(routine.LastRunAt) >= routine.Cooldown
}

// fire queues the routine's action as a system-prompted job through the
// scheduler and records the run.
func (r *Runner) fire(ctx context.Context, routine *types.Routine, trigger string) {
	now := time.Now().UTC()
	if err := r.store.MarkRoutineRun(ctx, routine.ID, now); err != nil {
		logging.Get(logging.CategoryRoutine).Warn("mark run %s: %v", routine.Name, err)
		return
	}

	job := &types.Job{
		ID:          uuid.New(),
		UserID:      routine.UserID,
		Title:       "routine: " + routine.Name,
		Description: routine.Action,
		State:       types.JobPending,
		Mode:        types.JobModeLocal,
	}
	run := &types.RoutineRun{
		ID:        uuid.New(),
		RoutineID: routine.ID,
		JobID:     job.ID,
		Trigger:   trigger,
		StartedAt: now,
	}

	if err := r.store.CreateJob(ctx, job); err != nil {
		run.Error = err.Error()
		_ = r.store.RecordRoutineRun(ctx, run)
		return
	}
	if err := r.agent.SubmitJob(ctx, job); err != nil {
		run.Error = err.Error()
		_ = r.store.RecordRoutineRun(ctx, run)
		return
	}
	run.Success = true
	run.EndedAt = time.Now().UTC()
	if err := r.store.RecordRoutineRun(ctx, run); err != nil {
		logging.Get(logging.CategoryRoutine).Warn("record run: %v", err)
	}
	logging.Get(logging.CategoryRoutine).Info("routine %s fired (%s)", routine.Name, trigger)
}
