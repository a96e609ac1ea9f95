package background

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// brokenToolThreshold marks a tool broken after this many consecutive
// failures.
const brokenToolThreshold = 5

// selfRepairLoop scans for stalled jobs and failing tools.
func (r *Runner) selfRepairLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.repairStuckJobs(ctx)
			r.markBrokenTools(ctx)
		}
	}
}

// repairStuckJobs transitions inactive in-progress jobs to stuck, then
// attempts bounded recovery.
func (r *Runner) repairStuckJobs(ctx context.Context) {
	threshold := r.cfg.Agent.StuckThreshold()
	cutoff := time.Now().Add(-threshold)

	inProgress, err := r.store.ListJobsByState(ctx, types.JobInProgress)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Warn("self-repair scan: %v", err)
		return
	}
	for _, job := range inProgress {
		if job.LastActivity.After(cutoff) {
			continue
		}
		if err := r.store.UpdateJobState(ctx, job.ID, types.JobStuck); err != nil {
			logging.Get(logging.CategoryScheduler).Warn("mark stuck %s: %v", job.ID, err)
			continue
		}
		logging.Get(logging.CategoryScheduler).Info("job %s stuck (idle > %s)", job.ID, threshold)
	}

	stuck, err := r.store.ListJobsByState(ctx, types.JobStuck)
	if err != nil {
		return
	}
	for _, job := range stuck {
		attempts, err := r.store.IncrementRepairAttempts(ctx, job.ID)
		if err != nil {
			continue
		}
		if attempts > r.cfg.Agent.MaxRepairAttempts {
			if err := r.store.SetJobFailure(ctx, job.ID, "max repair attempts exceeded"); err == nil {
				_ = r.store.UpdateJobState(ctx, job.ID, types.JobFailed)
			}
			logging.Get(logging.CategoryScheduler).Warn("job %s failed after %d repair attempts", job.ID, attempts-1)
			continue
		}
		if err := r.store.UpdateJobState(ctx, job.ID, types.JobInProgress); err != nil {
			continue
		}
		logging.Get(logging.CategoryScheduler).Info("job %s re-entered in_progress (repair attempt %d)", job.ID, attempts)
		job := job
		if err := r.agent.SubmitJob(ctx, job); err != nil {
			logging.Get(logging.CategoryScheduler).Warn("resubmit %s: %v", job.ID, err)
		}
	}
}

// markBrokenTools flags tools with long failure streaks; a later success
// resets the streak through the dispatcher.
func (r *Runner) markBrokenTools(ctx context.Context) {
	failures, err := r.store.ListToolFailuresAbove(ctx, r.userID, brokenToolThreshold)
	if err != nil {
		return
	}
	for _, f := range failures {
		if err := r.store.MarkToolBroken(ctx, f.UserID, f.ToolName, true); err != nil {
			continue
		}
		logging.Get(logging.CategoryTools).Warn("tool %s marked broken after %d consecutive failures",
			f.ToolName, f.ConsecutiveFailures)
	}
}

// pruneLoop evicts sessions idle past the TTL. Threads stay persisted;
// only the in-memory routing entries unload.
func (r *Runner) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.Agent.SessionTTL())
			sessions, err := r.store.ListIdleSessions(ctx, cutoff)
			if err != nil {
				continue
			}
			for _, sess := range sessions {
				threads, err := r.store.ListThreads(ctx, sess.ID)
				if err != nil {
					continue
				}
				ids := make([]uuid.UUID, 0, len(threads))
				for _, t := range threads {
					ids = append(ids, t.ID)
				}
				r.agent.Sessions().EvictIdle(ids)
				logging.Agent("pruned idle session %s (%d threads unloaded)", sess.ID, len(ids))
			}
		}
	}
}
