package background

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/types"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// heartbeatSentinel elides delivery when the model has nothing to
// report.
const heartbeatSentinel = "HEARTBEAT_OK"

// heartbeatLoop runs a proactive turn off the well-known checklist
// document on the configured interval.
func (r *Runner) heartbeatLoop(ctx context.Context) error {
	interval := r.cfg.Heartbeat.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logging.Get(logging.CategoryHeartbeat).Info("heartbeat enabled, interval %s", interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runner) beat(ctx context.Context) {
	doc, err := r.workspace.ReadIdentity(ctx, r.userID, workspace.HeartbeatFile)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			logging.Get(logging.CategoryHeartbeat).Debug("no %s, skipping beat", workspace.HeartbeatFile)
			return
		}
		logging.Get(logging.CategoryHeartbeat).Warn("read checklist: %v", err)
		return
	}

	job := &types.Job{
		ID:     uuid.New(),
		UserID: r.userID,
		Title:  "heartbeat",
		Description: "Run through this heartbeat checklist. If every item is fine and there " +
			"is nothing the user needs to know, respond with exactly " + heartbeatSentinel + ".\n\n" + doc.Content,
		State: types.JobPending,
		Mode:  types.JobModeLocal,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		logging.Get(logging.CategoryHeartbeat).Warn("create heartbeat job: %v", err)
		return
	}
	if err := r.agent.RunJobTurn(ctx, job, nil); err != nil {
		logging.Get(logging.CategoryHeartbeat).Warn("heartbeat turn: %v", err)
		return
	}

	// Deliver the result unless it is the sentinel. The heartbeat
	// thread's last turn carries the response.
	response := r.lastHeartbeatResponse(ctx, job)
	if response == "" || strings.TrimSpace(response) == heartbeatSentinel {
		logging.Get(logging.CategoryHeartbeat).Debug("nothing to report")
		return
	}
	r.agent.Broadcast(r.userID, types.OutgoingResponse{Content: response})
}

func (r *Runner) lastHeartbeatResponse(ctx context.Context, job *types.Job) string {
	msg := &types.IncomingMessage{
		UserID:           job.UserID,
		ChannelName:      "system",
		ExternalThreadID: "job:" + job.ID.String(),
	}
	_, thread, err := r.agent.Sessions().ResolveThread(ctx, msg)
	if err != nil {
		return ""
	}
	turns, err := r.store.ListTurns(ctx, thread.ID, 0)
	if err != nil || len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Response
}
