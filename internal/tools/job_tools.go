package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// JobSubmitter decouples job tools from the scheduler.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, job *types.Job) error
	CancelJob(jobID uuid.UUID) bool
}

// JobCreateTool creates a long-running job and queues it.
func JobCreateTool(st store.JobStore, submitter JobSubmitter) *Tool {
	return &Tool{
		Name:        "job_create",
		Description: "Create a long-running background job with a title and task description.",
		Schema: Schema{
			Required: []string{"title", "description"},
			Properties: map[string]Property{
				"title":       {Type: "string", Description: "Short job title"},
				"description": {Type: "string", Description: "What the job should accomplish"},
				"mode":        {Type: "string", Description: "Execution mode", Enum: []any{"local", "sandboxed-worker"}},
			},
		},
		RequiresApproval: true,
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			title, _ := params["title"].(string)
			desc, _ := params["description"].(string)
			mode := types.JobModeLocal
			if m, ok := params["mode"].(string); ok && m == string(types.JobModeSandboxed) {
				mode = types.JobModeSandboxed
			}
			job := &types.Job{
				ID:          uuid.New(),
				UserID:      jc.UserID,
				Title:       title,
				Description: desc,
				State:       types.JobPending,
				Mode:        mode,
			}
			if err := st.CreateJob(ctx, job); err != nil {
				return "", err
			}
			if submitter != nil {
				if err := submitter.SubmitJob(ctx, job); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("job %s created (%s)", job.ID, job.State), nil
		},
	}
}

// JobStatusTool reports job state; ownership-checked.
func JobStatusTool(st store.JobStore) *Tool {
	return &Tool{
		Name:        "job_status",
		Description: "Get the state of a background job by id, or list recent jobs when no id is given.",
		Schema: Schema{
			Properties: map[string]Property{
				"job_id": {Type: "string", Description: "Job UUID"},
			},
		},
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			if raw, ok := params["job_id"].(string); ok && raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return "", fmt.Errorf("invalid job id")
				}
				job, err := st.JobOwnedBy(ctx, id, jc.UserID)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s: %s (%s) created %s", job.ID, job.Title,
					job.State, job.CreatedAt.Format(time.RFC3339)), nil
			}
			jobs, err := st.ListJobs(ctx, jc.UserID, 10)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, j := range jobs {
				fmt.Fprintf(&b, "%s\t%s\t%s\n", j.ID, j.State, j.Title)
			}
			if b.Len() == 0 {
				return "no jobs", nil
			}
			return b.String(), nil
		},
	}
}

// JobCancelTool cancels a running job.
func JobCancelTool(st store.JobStore, submitter JobSubmitter) *Tool {
	return &Tool{
		Name:        "job_cancel",
		Description: "Cancel a background job by id.",
		Schema: Schema{
			Required: []string{"job_id"},
			Properties: map[string]Property{
				"job_id": {Type: "string", Description: "Job UUID"},
			},
		},
		RequiresApproval: true,
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			raw, _ := params["job_id"].(string)
			id, err := uuid.Parse(raw)
			if err != nil {
				return "", fmt.Errorf("invalid job id")
			}
			job, err := st.JobOwnedBy(ctx, id, jc.UserID)
			if err != nil {
				return "", err
			}
			if submitter != nil {
				submitter.CancelJob(job.ID)
			}
			if err := st.UpdateJobState(ctx, job.ID, types.JobCancelled); err != nil {
				return "", err
			}
			return fmt.Sprintf("job %s cancelled", job.ID), nil
		},
	}
}
