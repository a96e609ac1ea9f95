package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RoutineCreateTool registers a scheduled or pattern-triggered routine.
func RoutineCreateTool(st store.RoutineStore) *Tool {
	return &Tool{
		Name:        "routine_create",
		Description: "Create a routine that runs a prompt on a cron schedule or when messages match a regex.",
		Schema: Schema{
			Required: []string{"name", "trigger", "action"},
			Properties: map[string]Property{
				"name":          {Type: "string", Description: "Routine name"},
				"trigger":       {Type: "string", Description: "Trigger kind", Enum: []any{"cron", "pattern", "manual"}},
				"cron":          {Type: "string", Description: "Cron expression for cron triggers"},
				"pattern":       {Type: "string", Description: "Regex for pattern triggers"},
				"action":        {Type: "string", Description: "System prompt to run when the routine fires"},
				"cooldown_secs": {Type: "number", Description: "Minimum seconds between firings"},
			},
		},
		RequiresApproval: true,
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			r := &types.Routine{
				ID:      uuid.New(),
				UserID:  jc.UserID,
				Enabled: true,
			}
			r.Name, _ = params["name"].(string)
			r.Action, _ = params["action"].(string)
			trigger, _ := params["trigger"].(string)
			r.Trigger = types.TriggerKind(trigger)
			if v, ok := params["cooldown_secs"].(float64); ok {
				r.Cooldown = time.Duration(v) * time.Second
			}

			switch r.Trigger {
			case types.TriggerCron:
				r.CronExpr, _ = params["cron"].(string)
				if _, err := cronParser.Parse(r.CronExpr); err != nil {
					return "", fmt.Errorf("invalid cron expression: %v", err)
				}
			case types.TriggerPattern:
				r.Pattern, _ = params["pattern"].(string)
				if _, err := regexp.Compile(r.Pattern); err != nil {
					return "", fmt.Errorf("invalid pattern: %v", err)
				}
			case types.TriggerManual:
			default:
				return "", fmt.Errorf("unsupported trigger %q", trigger)
			}

			if err := st.CreateRoutine(ctx, r); err != nil {
				return "", err
			}
			return fmt.Sprintf("routine %s created (%s)", r.Name, r.Trigger), nil
		},
	}
}

// RoutineListTool lists the user's routines.
func RoutineListTool(st store.RoutineStore) *Tool {
	return &Tool{
		Name:        "routine_list",
		Description: "List configured routines with their triggers and run counts.",
		Schema:      Schema{},
		SkipSanitization: true,
		Execute: func(ctx context.Context, _ map[string]any, jc *JobContext) (string, error) {
			routines, err := st.ListRoutines(ctx, jc.UserID)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, r := range routines {
				enabled := "enabled"
				if !r.Enabled {
					enabled = "disabled"
				}
				fmt.Fprintf(&b, "%s\t%s\t%s\truns=%d\t%s\n", r.ID, r.Name, r.Trigger, r.RunCount, enabled)
			}
			if b.Len() == 0 {
				return "no routines", nil
			}
			return b.String(), nil
		},
	}
}

// RoutineDeleteTool removes a routine by id.
func RoutineDeleteTool(st store.RoutineStore) *Tool {
	return &Tool{
		Name:        "routine_delete",
		Description: "Delete a routine by id.",
		Schema: Schema{
			Required: []string{"routine_id"},
			Properties: map[string]Property{
				"routine_id": {Type: "string", Description: "Routine UUID"},
			},
		},
		RequiresApproval: true,
		SkipSanitization: true,
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			raw, _ := params["routine_id"].(string)
			id, err := uuid.Parse(raw)
			if err != nil {
				return "", fmt.Errorf("invalid routine id")
			}
			r, err := st.GetRoutine(ctx, id)
			if err != nil {
				return "", err
			}
			if r.UserID != jc.UserID {
				return "", types.ErrNotAuthorized
			}
			if err := st.DeleteRoutine(ctx, id); err != nil {
				return "", err
			}
			return "routine deleted", nil
		},
	}
}
