package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// newWorkerCmd is the entry point the orchestrator invokes inside
// containers. The worker holds only its per-job bearer token; every
// capability reaches the host over the authenticated local API.
func newWorkerCmd() *cobra.Command {
	var (
		jobID    string
		toolName string
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run as a sandboxed worker (invoked by the orchestrator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token := os.Getenv("IRONCLAW_WORKER_TOKEN")
			baseURL := os.Getenv("IRONCLAW_ORCHESTRATOR_URL")
			paramsJSON := os.Getenv("IRONCLAW_TOOL_PARAMS")
			projectDir := os.Getenv("IRONCLAW_PROJECT_DIR")

			client, err := sandbox.NewWorkerClient(baseURL, jobID, token)
			if err != nil {
				return err
			}

			// The orchestrator passes the declared wall-clock bound.
			wallClock := 10 * time.Minute
			if secs, err := strconv.Atoi(os.Getenv("IRONCLAW_TOOL_TIMEOUT_SECS")); err == nil && secs > 0 {
				wallClock = time.Duration(secs) * time.Second
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wallClock)
			defer cancel()

			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return client.Finish(ctx, "", fmt.Errorf("bad params: %v", err))
				}
			}

			output, execErr := executeWorkerTool(ctx, toolName, params, projectDir)
			if err := client.Finish(ctx, output, execErr); err != nil {
				logger.Error("worker completion report failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id")
	cmd.Flags().StringVar(&toolName, "tool", "", "tool to execute")
	return cmd
}

// executeWorkerTool runs the container-side tool set: the developer
// tools re-register inside the container and execute against the local
// filesystem.
func executeWorkerTool(ctx context.Context, name string, params map[string]any, projectDir string) (string, error) {
	registry := tools.NewRegistry()
	policy := tools.NewShellPolicy(true, []string{
		"ls", "cat", "grep", "find", "git", "go", "echo", "wc", "head", "tail", "pwd", "mkdir", "diff",
	})
	registry.MustRegister(tools.ShellTool(policy))
	registry.MustRegister(tools.FileReadTool())
	registry.MustRegister(tools.FileWriteTool())
	registry.MustRegister(tools.FileListTool())
	registry.MustRegister(tools.FilePatchTool())

	tool := registry.Get(name)
	if tool == nil {
		return "", fmt.Errorf("tool %q not available in worker", name)
	}
	if err := tools.ValidateArgs(tool, params); err != nil {
		return "", err
	}
	jc := &tools.JobContext{ProjectDir: projectDir}
	execCtx, cancel := context.WithTimeout(ctx, tool.EffectiveTimeout())
	defer cancel()
	return tool.Execute(execCtx, params, jc)
}
