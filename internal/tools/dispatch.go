package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// ContainerRunner executes a container-domain tool through the sandbox
// protocol. Implemented by the sandbox orchestrator, which scopes the
// job token to the tool's capability declaration.
type ContainerRunner interface {
	RunTool(ctx context.Context, jc *JobContext, tool *Tool, params map[string]any) (string, error)
}

// FailureSink records tool outcomes for the self-repair loop.
type FailureSink interface {
	IncrementToolFailure(ctx context.Context, userID, toolName, lastError string) (int, error)
	ResetToolFailure(ctx context.Context, userID, toolName string) error
}

// Dispatcher executes tools with the full guard stack: outbound parameter
// scan, domain routing, timeout, and the inbound safety pass on output.
type Dispatcher struct {
	registry *Registry
	pipeline *safety.Pipeline
	runner   ContainerRunner
	failures FailureSink

	sandboxEnabled bool
}

// NewDispatcher wires the dispatch path. runner may be nil when
// sandboxing is disabled; failures may be nil in tests.
func NewDispatcher(registry *Registry, pipeline *safety.Pipeline, runner ContainerRunner, failures FailureSink, sandboxEnabled bool) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		pipeline:       pipeline,
		runner:         runner,
		failures:       failures,
		sandboxEnabled: sandboxEnabled,
	}
}

// Registry exposes the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Execute runs one tool call end to end. The returned Result's Output has
// already passed the safety pipeline; verdicts are reported for the
// Action record.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]any, jc *JobContext) (*Result, string, string) {
	start := time.Now()
	res := &Result{ToolName: name}
	verdictOut, verdictIn := "allow", "allow"

	tool := d.registry.Get(name)
	if tool == nil {
		res.Err = fmt.Errorf("%w: %s", types.ErrToolNotFound, name)
		return res, verdictIn, verdictOut
	}
	if err := ValidateArgs(tool, params); err != nil {
		res.Err = fmt.Errorf("%w: %v", types.ErrInvalidParams, err)
		return res, verdictIn, verdictOut
	}

	// Outbound scan: parameters leaving the host must not carry secrets.
	if raw, err := json.Marshal(params); err == nil {
		if err := d.pipeline.ScanOutbound(string(raw)); err != nil {
			verdictOut = "blocked"
			res.Err = err
			res.Duration = time.Since(start)
			d.recordFailure(ctx, jc, name, err)
			return res, verdictIn, verdictOut
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, tool.EffectiveTimeout())
	defer cancel()

	var output string
	var err error
	if tool.EffectiveDomain() == DomainContainer && d.sandboxEnabled && d.runner != nil {
		output, err = d.runner.RunTool(execCtx, jc, tool, params)
	} else {
		if tool.EffectiveDomain() == DomainContainer {
			// Sandboxing off: conspicuous audit trail, then run locally.
			logging.Get(logging.CategoryTools).Warn(
				"AUDIT: container tool %s executed in-process (sandbox disabled)", name)
		}
		output, err = tool.Execute(execCtx, params, jc)
	}
	res.Duration = time.Since(start)
	res.CostUSD = tool.EstimatedCostUSD

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %s after %s", types.ErrToolTimeout, name, tool.EffectiveTimeout())
		}
		res.Err = err
		d.recordFailure(ctx, jc, name, err)
		return res, verdictIn, verdictOut
	}

	// Inbound pass: external-origin output is scrubbed before it can
	// reach the LLM context.
	if !tool.SkipSanitization {
		scrubbed := d.pipeline.Process(output, safety.Inbound)
		output = scrubbed.Content
		verdictIn = scrubbed.Terminal.String()
	}
	res.Output = output

	if d.failures != nil {
		if err := d.failures.ResetToolFailure(ctx, jc.UserID, name); err != nil {
			logging.ToolsDebug("failure reset for %s: %v", name, err)
		}
	}
	return res, verdictIn, verdictOut
}

func (d *Dispatcher) recordFailure(ctx context.Context, jc *JobContext, name string, err error) {
	if d.failures == nil {
		return
	}
	if _, ferr := d.failures.IncrementToolFailure(ctx, jc.UserID, name, err.Error()); ferr != nil {
		logging.ToolsDebug("failure record for %s: %v", name, ferr)
	}
}

// PreviewParams renders a short single-line preview for approval prompts
// and status events, with secrets redacted.
func (d *Dispatcher) PreviewParams(params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	s := d.pipeline.Redactor()(string(raw))
	if len(s) > 160 {
		s = s[:160] + "…"
	}
	return s
}
