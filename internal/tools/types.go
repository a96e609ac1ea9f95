// Package tools provides the tool contract, the name-keyed registry with
// its reserved-name guard, the dispatch path (approval gate, safety
// scrubbing, domain routing), and the built-in tool set.
package tools

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Domain selects where a tool executes.
type Domain string

const (
	// DomainOrchestrator tools run in-process.
	DomainOrchestrator Domain = "orchestrator"
	// DomainContainer tools route through the sandbox protocol when
	// sandboxing is enabled.
	DomainContainer Domain = "container"
)

// Property describes one parameter for the JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Items       *Items `json:"items,omitempty"`
}

// Items describes array element schemas.
type Items struct {
	Type string `json:"type"`
}

// Schema defines the JSON schema for tool arguments.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// JSONSchema renders the schema as the standard object form handed to
// LLM providers.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		entry := map[string]any{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			entry["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			entry["enum"] = p.Enum
		}
		if p.Items != nil {
			entry["items"] = map[string]any{"type": p.Items.Type}
		}
		props[name] = entry
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// JobContext carries the identity and scope a tool executes under.
type JobContext struct {
	UserID   string
	ThreadID uuid.UUID
	JobID    uuid.UUID
	// ProjectDir scopes file tools; empty means the job has no project.
	ProjectDir string
	// Invoke re-enters the dispatcher for nested tool calls from
	// capability-sandboxed tools; the approval gate applies again.
	Invoke func(ctx context.Context, name string, params map[string]any) (string, error)
}

// ExecuteFunc is the tool implementation signature.
type ExecuteFunc func(ctx context.Context, params map[string]any, jc *JobContext) (string, error)

// ResourceLimits bounds a sandboxed tool's execution. Zero fields mean
// the runtime defaults.
type ResourceLimits struct {
	MemoryMB  int
	CPUShares int
	WallClock time.Duration
	// Fuel is the instruction budget for capability-sandboxed tools.
	Fuel int64
}

// Capabilities is a sandboxed tool's declaration: which hosts it may
// reach, which credentials it may read, and its resource bounds.
// Requests outside the declaration fail fast at the proxy boundary.
type Capabilities struct {
	// AllowedHosts is the outbound allowlist ("api.github.com",
	// "*.example.com"). Empty means no egress.
	AllowedHosts []string
	// AllowedSecrets names credentials the tool may receive via
	// {{secret:NAME}} placeholder injection.
	AllowedSecrets []string
	Limits         ResourceLimits
}

// Tool is one registered capability. Zero values carry the contract
// defaults: sanitization on, no approval, 60 s timeout, orchestrator
// domain.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Execute     ExecuteFunc

	EstimatedCostUSD  float64
	EstimatedDuration time.Duration

	// SkipSanitization opts out of the inbound safety pass; the default
	// (false) keeps requires_sanitization=true semantics.
	SkipSanitization bool

	RequiresApproval bool

	// Timeout of 0 means the 60 s default.
	Timeout time.Duration

	Domain Domain

	// Capabilities declares a container-domain tool's egress hosts,
	// credentials, and resource limits. Nil means no egress, no
	// secrets, default limits.
	Capabilities *Capabilities
}

// EffectiveTimeout applies the contract default. A declared wall-clock
// limit caps the tool's own timeout.
func (t *Tool) EffectiveTimeout() time.Duration {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if t.Capabilities != nil && t.Capabilities.Limits.WallClock > 0 &&
		t.Capabilities.Limits.WallClock < timeout {
		timeout = t.Capabilities.Limits.WallClock
	}
	return timeout
}

// EffectiveDomain applies the contract default.
func (t *Tool) EffectiveDomain() Domain {
	if t.Domain == "" {
		return DomainOrchestrator
	}
	return t.Domain
}

// EffectiveCapabilities never returns nil; an undeclared tool gets the
// empty declaration (no egress, no secrets).
func (t *Tool) EffectiveCapabilities() *Capabilities {
	if t.Capabilities != nil {
		return t.Capabilities
	}
	return &Capabilities{}
}

// Validate checks the definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Result wraps one execution with metadata.
type Result struct {
	ToolName string
	Output   string
	Err      error
	Duration time.Duration
	CostUSD  float64
}

// IsSuccess reports whether the tool executed without error.
func (r *Result) IsSuccess() bool { return r.Err == nil }
