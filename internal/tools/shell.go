package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellPolicy is the binary allowlist applied to the shell tool.
// Enforcement defaults to on; disabling requires the explicit config
// acknowledgement checked at startup. Deny entries win over allow.
type ShellPolicy struct {
	Enforced bool
	Allowed  map[string]bool
	Denied   map[string]bool
}

// NewShellPolicy builds a policy from the configured allowlist. A small
// deny set is always present regardless of configuration.
func NewShellPolicy(enforced bool, allowed []string) *ShellPolicy {
	allowedSet := make(map[string]bool, len(allowed))
	for _, b := range allowed {
		allowedSet[b] = true
	}
	return &ShellPolicy{
		Enforced: enforced,
		Allowed:  allowedSet,
		Denied: map[string]bool{
			"rm":   true,
			"dd":   true,
			"mkfs": true,
			"sudo": true,
			"su":   true,
		},
	}
}

// Check validates a binary name against the policy.
func (p *ShellPolicy) Check(binary string) error {
	if p.Denied[binary] {
		return fmt.Errorf("%w: %s (denied)", ErrBinaryNotAllowed, binary)
	}
	if !p.Enforced {
		return nil
	}
	if !p.Allowed[binary] {
		return fmt.Errorf("%w: %s", ErrBinaryNotAllowed, binary)
	}
	return nil
}

// ShellTool executes an allowlisted binary. Container domain: with
// sandboxing enabled it runs inside the worker container; otherwise it
// runs in-process behind the audit record. Always requires approval.
func ShellTool(policy *ShellPolicy) *Tool {
	return &Tool{
		Name:        "shell",
		Description: "Run a command. The binary must be in the allowlist; shell metacharacters are not interpreted.",
		Schema: Schema{
			Required: []string{"cmd"},
			Properties: map[string]Property{
				"cmd":  {Type: "string", Description: "Command line to run"},
				"dir":  {Type: "string", Description: "Working directory, defaults to the job's project dir"},
			},
		},
		RequiresApproval: true,
		Domain:           DomainContainer,
		Timeout:          120 * time.Second,
		// No egress and no credentials; commands that need the network
		// go through a tool with a declared host allowlist instead.
		Capabilities: &Capabilities{
			Limits: ResourceLimits{
				MemoryMB:  512,
				CPUShares: 512,
				WallClock: 120 * time.Second,
			},
		},
		Execute: func(ctx context.Context, params map[string]any, jc *JobContext) (string, error) {
			cmdline, _ := params["cmd"].(string)
			fields := strings.Fields(cmdline)
			if len(fields) == 0 {
				return "", fmt.Errorf("empty command")
			}
			binary := fields[0]
			if err := policy.Check(binary); err != nil {
				return "", err
			}

			// No shell interpretation: the argv is exactly the fields.
			cmd := exec.CommandContext(ctx, binary, fields[1:]...)
			if dir, ok := params["dir"].(string); ok && dir != "" {
				cmd.Dir = dir
			} else if jc != nil && jc.ProjectDir != "" {
				cmd.Dir = jc.ProjectDir
			}

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()

			out := stdout.String()
			if stderr.Len() > 0 {
				out += "\n[stderr]\n" + stderr.String()
			}
			if err != nil {
				return out, fmt.Errorf("command failed: %v", err)
			}
			return out, nil
		},
	}
}
