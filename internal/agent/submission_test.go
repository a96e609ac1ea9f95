package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

func TestParseSubmissionBasics(t *testing.T) {
	cases := []struct {
		in   string
		want SubmissionKind
	}{
		{"hello there", SubmissionUserInput},
		{"/undo", SubmissionUndo},
		{"/redo", SubmissionRedo},
		{"/stop", SubmissionInterrupt},
		{"/compact", SubmissionCompact},
		{"/quit", SubmissionQuit},
		{"/new", SubmissionNewThread},
		{"/help", SubmissionCommand},
		{"/ping", SubmissionCommand},
		{"", SubmissionHeartbeat},
		{"  ", SubmissionHeartbeat},
	}
	for _, c := range cases {
		got := ParseSubmission(c.in, false)
		assert.Equal(t, c.want, got.Kind, "input %q", c.in)
	}
}

func TestParseSubmissionApprovalPriority(t *testing.T) {
	// While waiting at the gate, approval words win over user input.
	got := ParseSubmission("yes", true)
	assert.Equal(t, SubmissionApproval, got.Kind)
	assert.Equal(t, types.ApprovalApprove, got.Decision)

	got = ParseSubmission("always", true)
	assert.Equal(t, types.ApprovalAlways, got.Decision)

	got = ParseSubmission("no", true)
	assert.Equal(t, types.ApprovalDeny, got.Decision)

	// Without a pending approval the same words are plain input.
	got = ParseSubmission("yes", false)
	assert.Equal(t, SubmissionUserInput, got.Kind)

	// Non-approval text during the wait stays user input.
	got = ParseSubmission("tell me more", true)
	assert.Equal(t, SubmissionUserInput, got.Kind)
}

func TestParseSubmissionSwitchThread(t *testing.T) {
	got := ParseSubmission("/switch 0b7a4ed5-9e2f-4df0-8c38-123456789abc", false)
	assert.Equal(t, SubmissionSwitchThread, got.Kind)
	assert.Equal(t, "0b7a4ed5-9e2f-4df0-8c38-123456789abc", got.Args)
}

func TestParseSubmissionUnknownSlashIsUserInput(t *testing.T) {
	got := ParseSubmission("/frobnicate now", false)
	assert.Equal(t, SubmissionUserInput, got.Kind)
}

func TestParseSubmissionCommandArgs(t *testing.T) {
	got := ParseSubmission("/model flash", false)
	assert.Equal(t, SubmissionCommand, got.Kind)
	assert.Equal(t, "model", got.Command)
	assert.Equal(t, "flash", got.Args)
}
