// Package agent implements the runtime core: session/thread state,
// submission parsing, the approval gate, the scheduler, and the
// reasoning-action worker loop.
package agent

import (
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// SubmissionKind tags a parsed user input.
type SubmissionKind string

const (
	SubmissionUserInput    SubmissionKind = "user_input"
	SubmissionCommand      SubmissionKind = "command"
	SubmissionUndo         SubmissionKind = "undo"
	SubmissionRedo         SubmissionKind = "redo"
	SubmissionInterrupt    SubmissionKind = "interrupt"
	SubmissionCompact      SubmissionKind = "compact"
	SubmissionHeartbeat    SubmissionKind = "heartbeat"
	SubmissionQuit         SubmissionKind = "quit"
	SubmissionNewThread    SubmissionKind = "new_thread"
	SubmissionSwitchThread SubmissionKind = "switch_thread"
	SubmissionApproval     SubmissionKind = "approval"
)

// Submission is a classified input.
type Submission struct {
	Kind SubmissionKind
	Text string

	// Command holds the slash command name for SubmissionCommand.
	Command string
	// Args holds the remainder after the command.
	Args string
	// Decision is set for SubmissionApproval.
	Decision types.ApprovalDecision
}

// knownCommands is the closed slash-command set.
var knownCommands = map[string]bool{
	"help": true, "tools": true, "model": true, "debug": true, "ping": true,
}

// ParseSubmission classifies raw input. waitingApproval applies the
// priority rule: while a thread waits at the gate, anything that parses
// as an approval response wins over plain user input.
func ParseSubmission(raw string, waitingApproval bool) Submission {
	text := strings.TrimSpace(raw)
	lower := strings.ToLower(text)

	if waitingApproval {
		switch lower {
		case "yes", "y", "approve":
			return Submission{Kind: SubmissionApproval, Decision: types.ApprovalApprove, Text: text}
		case "always":
			return Submission{Kind: SubmissionApproval, Decision: types.ApprovalAlways, Text: text}
		case "no", "n", "deny":
			return Submission{Kind: SubmissionApproval, Decision: types.ApprovalDeny, Text: text}
		}
	}

	switch lower {
	case "/undo":
		return Submission{Kind: SubmissionUndo, Text: text}
	case "/redo":
		return Submission{Kind: SubmissionRedo, Text: text}
	case "/stop", "/interrupt":
		return Submission{Kind: SubmissionInterrupt, Text: text}
	case "/compact":
		return Submission{Kind: SubmissionCompact, Text: text}
	case "/quit", "/exit":
		return Submission{Kind: SubmissionQuit, Text: text}
	case "/new":
		return Submission{Kind: SubmissionNewThread, Text: text}
	}

	if strings.HasPrefix(lower, "/switch ") {
		return Submission{Kind: SubmissionSwitchThread, Text: text, Args: strings.TrimSpace(text[len("/switch "):])}
	}

	if strings.HasPrefix(text, "/") {
		fields := strings.SplitN(text[1:], " ", 2)
		cmd := strings.ToLower(fields[0])
		if knownCommands[cmd] {
			sub := Submission{Kind: SubmissionCommand, Command: cmd, Text: text}
			if len(fields) == 2 {
				sub.Args = strings.TrimSpace(fields[1])
			}
			return sub
		}
	}

	if text == "" {
		return Submission{Kind: SubmissionHeartbeat, Text: text}
	}
	return Submission{Kind: SubmissionUserInput, Text: text}
}
