package types

import (
	"time"

	"github.com/google/uuid"
)

// IncomingMessage is what a channel emits for every user input.
type IncomingMessage struct {
	ID               uuid.UUID
	ChannelName      string
	UserID           string
	UserName         string
	Content          string
	ExternalThreadID string
	ReceivedAt       time.Time
	Metadata         map[string]string
}

// OutgoingResponse is delivered back through the originating channel.
type OutgoingResponse struct {
	Content  string
	ThreadID uuid.UUID
	IsError  bool
	Metadata map[string]string
}

// StatusKind tags a StatusUpdate variant.
type StatusKind string

const (
	StatusThinking       StatusKind = "thinking"
	StatusToolStarted    StatusKind = "tool_started"
	StatusToolCompleted  StatusKind = "tool_completed"
	StatusToolResult     StatusKind = "tool_result"
	StatusStreamChunk    StatusKind = "stream_chunk"
	StatusJobStarted     StatusKind = "job_started"
	StatusApprovalNeeded StatusKind = "approval_needed"
	StatusAuthRequired   StatusKind = "auth_required"
	StatusAuthCompleted  StatusKind = "auth_completed"
	StatusError          StatusKind = "error"
)

// StatusUpdate is a streaming event emitted while a turn runs. Only the
// fields relevant to the Kind are set.
type StatusUpdate struct {
	Kind     StatusKind
	ThreadID uuid.UUID

	Text     string // Thinking, StreamChunk, Error
	ToolName string // ToolStarted, ToolCompleted, ToolResult
	Success  bool   // ToolCompleted
	Preview  string // ToolResult, ApprovalNeeded (params preview)

	JobID     uuid.UUID // JobStarted
	RequestID uuid.UUID // ApprovalNeeded
	Extension string    // AuthRequired, AuthCompleted
}

// Thinking builds a StatusUpdate for intermediate reasoning text.
func Thinking(threadID uuid.UUID, text string) StatusUpdate {
	return StatusUpdate{Kind: StatusThinking, ThreadID: threadID, Text: text}
}

// ToolStarted builds the start event for a tool call.
func ToolStarted(threadID uuid.UUID, tool string) StatusUpdate {
	return StatusUpdate{Kind: StatusToolStarted, ThreadID: threadID, ToolName: tool}
}

// ToolCompleted builds the completion event for a tool call.
func ToolCompleted(threadID uuid.UUID, tool string, success bool) StatusUpdate {
	return StatusUpdate{Kind: StatusToolCompleted, ThreadID: threadID, ToolName: tool, Success: success}
}

// ToolResultPreview builds the preview event carrying a result excerpt.
func ToolResultPreview(threadID uuid.UUID, tool, preview string) StatusUpdate {
	return StatusUpdate{Kind: StatusToolResult, ThreadID: threadID, ToolName: tool, Preview: preview}
}

// ApprovalNeeded builds the gate event for a tool awaiting user consent.
func ApprovalNeeded(threadID, requestID uuid.UUID, tool, paramsPreview string) StatusUpdate {
	return StatusUpdate{
		Kind:      StatusApprovalNeeded,
		ThreadID:  threadID,
		RequestID: requestID,
		ToolName:  tool,
		Preview:   paramsPreview,
	}
}

// ErrorStatus builds an error event with a short user-safe reason.
func ErrorStatus(threadID uuid.UUID, reason string) StatusUpdate {
	return StatusUpdate{Kind: StatusError, ThreadID: threadID, Text: reason}
}

// ReceivedNow stamps an incoming message that lacks a receive time.
func (m *IncomingMessage) ReceivedNow() {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
}
