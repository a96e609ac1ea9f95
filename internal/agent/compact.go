package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// estimateTokens approximates token count from bytes. Four bytes per
// token tracks close enough for budget decisions.
func estimateTokens(s string) int {
	return len(s) / 4
}

// ContextMonitor watches per-thread token usage and compacts when the
// estimate crosses the threshold ratio of the limit.
type ContextMonitor struct {
	store      store.SessionStore
	llm        llm.Provider
	limit      int
	threshold  float64
	keepRecent int
}

// NewContextMonitor builds the monitor.
func NewContextMonitor(st store.SessionStore, provider llm.Provider, limitTokens int, threshold float64, keepRecent int) *ContextMonitor {
	if limitTokens <= 0 {
		limitTokens = 128000
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	if keepRecent <= 0 {
		keepRecent = 4
	}
	return &ContextMonitor{
		store:      st,
		llm:        provider,
		limit:      limitTokens,
		threshold:  threshold,
		keepRecent: keepRecent,
	}
}

// NeedsCompaction estimates the thread's context size.
func (m *ContextMonitor) NeedsCompaction(turns []*types.Turn) bool {
	total := 0
	for _, t := range turns {
		total += estimateTokens(t.UserInput) + estimateTokens(t.Response)
	}
	return float64(total) > m.threshold*float64(m.limit)
}

// Compact replaces all but the most recent keepRecent turns with a single
// summary turn. Identity files are injected fresh each turn and are never
// part of the summarized history, so they survive verbatim by
// construction.
func (m *ContextMonitor) Compact(ctx context.Context, threadID uuid.UUID) error {
	turns, err := m.store.ListTurns(ctx, threadID, 0)
	if err != nil {
		return err
	}
	if len(turns) <= m.keepRecent+1 {
		return nil
	}

	cut := len(turns) - m.keepRecent
	older, recent := turns[:cut], turns[cut:]

	var b strings.Builder
	for _, t := range older {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", t.UserInput, t.Response)
	}

	summary, err := m.summarize(ctx, b.String())
	if err != nil {
		return fmt.Errorf("compaction summary: %w", err)
	}

	summaryTurn := &types.Turn{
		ID:        uuid.New(),
		ThreadID:  threadID,
		UserInput: "[conversation summary]",
		Response:  summary,
		State:     types.TurnCompleted,
		StartedAt: older[0].StartedAt,
	}
	replacement := append([]*types.Turn{summaryTurn}, recent...)
	if err := m.store.ReplaceTurns(ctx, threadID, replacement); err != nil {
		return err
	}
	logging.Agent("compacted thread %s: %d turns -> %d", threadID, len(turns), len(replacement))
	return nil
}

func (m *ContextMonitor) summarize(ctx context.Context, history string) (string, error) {
	req := &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Summarize the following conversation history faithfully and compactly. Preserve decisions, open tasks, names, and facts the assistant will need later. Output only the summary."},
			{Role: llm.RoleUser, Content: history},
		},
		MaxTokens: 1024,
	}
	resp, err := m.llm.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
