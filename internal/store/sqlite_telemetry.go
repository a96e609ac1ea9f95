package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// --- llm calls ---

func (s *SQLiteStore) RecordLlmCall(ctx context.Context, r *types.LlmCallRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (id, user_id, thread_id, turn_id, provider, model,
			prompt_tokens, completion_tokens, cost_usd, duration_ms, finish_reason, response_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.UserID, uuidText(r.ThreadID), uuidText(r.TurnID),
		r.Provider, r.Model, r.PromptTokens, r.CompletionTokens, r.CostUSD,
		r.DurationMs, r.FinishReason, r.ResponseID, fmtTime(r.CreatedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) ListLlmCalls(ctx context.Context, threadID uuid.UUID, limit int) ([]*types.LlmCallRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, turn_id, provider, model, prompt_tokens,
			completion_tokens, cost_usd, duration_ms, finish_reason, response_id, created_at
		FROM llm_calls WHERE thread_id = ? ORDER BY created_at LIMIT ?`,
		threadID.String(), limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.LlmCallRecord
	for rows.Next() {
		var r types.LlmCallRecord
		var id, tid, turnID, created string
		if err := rows.Scan(&id, &r.UserID, &tid, &turnID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &r.DurationMs,
			&r.FinishReason, &r.ResponseID, &created); err != nil {
			return nil, wrapErr(err)
		}
		r.ID = uuid.MustParse(id)
		r.ThreadID = parseUUID(tid)
		r.TurnID = parseUUID(turnID)
		r.CreatedAt = parseTime(created)
		out = append(out, &r)
	}
	return out, wrapErr(rows.Err())
}

// SumTurnCosts totals action and llm-call costs for one turn; the worker
// checks the completed turn's recorded cost against this sum.
func (s *SQLiteStore) SumTurnCosts(ctx context.Context, turnID uuid.UUID) (float64, error) {
	var actions, calls float64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM actions WHERE turn_id = ?`, turnID.String()).Scan(&actions); err != nil {
		return 0, wrapErr(err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM llm_calls WHERE turn_id = ?`, turnID.String()).Scan(&calls); err != nil {
		return 0, wrapErr(err)
	}
	return actions + calls, nil
}

// DailyUsage rolls up calls per day and model.
func (s *SQLiteStore) DailyUsage(ctx context.Context, userID string, days int) ([]CostAggregate, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, model, COUNT(*),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM llm_calls WHERE user_id = ? AND created_at >= ?
		GROUP BY day, model ORDER BY day DESC, model`,
		userID, fmtTime(since))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []CostAggregate
	for rows.Next() {
		var a CostAggregate
		if err := rows.Scan(&a.Day, &a.Model, &a.Calls, &a.PromptTokens,
			&a.CompletionTokens, &a.CostUSD); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, a)
	}
	return out, wrapErr(rows.Err())
}

// --- estimations ---

func (s *SQLiteStore) SaveEstimation(ctx context.Context, e *types.EstimationSnapshot) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO estimations (id, job_id, estimated_cost_usd, estimated_secs, actual_cost_usd, actual_secs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.JobID.String(), e.EstimatedCostUSD, e.EstimatedSecs,
		e.ActualCostUSD, e.ActualSecs, fmtTime(e.CreatedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) UpdateEstimationActuals(ctx context.Context, jobID uuid.UUID, costUSD float64, secs int64) error {
	return s.execOne(ctx, `
		UPDATE estimations SET actual_cost_usd = ?, actual_secs = ? WHERE job_id = ?`,
		costUSD, secs, jobID.String())
}

// --- tool failures ---

func (s *SQLiteStore) IncrementToolFailure(ctx context.Context, userID, toolName, lastError string) (int, error) {
	now := fmtTime(time.Now())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_failures (user_id, tool_name, consecutive_failures, last_error, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id, tool_name) DO UPDATE SET
			consecutive_failures = consecutive_failures + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		userID, toolName, lastError, now); err != nil {
		return 0, wrapErr(err)
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT consecutive_failures FROM tool_failures WHERE user_id = ? AND tool_name = ?`,
		userID, toolName).Scan(&n)
	return n, wrapErr(err)
}

// ResetToolFailure clears the streak and the broken flag; called on any
// subsequent success.
func (s *SQLiteStore) ResetToolFailure(ctx context.Context, userID, toolName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_failures SET consecutive_failures = 0, broken = 0, updated_at = ?
		WHERE user_id = ? AND tool_name = ?`,
		fmtTime(time.Now()), userID, toolName)
	return wrapErr(err)
}

func (s *SQLiteStore) MarkToolBroken(ctx context.Context, userID, toolName string, broken bool) error {
	b := 0
	if broken {
		b = 1
	}
	return s.execOne(ctx, `
		UPDATE tool_failures SET broken = ?, updated_at = ? WHERE user_id = ? AND tool_name = ?`,
		b, fmtTime(time.Now()), userID, toolName)
}

func (s *SQLiteStore) listToolFailures(ctx context.Context, query string, args ...any) ([]*types.ToolFailure, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.ToolFailure
	for rows.Next() {
		var f types.ToolFailure
		var broken int
		var updated string
		if err := rows.Scan(&f.UserID, &f.ToolName, &f.ConsecutiveFailures,
			&f.LastError, &broken, &updated); err != nil {
			return nil, wrapErr(err)
		}
		f.Broken = broken != 0
		f.UpdatedAt = parseTime(updated)
		out = append(out, &f)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) ListBrokenTools(ctx context.Context, userID string) ([]*types.ToolFailure, error) {
	return s.listToolFailures(ctx, `
		SELECT user_id, tool_name, consecutive_failures, last_error, broken, updated_at
		FROM tool_failures WHERE user_id = ? AND broken = 1`, userID)
}

func (s *SQLiteStore) ListToolFailuresAbove(ctx context.Context, userID string, threshold int) ([]*types.ToolFailure, error) {
	return s.listToolFailures(ctx, `
		SELECT user_id, tool_name, consecutive_failures, last_error, broken, updated_at
		FROM tool_failures WHERE user_id = ? AND consecutive_failures >= ? AND broken = 0`,
		userID, threshold)
}

// --- uuid helpers ---

func uuidText(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func parseUUID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
