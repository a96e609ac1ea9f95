package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// --- sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, active_thread_id, auto_approved_tools, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.UserID, sess.ActiveThreadID.String(),
		toolSetJSON(sess.AutoApprovedTools), fmtTime(sess.CreatedAt), fmtTime(sess.LastActiveAt))
	return wrapErr(err)
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*types.Session, error) {
	var sess types.Session
	var id, activeID, tools, created, lastActive string
	if err := row.Scan(&id, &sess.UserID, &activeID, &tools, &created, &lastActive); err != nil {
		return nil, wrapErr(err)
	}
	sess.ID = uuid.MustParse(id)
	sess.ActiveThreadID = uuid.MustParse(activeID)
	sess.AutoApprovedTools = parseToolSet(tools)
	sess.CreatedAt = parseTime(created)
	sess.LastActiveAt = parseTime(lastActive)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, active_thread_id, auto_approved_tools, created_at, last_active_at
		FROM sessions WHERE id = ?`, id.String()))
}

func (s *SQLiteStore) GetSessionByUser(ctx context.Context, userID string) (*types.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, active_thread_id, auto_approved_tools, created_at, last_active_at
		FROM sessions WHERE user_id = ? ORDER BY last_active_at DESC LIMIT 1`, userID))
}

func (s *SQLiteStore) UpdateSessionActiveThread(ctx context.Context, id, threadID uuid.UUID) error {
	return s.execOne(ctx, `UPDATE sessions SET active_thread_id = ?, last_active_at = ? WHERE id = ?`,
		threadID.String(), fmtTime(time.Now()), id.String())
}

func (s *SQLiteStore) UpdateSessionAutoApproved(ctx context.Context, id uuid.UUID, tools map[string]bool) error {
	return s.execOne(ctx, `UPDATE sessions SET auto_approved_tools = ? WHERE id = ?`,
		toolSetJSON(tools), id.String())
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id.String())
}

func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, active_thread_id, auto_approved_tools, created_at, last_active_at
		FROM sessions WHERE last_active_at < ?`, fmtTime(idleSince))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var sess types.Session
		var id, activeID, tools, created, lastActive string
		if err := rows.Scan(&id, &sess.UserID, &activeID, &tools, &created, &lastActive); err != nil {
			return nil, wrapErr(err)
		}
		sess.ID = uuid.MustParse(id)
		sess.ActiveThreadID = uuid.MustParse(activeID)
		sess.AutoApprovedTools = parseToolSet(tools)
		sess.CreatedAt = parseTime(created)
		sess.LastActiveAt = parseTime(lastActive)
		out = append(out, &sess)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
}

// --- threads ---

func (s *SQLiteStore) CreateThread(ctx context.Context, t *types.Thread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.State == "" {
		t.State = types.ThreadIdle
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, session_id, user_id, state, turn_count, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.SessionID.String(), t.UserID, string(t.State),
		t.TurnCount, t.Title, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) GetThread(ctx context.Context, id uuid.UUID) (*types.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, state, turn_count, title, created_at, updated_at
		FROM threads WHERE id = ?`, id.String())
	return scanThread(row.Scan)
}

func scanThread(scan func(...any) error) (*types.Thread, error) {
	var t types.Thread
	var id, sessionID, state, created, updated string
	if err := scan(&id, &sessionID, &t.UserID, &state, &t.TurnCount, &t.Title, &created, &updated); err != nil {
		return nil, wrapErr(err)
	}
	t.ID = uuid.MustParse(id)
	t.SessionID = uuid.MustParse(sessionID)
	t.State = types.ThreadState(state)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, sessionID uuid.UUID) ([]*types.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, state, turn_count, title, created_at, updated_at
		FROM threads WHERE session_id = ? ORDER BY created_at`, sessionID.String())
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.Thread
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) UpdateThreadState(ctx context.Context, id uuid.UUID, state types.ThreadState) error {
	return s.execOne(ctx, `UPDATE threads SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), fmtTime(time.Now()), id.String())
}

func (s *SQLiteStore) UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error {
	return s.execOne(ctx, `UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`,
		title, fmtTime(time.Now()), id.String())
}

// --- turns ---

func (s *SQLiteStore) CreateTurn(ctx context.Context, t *types.Turn) error {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	if t.State == "" {
		t.State = types.TurnPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT turn_count FROM threads WHERE id = ?`, t.ThreadID.String()).Scan(&count); err != nil {
		return wrapErr(err)
	}
	t.TurnNumber = count

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, thread_id, turn_number, user_input, response, state,
			prompt_tokens, completion_tokens, cost_usd, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.ThreadID.String(), t.TurnNumber, t.UserInput, t.Response,
		string(t.State), t.PromptTokens, t.CompletionTokens, t.CostUSD,
		fmtTime(t.StartedAt), fmtNullTime(t.CompletedAt)); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET turn_count = turn_count + 1, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), t.ThreadID.String()); err != nil {
		return wrapErr(err)
	}
	return wrapErr(tx.Commit())
}

func scanTurn(scan func(...any) error) (*types.Turn, error) {
	var t types.Turn
	var id, threadID, state, started string
	var completed sql.NullString
	if err := scan(&id, &threadID, &t.TurnNumber, &t.UserInput, &t.Response, &state,
		&t.PromptTokens, &t.CompletionTokens, &t.CostUSD, &started, &completed); err != nil {
		return nil, wrapErr(err)
	}
	t.ID = uuid.MustParse(id)
	t.ThreadID = uuid.MustParse(threadID)
	t.State = types.TurnState(state)
	t.StartedAt = parseTime(started)
	t.CompletedAt = parseNullTime(completed)
	return &t, nil
}

const turnCols = `id, thread_id, turn_number, user_input, response, state,
	prompt_tokens, completion_tokens, cost_usd, started_at, completed_at`

func (s *SQLiteStore) GetTurn(ctx context.Context, id uuid.UUID) (*types.Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnCols+` FROM turns WHERE id = ?`, id.String())
	return scanTurn(row.Scan)
}

func (s *SQLiteStore) ListTurns(ctx context.Context, threadID uuid.UUID, limit int) ([]*types.Turn, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnCols+` FROM turns WHERE thread_id = ?
		ORDER BY turn_number LIMIT ?`, threadID.String(), limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.Turn
	for rows.Next() {
		t, err := scanTurn(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) CompleteTurn(ctx context.Context, t *types.Turn) error {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now().UTC()
	}
	return s.execOne(ctx, `
		UPDATE turns SET response = ?, state = ?, prompt_tokens = ?, completion_tokens = ?,
			cost_usd = ?, completed_at = ?
		WHERE id = ?`,
		t.Response, string(t.State), t.PromptTokens, t.CompletionTokens,
		t.CostUSD, fmtTime(t.CompletedAt), t.ID.String())
}

func (s *SQLiteStore) CountTurns(ctx context.Context, threadID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE thread_id = ?`, threadID.String()).Scan(&n)
	return n, wrapErr(err)
}

func (s *SQLiteStore) ReplaceTurns(ctx context.Context, threadID uuid.UUID, turns []*types.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE thread_id = ?`, threadID.String()); err != nil {
		return wrapErr(err)
	}
	for i, t := range turns {
		t.TurnNumber = i
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (id, thread_id, turn_number, user_input, response, state,
				prompt_tokens, completion_tokens, cost_usd, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID.String(), threadID.String(), i, t.UserInput, t.Response,
			string(t.State), t.PromptTokens, t.CompletionTokens, t.CostUSD,
			fmtTime(t.StartedAt), fmtNullTime(t.CompletedAt)); err != nil {
			return wrapErr(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET turn_count = ?, updated_at = ? WHERE id = ?`,
		len(turns), fmtTime(time.Now()), threadID.String()); err != nil {
		return wrapErr(err)
	}
	return wrapErr(tx.Commit())
}

// --- actions ---

func (s *SQLiteStore) CreateAction(ctx context.Context, a *types.Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, turn_id, tool_name, params, result, error,
			duration_ms, cost_usd, verdict_in, verdict_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.TurnID.String(), a.ToolName, jsonText(a.Params),
		a.Result, a.Error, a.Duration.Milliseconds(), a.CostUSD,
		a.VerdictIn, a.VerdictOut, fmtTime(a.CreatedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) ListActions(ctx context.Context, turnID uuid.UUID) ([]*types.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, tool_name, params, result, error, duration_ms,
			cost_usd, verdict_in, verdict_out, created_at
		FROM actions WHERE turn_id = ? ORDER BY created_at`, turnID.String())
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.Action
	for rows.Next() {
		var a types.Action
		var id, turnID, params, created string
		var durationMs int64
		if err := rows.Scan(&id, &turnID, &a.ToolName, &params, &a.Result, &a.Error,
			&durationMs, &a.CostUSD, &a.VerdictIn, &a.VerdictOut, &created); err != nil {
			return nil, wrapErr(err)
		}
		a.ID = uuid.MustParse(id)
		a.TurnID = uuid.MustParse(turnID)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.CreatedAt = parseTime(created)
		json.Unmarshal([]byte(params), &a.Params)
		out = append(out, &a)
	}
	return out, wrapErr(rows.Err())
}

// --- shared helpers ---

// execOne runs a statement and renders zero affected rows as ErrNotFound.
func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func toolSetJSON(set map[string]bool) string {
	names := make([]string, 0, len(set))
	for name, ok := range set {
		if ok {
			names = append(names, name)
		}
	}
	b, _ := json.Marshal(names)
	return string(b)
}

func parseToolSet(text string) map[string]bool {
	var names []string
	json.Unmarshal([]byte(text), &names)
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
