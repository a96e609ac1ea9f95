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

const routineCols = `id, user_id, name, trigger, cron_expr, pattern, action,
	cooldown_secs, enabled, run_count, last_run_at, created_at, updated_at`

func (s *SQLiteStore) CreateRoutine(ctx context.Context, r *types.Routine) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routines (`+routineCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.UserID, r.Name, string(r.Trigger), r.CronExpr, r.Pattern,
		r.Action, int64(r.Cooldown.Seconds()), enabled, r.RunCount,
		fmtNullTime(r.LastRunAt), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
	return wrapErr(err)
}

func scanRoutine(scan func(...any) error) (*types.Routine, error) {
	var r types.Routine
	var id, trigger, created, updated string
	var lastRun sql.NullString
	var cooldownSecs int64
	var enabled int
	if err := scan(&id, &r.UserID, &r.Name, &trigger, &r.CronExpr, &r.Pattern,
		&r.Action, &cooldownSecs, &enabled, &r.RunCount, &lastRun, &created, &updated); err != nil {
		return nil, wrapErr(err)
	}
	r.ID = uuid.MustParse(id)
	r.Trigger = types.TriggerKind(trigger)
	r.Cooldown = time.Duration(cooldownSecs) * time.Second
	r.Enabled = enabled != 0
	r.LastRunAt = parseNullTime(lastRun)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

func (s *SQLiteStore) GetRoutine(ctx context.Context, id uuid.UUID) (*types.Routine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routineCols+` FROM routines WHERE id = ?`, id.String())
	return scanRoutine(row.Scan)
}

func (s *SQLiteStore) queryRoutines(ctx context.Context, query string, args ...any) ([]*types.Routine, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.Routine
	for rows.Next() {
		r, err := scanRoutine(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) ListRoutines(ctx context.Context, userID string) ([]*types.Routine, error) {
	return s.queryRoutines(ctx, `SELECT `+routineCols+` FROM routines WHERE user_id = ? ORDER BY name`, userID)
}

func (s *SQLiteStore) ListEnabledRoutines(ctx context.Context, trigger types.TriggerKind) ([]*types.Routine, error) {
	return s.queryRoutines(ctx, `
		SELECT `+routineCols+` FROM routines WHERE trigger = ? AND enabled = 1`, string(trigger))
}

func (s *SQLiteStore) UpdateRoutine(ctx context.Context, r *types.Routine) error {
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	return s.execOne(ctx, `
		UPDATE routines SET name = ?, trigger = ?, cron_expr = ?, pattern = ?, action = ?,
			cooldown_secs = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, string(r.Trigger), r.CronExpr, r.Pattern, r.Action,
		int64(r.Cooldown.Seconds()), enabled, fmtTime(time.Now()), r.ID.String())
}

func (s *SQLiteStore) DeleteRoutine(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `DELETE FROM routines WHERE id = ?`, id.String())
}

func (s *SQLiteStore) MarkRoutineRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.execOne(ctx, `
		UPDATE routines SET run_count = run_count + 1, last_run_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at), fmtTime(time.Now()), id.String())
}

func (s *SQLiteStore) RecordRoutineRun(ctx context.Context, run *types.RoutineRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	success := 0
	if run.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_runs (id, routine_id, job_id, trigger, success, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.RoutineID.String(), uuidText(run.JobID), run.Trigger,
		success, run.Error, fmtTime(run.StartedAt), fmtNullTime(run.EndedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) ListRoutineRuns(ctx context.Context, routineID uuid.UUID, limit int) ([]*types.RoutineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, routine_id, job_id, trigger, success, error, started_at, ended_at
		FROM routine_runs WHERE routine_id = ? ORDER BY started_at DESC LIMIT ?`,
		routineID.String(), limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.RoutineRun
	for rows.Next() {
		var run types.RoutineRun
		var id, rid, jid, started string
		var ended sql.NullString
		var success int
		if err := rows.Scan(&id, &rid, &jid, &run.Trigger, &success, &run.Error, &started, &ended); err != nil {
			return nil, wrapErr(err)
		}
		run.ID = uuid.MustParse(id)
		run.RoutineID = uuid.MustParse(rid)
		run.JobID = parseUUID(jid)
		run.Success = success != 0
		run.StartedAt = parseTime(started)
		run.EndedAt = parseNullTime(ended)
		out = append(out, &run)
	}
	return out, wrapErr(rows.Err())
}

// --- settings ---

func (s *SQLiteStore) SetSetting(ctx context.Context, set *types.Setting) error {
	now := time.Now().UTC()
	value, err := json.Marshal(set.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (user_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		set.UserID, set.Key, string(value), fmtTime(now), fmtTime(now))
	return wrapErr(err)
}

func (s *SQLiteStore) GetSetting(ctx context.Context, userID, key string) (*types.Setting, error) {
	var set types.Setting
	var value, created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, key, value, created_at, updated_at FROM settings
		WHERE user_id = ? AND key = ?`, userID, key).
		Scan(&set.UserID, &set.Key, &value, &created, &updated)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := json.Unmarshal([]byte(value), &set.Value); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	set.CreatedAt = parseTime(created)
	set.UpdatedAt = parseTime(updated)
	return &set, nil
}

func (s *SQLiteStore) ListSettings(ctx context.Context, userID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, wrapErr(err)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", types.ErrSerialization, key, err)
		}
		out[key] = v
	}
	return out, wrapErr(rows.Err())
}

// SetSettingsBulk writes the map atomically: either every key lands or
// none do.
func (s *SQLiteStore) SetSettingsBulk(ctx context.Context, userID string, values map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	for key, v := range values {
		value, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: key %s: %v", types.ErrSerialization, key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (user_id, key, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			userID, key, string(value), now, now); err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit())
}

func (s *SQLiteStore) DeleteSetting(ctx context.Context, userID, key string) error {
	return s.execOne(ctx, `DELETE FROM settings WHERE user_id = ? AND key = ?`, userID, key)
}
