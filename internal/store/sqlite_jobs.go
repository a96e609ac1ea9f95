package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

const jobCols = `id, user_id, title, description, state, mode, project_dir,
	repair_attempts, failure_reason, created_at, started_at, completed_at, last_activity`

func (s *SQLiteStore) CreateJob(ctx context.Context, j *types.Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.LastActivity.IsZero() {
		j.LastActivity = now
	}
	if j.State == "" {
		j.State = types.JobPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.UserID, j.Title, j.Description, string(j.State), string(j.Mode),
		j.ProjectDir, j.RepairAttempts, j.FailureReason,
		fmtTime(j.CreatedAt), fmtNullTime(j.StartedAt), fmtNullTime(j.CompletedAt),
		fmtTime(j.LastActivity))
	return wrapErr(err)
}

func scanJob(scan func(...any) error) (*types.Job, error) {
	var j types.Job
	var id, state, mode, created, lastActivity string
	var started, completed sql.NullString
	if err := scan(&id, &j.UserID, &j.Title, &j.Description, &state, &mode, &j.ProjectDir,
		&j.RepairAttempts, &j.FailureReason, &created, &started, &completed, &lastActivity); err != nil {
		return nil, wrapErr(err)
	}
	j.ID = uuid.MustParse(id)
	j.State = types.JobState(state)
	j.Mode = types.JobMode(mode)
	j.CreatedAt = parseTime(created)
	j.StartedAt = parseNullTime(started)
	j.CompletedAt = parseNullTime(completed)
	j.LastActivity = parseTime(lastActivity)
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id.String())
	return scanJob(row.Scan)
}

// JobOwnedBy renders both a missing job and a foreign job as
// ErrNotAuthorized so the call is not an existence oracle.
func (s *SQLiteStore) JobOwnedBy(ctx context.Context, id uuid.UUID, userID string) (*types.Job, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrNotAuthorized
		}
		return nil, err
	}
	if j.UserID != userID {
		return nil, types.ErrNotAuthorized
	}
	return j, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) ListJobs(ctx context.Context, userID string, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, `SELECT `+jobCols+` FROM jobs WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

func (s *SQLiteStore) ListJobsByState(ctx context.Context, state types.JobState) ([]*types.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobCols+` FROM jobs WHERE state = ? ORDER BY created_at`, string(state))
}

// UpdateJobState enforces the state machine inside the write transaction
// so two racing transitions cannot both commit.
func (s *SQLiteStore) UpdateJobState(ctx context.Context, id uuid.UUID, state types.JobState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id.String()).Scan(&current); err != nil {
		return wrapErr(err)
	}
	if err := types.ValidateTransition(types.JobState(current), state); err != nil {
		return err
	}

	now := fmtTime(time.Now())
	set := `state = ?, last_activity = ?`
	args := []any{string(state), now}
	switch state {
	case types.JobInProgress:
		set += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	case types.JobCompleted, types.JobFailed, types.JobCancelled, types.JobAccepted:
		set += `, completed_at = ?`
		args = append(args, now)
	}
	args = append(args, id.String())
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ?`, args...); err != nil {
		return wrapErr(err)
	}
	return wrapErr(tx.Commit())
}

func (s *SQLiteStore) SetJobFailure(ctx context.Context, id uuid.UUID, reason string) error {
	return s.execOne(ctx, `UPDATE jobs SET failure_reason = ? WHERE id = ?`, reason, id.String())
}

func (s *SQLiteStore) TouchJob(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `UPDATE jobs SET last_activity = ? WHERE id = ?`,
		fmtTime(time.Now()), id.String())
}

func (s *SQLiteStore) IncrementRepairAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	if err := s.execOne(ctx,
		`UPDATE jobs SET repair_attempts = repair_attempts + 1 WHERE id = ?`, id.String()); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT repair_attempts FROM jobs WHERE id = ?`, id.String()).Scan(&n)
	return n, wrapErr(err)
}

// --- job events ---

func (s *SQLiteStore) AppendJobEvent(ctx context.Context, e *types.JobEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		e.JobID.String(), e.Kind, jsonText(e.Payload), fmtTime(e.CreatedAt))
	if err != nil {
		return wrapErr(err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListJobEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]*types.JobEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, kind, payload, created_at FROM job_events
		WHERE job_id = ? ORDER BY id LIMIT ?`, jobID.String(), limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.JobEvent
	for rows.Next() {
		var e types.JobEvent
		var jid, payload, created string
		if err := rows.Scan(&e.ID, &jid, &e.Kind, &payload, &created); err != nil {
			return nil, wrapErr(err)
		}
		e.JobID = uuid.MustParse(jid)
		e.CreatedAt = parseTime(created)
		json.Unmarshal([]byte(payload), &e.Payload)
		out = append(out, &e)
	}
	return out, wrapErr(rows.Err())
}

// --- sandbox jobs ---

func (s *SQLiteStore) CreateSandboxJob(ctx context.Context, sj *types.SandboxJob) error {
	hosts, _ := json.Marshal(sj.AllowedHosts)
	secrets, _ := json.Marshal(sj.AllowedSecrets)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_jobs (job_id, user_id, container_id, state, allowed_hosts, allowed_secrets, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sj.JobID.String(), sj.UserID, sj.ContainerID, string(sj.State),
		string(hosts), string(secrets), fmtNullTime(sj.StartedAt), fmtNullTime(sj.CompletedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) GetSandboxJob(ctx context.Context, jobID uuid.UUID) (*types.SandboxJob, error) {
	var sj types.SandboxJob
	var jid, state, hosts, secrets string
	var started, completed sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, container_id, state, allowed_hosts, allowed_secrets, started_at, completed_at
		FROM sandbox_jobs WHERE job_id = ?`, jobID.String()).
		Scan(&jid, &sj.UserID, &sj.ContainerID, &state, &hosts, &secrets, &started, &completed)
	if err != nil {
		return nil, wrapErr(err)
	}
	sj.JobID = uuid.MustParse(jid)
	sj.State = types.JobState(state)
	json.Unmarshal([]byte(hosts), &sj.AllowedHosts)
	json.Unmarshal([]byte(secrets), &sj.AllowedSecrets)
	sj.StartedAt = parseNullTime(started)
	sj.CompletedAt = parseNullTime(completed)
	return &sj, nil
}

func (s *SQLiteStore) UpdateSandboxJobState(ctx context.Context, jobID uuid.UUID, state types.JobState) error {
	set := `state = ?`
	args := []any{string(state)}
	if state.Terminal() || state == types.JobCompleted {
		set += `, completed_at = ?`
		args = append(args, fmtTime(time.Now()))
	}
	args = append(args, jobID.String())
	return s.execOne(ctx, `UPDATE sandbox_jobs SET `+set+` WHERE job_id = ?`, args...)
}
