package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// --- sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = sess.CreatedAt
	}
	row := pgSession{
		ID:                sess.ID,
		UserID:            sess.UserID,
		ActiveThreadID:    sess.ActiveThreadID,
		AutoApprovedTools: toolSetJSON(sess.AutoApprovedTools),
		CreatedAt:         sess.CreatedAt,
		LastActiveAt:      sess.LastActiveAt,
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func sessionFromRow(row *pgSession) *types.Session {
	return &types.Session{
		ID:                row.ID,
		UserID:            row.UserID,
		ActiveThreadID:    row.ActiveThreadID,
		AutoApprovedTools: parseToolSet(row.AutoApprovedTools),
		CreatedAt:         row.CreatedAt,
		LastActiveAt:      row.LastActiveAt,
	}
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	var row pgSession
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, pgErr(err)
	}
	return sessionFromRow(&row), nil
}

func (s *PostgresStore) GetSessionByUser(ctx context.Context, userID string) (*types.Session, error) {
	var row pgSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_active_at DESC").
		First(&row).Error
	if err != nil {
		return nil, pgErr(err)
	}
	return sessionFromRow(&row), nil
}

func (s *PostgresStore) updateOne(ctx context.Context, model any, where string, updates map[string]any, args ...any) error {
	tx := s.db.WithContext(ctx).Model(model).Where(where, args...).Updates(updates)
	if tx.Error != nil {
		return pgErr(tx.Error)
	}
	if tx.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateSessionActiveThread(ctx context.Context, id, threadID uuid.UUID) error {
	return s.updateOne(ctx, &pgSession{}, "id = ?", map[string]any{
		"active_thread_id": threadID,
		"last_active_at":   time.Now().UTC(),
	}, id)
}

func (s *PostgresStore) UpdateSessionAutoApproved(ctx context.Context, id uuid.UUID, tools map[string]bool) error {
	return s.updateOne(ctx, &pgSession{}, "id = ?", map[string]any{
		"auto_approved_tools": toolSetJSON(tools),
	}, id)
}

func (s *PostgresStore) TouchSession(ctx context.Context, id uuid.UUID) error {
	return s.updateOne(ctx, &pgSession{}, "id = ?", map[string]any{
		"last_active_at": time.Now().UTC(),
	}, id)
}

func (s *PostgresStore) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]*types.Session, error) {
	var rows []pgSession
	if err := s.db.WithContext(ctx).Where("last_active_at < ?", idleSince).Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Session, len(rows))
	for i := range rows {
		out[i] = sessionFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tx := s.db.WithContext(ctx).Delete(&pgSession{}, "id = ?", id)
	if tx.Error != nil {
		return pgErr(tx.Error)
	}
	if tx.RowsAffected == 0 {
		return types.ErrNotFound
	}
	// No FK cascade across gorm models; clean dependents explicitly.
	var threadIDs []uuid.UUID
	s.db.WithContext(ctx).Model(&pgThread{}).Where("session_id = ?", id).Pluck("id", &threadIDs)
	if len(threadIDs) > 0 {
		s.db.WithContext(ctx).Delete(&pgTurn{}, "thread_id IN ?", threadIDs)
		s.db.WithContext(ctx).Delete(&pgThread{}, "session_id = ?", id)
	}
	return nil
}

// --- threads ---

func (s *PostgresStore) CreateThread(ctx context.Context, t *types.Thread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.State == "" {
		t.State = types.ThreadIdle
	}
	row := pgThread{
		ID:        t.ID,
		SessionID: t.SessionID,
		UserID:    t.UserID,
		State:     string(t.State),
		TurnCount: t.TurnCount,
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func threadFromRow(row *pgThread) *types.Thread {
	return &types.Thread{
		ID:        row.ID,
		SessionID: row.SessionID,
		UserID:    row.UserID,
		State:     types.ThreadState(row.State),
		TurnCount: row.TurnCount,
		Title:     row.Title,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func (s *PostgresStore) GetThread(ctx context.Context, id uuid.UUID) (*types.Thread, error) {
	var row pgThread
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, pgErr(err)
	}
	return threadFromRow(&row), nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, sessionID uuid.UUID) ([]*types.Thread, error) {
	var rows []pgThread
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Thread, len(rows))
	for i := range rows {
		out[i] = threadFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) UpdateThreadState(ctx context.Context, id uuid.UUID, state types.ThreadState) error {
	return s.updateOne(ctx, &pgThread{}, "id = ?", map[string]any{
		"state":      string(state),
		"updated_at": time.Now().UTC(),
	}, id)
}

func (s *PostgresStore) UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error {
	return s.updateOne(ctx, &pgThread{}, "id = ?", map[string]any{
		"title":      title,
		"updated_at": time.Now().UTC(),
	}, id)
}

// --- turns ---

func (s *PostgresStore) CreateTurn(ctx context.Context, t *types.Turn) error {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	if t.State == "" {
		t.State = types.TurnPending
	}
	return pgErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread pgThread
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&thread, "id = ?", t.ThreadID).Error; err != nil {
			return err
		}
		t.TurnNumber = thread.TurnCount
		row := pgTurn{
			ID:               t.ID,
			ThreadID:         t.ThreadID,
			TurnNumber:       t.TurnNumber,
			UserInput:        t.UserInput,
			Response:         t.Response,
			State:            string(t.State),
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
			CostUSD:          t.CostUSD,
			StartedAt:        t.StartedAt,
			CompletedAt:      timePtr(t.CompletedAt),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&pgThread{}).Where("id = ?", t.ThreadID).
			Updates(map[string]any{
				"turn_count": gorm.Expr("turn_count + 1"),
				"updated_at": time.Now().UTC(),
			}).Error
	}))
}

func turnFromRow(row *pgTurn) *types.Turn {
	return &types.Turn{
		ID:               row.ID,
		ThreadID:         row.ThreadID,
		TurnNumber:       row.TurnNumber,
		UserInput:        row.UserInput,
		Response:         row.Response,
		State:            types.TurnState(row.State),
		PromptTokens:     row.PromptTokens,
		CompletionTokens: row.CompletionTokens,
		CostUSD:          row.CostUSD,
		StartedAt:        row.StartedAt,
		CompletedAt:      timeVal(row.CompletedAt),
	}
}

func (s *PostgresStore) GetTurn(ctx context.Context, id uuid.UUID) (*types.Turn, error) {
	var row pgTurn
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, pgErr(err)
	}
	return turnFromRow(&row), nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, threadID uuid.UUID, limit int) ([]*types.Turn, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []pgTurn
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("turn_number").Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Turn, len(rows))
	for i := range rows {
		out[i] = turnFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) CompleteTurn(ctx context.Context, t *types.Turn) error {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now().UTC()
	}
	return s.updateOne(ctx, &pgTurn{}, "id = ?", map[string]any{
		"response":          t.Response,
		"state":             string(t.State),
		"prompt_tokens":     t.PromptTokens,
		"completion_tokens": t.CompletionTokens,
		"cost_usd":          t.CostUSD,
		"completed_at":      t.CompletedAt,
	}, t.ID)
}

func (s *PostgresStore) CountTurns(ctx context.Context, threadID uuid.UUID) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&pgTurn{}).Where("thread_id = ?", threadID).Count(&n).Error
	return int(n), pgErr(err)
}

func (s *PostgresStore) ReplaceTurns(ctx context.Context, threadID uuid.UUID, turns []*types.Turn) error {
	return pgErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&pgTurn{}, "thread_id = ?", threadID).Error; err != nil {
			return err
		}
		for i, t := range turns {
			t.TurnNumber = i
			row := pgTurn{
				ID:               t.ID,
				ThreadID:         threadID,
				TurnNumber:       i,
				UserInput:        t.UserInput,
				Response:         t.Response,
				State:            string(t.State),
				PromptTokens:     t.PromptTokens,
				CompletionTokens: t.CompletionTokens,
				CostUSD:          t.CostUSD,
				StartedAt:        t.StartedAt,
				CompletedAt:      timePtr(t.CompletedAt),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return tx.Model(&pgThread{}).Where("id = ?", threadID).
			Updates(map[string]any{
				"turn_count": len(turns),
				"updated_at": time.Now().UTC(),
			}).Error
	}))
}

// --- actions ---

func (s *PostgresStore) CreateAction(ctx context.Context, a *types.Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	row := pgAction{
		ID:         a.ID,
		TurnID:     a.TurnID,
		ToolName:   a.ToolName,
		Params:     jsonStr(a.Params),
		Result:     a.Result,
		Error:      a.Error,
		DurationMs: a.Duration.Milliseconds(),
		CostUSD:    a.CostUSD,
		VerdictIn:  a.VerdictIn,
		VerdictOut: a.VerdictOut,
		CreatedAt:  a.CreatedAt,
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *PostgresStore) ListActions(ctx context.Context, turnID uuid.UUID) ([]*types.Action, error) {
	var rows []pgAction
	if err := s.db.WithContext(ctx).
		Where("turn_id = ?", turnID).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Action, len(rows))
	for i, row := range rows {
		a := &types.Action{
			ID:         row.ID,
			TurnID:     row.TurnID,
			ToolName:   row.ToolName,
			Result:     row.Result,
			Error:      row.Error,
			Duration:   time.Duration(row.DurationMs) * time.Millisecond,
			CostUSD:    row.CostUSD,
			VerdictIn:  row.VerdictIn,
			VerdictOut: row.VerdictOut,
			CreatedAt:  row.CreatedAt,
		}
		json.Unmarshal([]byte(row.Params), &a.Params)
		out[i] = a
	}
	return out, nil
}

// --- jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, j *types.Job) error {
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
	row := pgJob{
		ID:             j.ID,
		UserID:         j.UserID,
		Title:          j.Title,
		Description:    j.Description,
		State:          string(j.State),
		Mode:           string(j.Mode),
		ProjectDir:     j.ProjectDir,
		RepairAttempts: j.RepairAttempts,
		FailureReason:  j.FailureReason,
		CreatedAt:      j.CreatedAt,
		StartedAt:      timePtr(j.StartedAt),
		CompletedAt:    timePtr(j.CompletedAt),
		LastActivity:   j.LastActivity,
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func jobFromRow(row *pgJob) *types.Job {
	return &types.Job{
		ID:             row.ID,
		UserID:         row.UserID,
		Title:          row.Title,
		Description:    row.Description,
		State:          types.JobState(row.State),
		Mode:           types.JobMode(row.Mode),
		ProjectDir:     row.ProjectDir,
		RepairAttempts: row.RepairAttempts,
		FailureReason:  row.FailureReason,
		CreatedAt:      row.CreatedAt,
		StartedAt:      timeVal(row.StartedAt),
		CompletedAt:    timeVal(row.CompletedAt),
		LastActivity:   row.LastActivity,
	}
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	var row pgJob
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, pgErr(err)
	}
	return jobFromRow(&row), nil
}

func (s *PostgresStore) JobOwnedBy(ctx context.Context, id uuid.UUID, userID string) (*types.Job, error) {
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

func (s *PostgresStore) ListJobs(ctx context.Context, userID string, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []pgJob
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Job, len(rows))
	for i := range rows {
		out[i] = jobFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) ListJobsByState(ctx context.Context, state types.JobState) ([]*types.Job, error) {
	var rows []pgJob
	if err := s.db.WithContext(ctx).
		Where("state = ?", string(state)).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Job, len(rows))
	for i := range rows {
		out[i] = jobFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) UpdateJobState(ctx context.Context, id uuid.UUID, state types.JobState) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row pgJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		if err := types.ValidateTransition(types.JobState(row.State), state); err != nil {
			return err
		}
		now := time.Now().UTC()
		updates := map[string]any{"state": string(state), "last_activity": now}
		switch state {
		case types.JobInProgress:
			if row.StartedAt == nil {
				updates["started_at"] = now
			}
		case types.JobCompleted, types.JobFailed, types.JobCancelled, types.JobAccepted:
			updates["completed_at"] = now
		}
		return tx.Model(&pgJob{}).Where("id = ?", id).Updates(updates).Error
	})
	if errors.Is(err, types.ErrInvalidTransition) {
		return err
	}
	return pgErr(err)
}

func (s *PostgresStore) SetJobFailure(ctx context.Context, id uuid.UUID, reason string) error {
	return s.updateOne(ctx, &pgJob{}, "id = ?", map[string]any{"failure_reason": reason}, id)
}

func (s *PostgresStore) TouchJob(ctx context.Context, id uuid.UUID) error {
	return s.updateOne(ctx, &pgJob{}, "id = ?", map[string]any{"last_activity": time.Now().UTC()}, id)
}

func (s *PostgresStore) IncrementRepairAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	if err := s.updateOne(ctx, &pgJob{}, "id = ?", map[string]any{
		"repair_attempts": gorm.Expr("repair_attempts + 1"),
	}, id); err != nil {
		return 0, err
	}
	var n int
	err := s.db.WithContext(ctx).Model(&pgJob{}).Where("id = ?", id).
		Select("repair_attempts").Scan(&n).Error
	return n, pgErr(err)
}

func (s *PostgresStore) AppendJobEvent(ctx context.Context, e *types.JobEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	row := pgJobEvent{
		JobID:     e.JobID,
		Kind:      e.Kind,
		Payload:   jsonStr(e.Payload),
		CreatedAt: e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return pgErr(err)
	}
	e.ID = row.ID
	return nil
}

func (s *PostgresStore) ListJobEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]*types.JobEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []pgJobEvent
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id").Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.JobEvent, len(rows))
	for i, row := range rows {
		e := &types.JobEvent{ID: row.ID, JobID: row.JobID, Kind: row.Kind, CreatedAt: row.CreatedAt}
		json.Unmarshal([]byte(row.Payload), &e.Payload)
		out[i] = e
	}
	return out, nil
}

func (s *PostgresStore) CreateSandboxJob(ctx context.Context, sj *types.SandboxJob) error {
	row := pgSandboxJob{
		JobID:          sj.JobID,
		UserID:         sj.UserID,
		ContainerID:    sj.ContainerID,
		State:          string(sj.State),
		AllowedHosts:   jsonStr(sj.AllowedHosts),
		AllowedSecrets: jsonStr(sj.AllowedSecrets),
		StartedAt:      timePtr(sj.StartedAt),
		CompletedAt:    timePtr(sj.CompletedAt),
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *PostgresStore) GetSandboxJob(ctx context.Context, jobID uuid.UUID) (*types.SandboxJob, error) {
	var row pgSandboxJob
	if err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error; err != nil {
		return nil, pgErr(err)
	}
	sj := &types.SandboxJob{
		JobID:       row.JobID,
		UserID:      row.UserID,
		ContainerID: row.ContainerID,
		State:       types.JobState(row.State),
		StartedAt:   timeVal(row.StartedAt),
		CompletedAt: timeVal(row.CompletedAt),
	}
	json.Unmarshal([]byte(row.AllowedHosts), &sj.AllowedHosts)
	json.Unmarshal([]byte(row.AllowedSecrets), &sj.AllowedSecrets)
	return sj, nil
}

func (s *PostgresStore) UpdateSandboxJobState(ctx context.Context, jobID uuid.UUID, state types.JobState) error {
	updates := map[string]any{"state": string(state)}
	if state.Terminal() || state == types.JobCompleted {
		updates["completed_at"] = time.Now().UTC()
	}
	return s.updateOne(ctx, &pgSandboxJob{}, "job_id = ?", updates, jobID)
}
