package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danielsimonjr/ironclaw/internal/embedding"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// --- telemetry ---

func (s *PostgresStore) RecordLlmCall(ctx context.Context, r *types.LlmCallRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	row := pgLlmCall{
		ID: r.ID, UserID: r.UserID, ThreadID: r.ThreadID, TurnID: r.TurnID,
		Provider: r.Provider, Model: r.Model,
		PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens,
		CostUSD: r.CostUSD, DurationMs: r.DurationMs,
		FinishReason: r.FinishReason, ResponseID: r.ResponseID, CreatedAt: r.CreatedAt,
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *PostgresStore) ListLlmCalls(ctx context.Context, threadID uuid.UUID, limit int) ([]*types.LlmCallRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []pgLlmCall
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at").Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.LlmCallRecord, len(rows))
	for i, row := range rows {
		out[i] = &types.LlmCallRecord{
			ID: row.ID, UserID: row.UserID, ThreadID: row.ThreadID, TurnID: row.TurnID,
			Provider: row.Provider, Model: row.Model,
			PromptTokens: row.PromptTokens, CompletionTokens: row.CompletionTokens,
			CostUSD: row.CostUSD, DurationMs: row.DurationMs,
			FinishReason: row.FinishReason, ResponseID: row.ResponseID, CreatedAt: row.CreatedAt,
		}
	}
	return out, nil
}

func (s *PostgresStore) SumTurnCosts(ctx context.Context, turnID uuid.UUID) (float64, error) {
	var actions, calls float64
	if err := s.db.WithContext(ctx).Model(&pgAction{}).
		Where("turn_id = ?", turnID).
		Select("COALESCE(SUM(cost_usd), 0)").Scan(&actions).Error; err != nil {
		return 0, pgErr(err)
	}
	if err := s.db.WithContext(ctx).Model(&pgLlmCall{}).
		Where("turn_id = ?", turnID).
		Select("COALESCE(SUM(cost_usd), 0)").Scan(&calls).Error; err != nil {
		return 0, pgErr(err)
	}
	return actions + calls, nil
}

func (s *PostgresStore) DailyUsage(ctx context.Context, userID string, days int) ([]CostAggregate, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	var out []CostAggregate
	err := s.db.WithContext(ctx).Model(&pgLlmCall{}).
		Select(`to_char(created_at, 'YYYY-MM-DD') AS day, model, COUNT(*) AS calls,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(cost_usd), 0) AS cost_usd`).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("day, model").Order("day DESC, model").
		Scan(&out).Error
	return out, pgErr(err)
}

func (s *PostgresStore) SaveEstimation(ctx context.Context, e *types.EstimationSnapshot) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	row := pgEstimation{
		ID: e.ID, JobID: e.JobID,
		EstimatedCostUSD: e.EstimatedCostUSD, EstimatedSecs: e.EstimatedSecs,
		ActualCostUSD: e.ActualCostUSD, ActualSecs: e.ActualSecs, CreatedAt: e.CreatedAt,
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *PostgresStore) UpdateEstimationActuals(ctx context.Context, jobID uuid.UUID, costUSD float64, secs int64) error {
	return s.updateOne(ctx, &pgEstimation{}, "job_id = ?", map[string]any{
		"actual_cost_usd": costUSD, "actual_secs": secs,
	}, jobID)
}

func (s *PostgresStore) IncrementToolFailure(ctx context.Context, userID, toolName, lastError string) (int, error) {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "tool_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"consecutive_failures": gorm.Expr("tool_failures.consecutive_failures + 1"),
			"last_error":           lastError,
			"updated_at":           time.Now().UTC(),
		}),
	}).Create(&pgToolFailure{
		UserID: userID, ToolName: toolName,
		ConsecutiveFailures: 1, LastError: lastError, UpdatedAt: time.Now().UTC(),
	}).Error
	if err != nil {
		return 0, pgErr(err)
	}
	var n int
	err = s.db.WithContext(ctx).Model(&pgToolFailure{}).
		Where("user_id = ? AND tool_name = ?", userID, toolName).
		Select("consecutive_failures").Scan(&n).Error
	return n, pgErr(err)
}

func (s *PostgresStore) ResetToolFailure(ctx context.Context, userID, toolName string) error {
	return pgErr(s.db.WithContext(ctx).Model(&pgToolFailure{}).
		Where("user_id = ? AND tool_name = ?", userID, toolName).
		Updates(map[string]any{
			"consecutive_failures": 0, "broken": false, "updated_at": time.Now().UTC(),
		}).Error)
}

func (s *PostgresStore) MarkToolBroken(ctx context.Context, userID, toolName string, broken bool) error {
	return s.updateOne(ctx, &pgToolFailure{}, "user_id = ? AND tool_name = ?", map[string]any{
		"broken": broken, "updated_at": time.Now().UTC(),
	}, userID, toolName)
}

func toolFailuresFromRows(rows []pgToolFailure) []*types.ToolFailure {
	out := make([]*types.ToolFailure, len(rows))
	for i, row := range rows {
		out[i] = &types.ToolFailure{
			UserID: row.UserID, ToolName: row.ToolName,
			ConsecutiveFailures: row.ConsecutiveFailures,
			LastError:           row.LastError, Broken: row.Broken, UpdatedAt: row.UpdatedAt,
		}
	}
	return out
}

func (s *PostgresStore) ListBrokenTools(ctx context.Context, userID string) ([]*types.ToolFailure, error) {
	var rows []pgToolFailure
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND broken", userID).Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	return toolFailuresFromRows(rows), nil
}

func (s *PostgresStore) ListToolFailuresAbove(ctx context.Context, userID string, threshold int) ([]*types.ToolFailure, error) {
	var rows []pgToolFailure
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND consecutive_failures >= ? AND NOT broken", userID, threshold).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	return toolFailuresFromRows(rows), nil
}

// --- routines ---

func routineToRow(r *types.Routine) pgRoutine {
	return pgRoutine{
		ID: r.ID, UserID: r.UserID, Name: r.Name, Trigger: string(r.Trigger),
		CronExpr: r.CronExpr, Pattern: r.Pattern, Action: r.Action,
		CooldownSecs: int64(r.Cooldown.Seconds()), Enabled: r.Enabled,
		RunCount: r.RunCount, LastRunAt: timePtr(r.LastRunAt),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func routineFromRow(row *pgRoutine) *types.Routine {
	return &types.Routine{
		ID: row.ID, UserID: row.UserID, Name: row.Name,
		Trigger: types.TriggerKind(row.Trigger), CronExpr: row.CronExpr,
		Pattern: row.Pattern, Action: row.Action,
		Cooldown: time.Duration(row.CooldownSecs) * time.Second,
		Enabled:  row.Enabled, RunCount: row.RunCount,
		LastRunAt: timeVal(row.LastRunAt), CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func (s *PostgresStore) CreateRoutine(ctx context.Context, r *types.Routine) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	row := routineToRow(r)
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *PostgresStore) GetRoutine(ctx context.Context, id uuid.UUID) (*types.Routine, error) {
	var row pgRoutine
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, pgErr(err)
	}
	return routineFromRow(&row), nil
}

func (s *PostgresStore) ListRoutines(ctx context.Context, userID string) ([]*types.Routine, error) {
	var rows []pgRoutine
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).Order("name").Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Routine, len(rows))
	for i := range rows {
		out[i] = routineFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) ListEnabledRoutines(ctx context.Context, trigger types.TriggerKind) ([]*types.Routine, error) {
	var rows []pgRoutine
	if err := s.db.WithContext(ctx).
		Where("trigger = ? AND enabled", string(trigger)).Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.Routine, len(rows))
	for i := range rows {
		out[i] = routineFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) UpdateRoutine(ctx context.Context, r *types.Routine) error {
	return s.updateOne(ctx, &pgRoutine{}, "id = ?", map[string]any{
		"name": r.Name, "trigger": string(r.Trigger), "cron_expr": r.CronExpr,
		"pattern": r.Pattern, "action": r.Action,
		"cooldown_secs": int64(r.Cooldown.Seconds()), "enabled": r.Enabled,
		"updated_at": time.Now().UTC(),
	}, r.ID)
}

func (s *PostgresStore) DeleteRoutine(ctx context.Context, id uuid.UUID) error {
	tx := s.db.WithContext(ctx).Delete(&pgRoutine{}, "id = ?", id)
	if tx.Error != nil {
		return pgErr(tx.Error)
	}
	if tx.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRoutineRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updateOne(ctx, &pgRoutine{}, "id = ?", map[string]any{
		"run_count":   gorm.Expr("run_count + 1"),
		"last_run_at": at.UTC(),
		"updated_at":  time.Now().UTC(),
	}, id)
}

func (s *PostgresStore) RecordRoutineRun(ctx context.Context, run *types.RoutineRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	row := pgRoutineRun{
		ID: run.ID, RoutineID: run.RoutineID, JobID: run.JobID,
		Trigger: run.Trigger, Success: run.Success, Error: run.Error,
		StartedAt: run.StartedAt, EndedAt: timePtr(run.EndedAt),
	}
	return pgErr(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *PostgresStore) ListRoutineRuns(ctx context.Context, routineID uuid.UUID, limit int) ([]*types.RoutineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []pgRoutineRun
	if err := s.db.WithContext(ctx).
		Where("routine_id = ?", routineID).
		Order("started_at DESC").Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.RoutineRun, len(rows))
	for i, row := range rows {
		out[i] = &types.RoutineRun{
			ID: row.ID, RoutineID: row.RoutineID, JobID: row.JobID,
			Trigger: row.Trigger, Success: row.Success, Error: row.Error,
			StartedAt: row.StartedAt, EndedAt: timeVal(row.EndedAt),
		}
	}
	return out, nil
}

// --- settings ---

func (s *PostgresStore) SetSetting(ctx context.Context, set *types.Setting) error {
	value, err := json.Marshal(set.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	now := time.Now().UTC()
	return pgErr(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value": string(value), "updated_at": now,
		}),
	}).Create(&pgSetting{
		UserID: set.UserID, Key: set.Key, Value: string(value),
		CreatedAt: now, UpdatedAt: now,
	}).Error)
}

func (s *PostgresStore) GetSetting(ctx context.Context, userID, key string) (*types.Setting, error) {
	var row pgSetting
	if err := s.db.WithContext(ctx).
		First(&row, "user_id = ? AND key = ?", userID, key).Error; err != nil {
		return nil, pgErr(err)
	}
	set := &types.Setting{UserID: row.UserID, Key: row.Key, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt}
	if err := json.Unmarshal([]byte(row.Value), &set.Value); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return set, nil
}

func (s *PostgresStore) ListSettings(ctx context.Context, userID string) (map[string]any, error) {
	var rows []pgSetting
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make(map[string]any, len(rows))
	for _, row := range rows {
		var v any
		if err := json.Unmarshal([]byte(row.Value), &v); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", types.ErrSerialization, row.Key, err)
		}
		out[row.Key] = v
	}
	return out, nil
}

func (s *PostgresStore) SetSettingsBulk(ctx context.Context, userID string, values map[string]any) error {
	return pgErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for key, v := range values {
			value, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("%w: key %s: %v", types.ErrSerialization, key, err)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "key"}},
				DoUpdates: clause.Assignments(map[string]any{
					"value": string(value), "updated_at": now,
				}),
			}).Create(&pgSetting{
				UserID: userID, Key: key, Value: string(value),
				CreatedAt: now, UpdatedAt: now,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *PostgresStore) DeleteSetting(ctx context.Context, userID, key string) error {
	tx := s.db.WithContext(ctx).Delete(&pgSetting{}, "user_id = ? AND key = ?", userID, key)
	if tx.Error != nil {
		return pgErr(tx.Error)
	}
	if tx.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// --- documents ---

func docFromRow(row *pgDocument) *types.MemoryDocument {
	d := &types.MemoryDocument{
		ID: row.ID, UserID: row.UserID, Path: row.Path, Content: row.Content,
		Importance: row.Importance, AccessCount: row.AccessCount,
		LastAccessedAt: row.LastAccessedAt, EventDate: timeVal(row.EventDate),
		SourceURL: row.SourceURL, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	json.Unmarshal([]byte(row.Tags), &d.Tags)
	return d
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, d *types.MemoryDocument, chunks []*types.MemoryChunk) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.LastAccessedAt.IsZero() {
		d.LastAccessedAt = now
	}
	tags, _ := json.Marshal(d.Tags)

	return pgErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing pgDocument
		err := tx.First(&existing, "user_id = ? AND path = ?", d.UserID, d.Path).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := pgDocument{
				ID: d.ID, UserID: d.UserID, Path: d.Path, Content: d.Content,
				Importance: d.Importance, AccessCount: d.AccessCount,
				LastAccessedAt: d.LastAccessedAt, EventDate: timePtr(d.EventDate),
				SourceURL: d.SourceURL, Tags: string(tags),
				CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			d.ID = existing.ID
			if err := tx.Model(&pgDocument{}).Where("id = ?", existing.ID).
				Updates(map[string]any{
					"content": d.Content, "importance": d.Importance,
					"event_date": timePtr(d.EventDate), "source_url": d.SourceURL,
					"tags": string(tags), "updated_at": d.UpdatedAt,
				}).Error; err != nil {
				return err
			}
		}

		if err := tx.Delete(&pgChunk{}, "document_id = ?", d.ID).Error; err != nil {
			return err
		}
		for _, c := range chunks {
			c.DocumentID = d.ID
			row := pgChunk{
				ID: c.ID, DocumentID: d.ID, ChunkIndex: c.ChunkIndex,
				Content: c.Content, Embedding: encodeVector(c.Embedding),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *PostgresStore) GetDocument(ctx context.Context, userID, path string) (*types.MemoryDocument, error) {
	var row pgDocument
	if err := s.db.WithContext(ctx).
		First(&row, "user_id = ? AND path = ?", userID, path).Error; err != nil {
		return nil, pgErr(err)
	}
	return docFromRow(&row), nil
}

func (s *PostgresStore) GetDocumentByID(ctx context.Context, id uuid.UUID) (*types.MemoryDocument, error) {
	var row pgDocument
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, pgErr(err)
	}
	return docFromRow(&row), nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, userID, pathPrefix string, limit int) ([]*types.MemoryDocument, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []pgDocument
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND path LIKE ?", userID, pathPrefix+"%").
		Order("path").Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.MemoryDocument, len(rows))
	for i := range rows {
		out[i] = docFromRow(&rows[i])
	}
	return out, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, userID, path string) error {
	return pgErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row pgDocument
		if err := tx.First(&row, "user_id = ? AND path = ?", userID, path).Error; err != nil {
			return err
		}
		if err := tx.Delete(&pgChunk{}, "document_id = ?", row.ID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&pgConnection{}, "source_id = ? OR target_id = ?", row.ID, row.ID).Error; err != nil {
			return err
		}
		return tx.Delete(&pgDocument{}, "id = ?", row.ID).Error
	}))
}

func (s *PostgresStore) RecordDocumentAccess(ctx context.Context, id uuid.UUID) error {
	return s.updateOne(ctx, &pgDocument{}, "id = ?", map[string]any{
		"access_count":     gorm.Expr("access_count + 1"),
		"last_accessed_at": time.Now().UTC(),
	}, id)
}

func (s *PostgresStore) GetChunks(ctx context.Context, documentID uuid.UUID) ([]*types.MemoryChunk, error) {
	var rows []pgChunk
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index").
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.MemoryChunk, len(rows))
	for i, row := range rows {
		out[i] = &types.MemoryChunk{
			ID: row.ID, DocumentID: row.DocumentID, ChunkIndex: row.ChunkIndex,
			Content: row.Content, Embedding: decodeVector(row.Embedding),
		}
	}
	return out, nil
}

func (s *PostgresStore) UpdateChunkEmbedding(ctx context.Context, chunkID uuid.UUID, emb []float32) error {
	return s.updateOne(ctx, &pgChunk{}, "id = ?", map[string]any{
		"embedding": encodeVector(emb),
	}, chunkID)
}

func (s *PostgresStore) ListChunksMissingEmbedding(ctx context.Context, userID string, limit int) ([]*types.MemoryChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []pgChunk
	if err := s.db.WithContext(ctx).
		Joins("JOIN documents ON documents.id = chunks.document_id").
		Where("documents.user_id = ? AND chunks.embedding IS NULL", userID).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.MemoryChunk, len(rows))
	for i, row := range rows {
		out[i] = &types.MemoryChunk{
			ID: row.ID, DocumentID: row.DocumentID, ChunkIndex: row.ChunkIndex,
			Content: row.Content,
		}
	}
	return out, nil
}

// --- hybrid search ---

type pgRankedRow struct {
	ChunkID        uuid.UUID
	DocumentID     uuid.UUID
	Path           string
	ChunkIndex     int
	Content        string
	LastAccessedAt time.Time
	Importance     float64
	Embedding      []byte
}

func (r *pgRankedRow) toRanked() rankedChunk {
	return rankedChunk{
		ChunkID: r.ChunkID, DocumentID: r.DocumentID, Path: r.Path,
		ChunkIndex: r.ChunkIndex, Content: r.Content,
		LastAccessedUnix: r.LastAccessedAt.UnixNano(), Importance: r.Importance,
	}
}

// HybridSearch mirrors the SQLite contract: tsquery lexical list, cosine
// full scan vector list, RRF fusion in Go.
func (s *PostgresStore) HybridSearch(ctx context.Context, q SearchQuery) ([]types.SearchResult, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	overscan := q.Limit * 4
	if overscan < 20 {
		overscan = 20
	}

	var lexical []rankedChunk
	if q.Mode != types.SearchVector && q.QueryText != "" {
		var rows []pgRankedRow
		err := s.db.WithContext(ctx).Raw(`
			SELECT c.id AS chunk_id, d.id AS document_id, d.path, c.chunk_index,
				c.content, d.last_accessed_at, d.importance
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE d.user_id = ? AND d.path LIKE ?
				AND to_tsvector('english', c.content) @@ plainto_tsquery('english', ?)
			ORDER BY ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', ?)) DESC
			LIMIT ?`,
			q.UserID, q.Filters.PathPrefix+"%", q.QueryText, q.QueryText, overscan).
			Scan(&rows).Error
		if err != nil {
			return nil, pgErr(err)
		}
		for i := range rows {
			lexical = append(lexical, rows[i].toRanked())
		}
	}

	var vector []rankedChunk
	if len(q.QueryEmbedding) > 0 && q.Mode != types.SearchLexical {
		var rows []pgRankedRow
		err := s.db.WithContext(ctx).Raw(`
			SELECT c.id AS chunk_id, d.id AS document_id, d.path, c.chunk_index,
				c.content, d.last_accessed_at, d.importance, c.embedding
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE d.user_id = ? AND d.path LIKE ? AND c.embedding IS NOT NULL`,
			q.UserID, q.Filters.PathPrefix+"%").
			Scan(&rows).Error
		if err != nil {
			return nil, pgErr(err)
		}
		type scored struct {
			chunk rankedChunk
			sim   float64
		}
		var candidates []scored
		for i := range rows {
			vec := decodeVector(rows[i].Embedding)
			if len(vec) != len(q.QueryEmbedding) {
				continue
			}
			sim, err := embedding.CosineSimilarity(q.QueryEmbedding, vec)
			if err != nil {
				continue
			}
			candidates = append(candidates, scored{chunk: rows[i].toRanked(), sim: sim})
		}
		for i := 1; i < len(candidates); i++ {
			for j := i; j > 0 && candidates[j].sim > candidates[j-1].sim; j-- {
				candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			}
		}
		n := overscan
		if n > len(candidates) {
			n = len(candidates)
		}
		for i := 0; i < n; i++ {
			vector = append(vector, candidates[i].chunk)
		}
	}

	return fuseRRF(lexical, vector, q.RRFK0, q.Limit), nil
}

// --- connections, spaces, profiles ---

func (s *PostgresStore) UpsertConnection(ctx context.Context, c *types.MemoryConnection) error {
	if c.SourceID == c.TargetID {
		return fmt.Errorf("%w: self connection", types.ErrConstraint)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return pgErr(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}, {Name: "target_id"}, {Name: "connection_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"strength": c.Strength, "metadata": jsonStr(c.Metadata),
		}),
	}).Create(&pgConnection{
		SourceID: c.SourceID, TargetID: c.TargetID, ConnectionType: string(c.Type),
		Strength: c.Strength, Metadata: jsonStr(c.Metadata), CreatedAt: c.CreatedAt,
	}).Error)
}

func (s *PostgresStore) ListConnections(ctx context.Context, sourceID uuid.UUID) ([]*types.MemoryConnection, error) {
	var rows []pgConnection
	if err := s.db.WithContext(ctx).Where("source_id = ?", sourceID).Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.MemoryConnection, len(rows))
	for i, row := range rows {
		c := &types.MemoryConnection{
			SourceID: row.SourceID, TargetID: row.TargetID,
			Type: types.ConnectionType(row.ConnectionType),
			Strength: row.Strength, CreatedAt: row.CreatedAt,
		}
		json.Unmarshal([]byte(row.Metadata), &c.Metadata)
		out[i] = c
	}
	return out, nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, sourceID, targetID uuid.UUID, typ types.ConnectionType) error {
	tx := s.db.WithContext(ctx).Delete(&pgConnection{},
		"source_id = ? AND target_id = ? AND connection_type = ?", sourceID, targetID, string(typ))
	if tx.Error != nil {
		return pgErr(tx.Error)
	}
	if tx.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TraverseConnections(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]*types.MemoryConnection, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}
	visited := map[uuid.UUID]bool{rootID: true}
	frontier := []uuid.UUID{rootID}
	var out []*types.MemoryConnection
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		for _, id := range frontier {
			conns, err := s.ListConnections(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range conns {
				out = append(out, c)
				if !visited[c.TargetID] {
					visited[c.TargetID] = true
					next = append(next, c.TargetID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *PostgresStore) CreateSpace(ctx context.Context, sp *types.MemorySpace) error {
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now().UTC()
	}
	return pgErr(s.db.WithContext(ctx).Create(&pgSpace{
		ID: sp.ID, UserID: sp.UserID, Name: sp.Name, CreatedAt: sp.CreatedAt,
	}).Error)
}

func (s *PostgresStore) GetSpaceByName(ctx context.Context, userID, name string) (*types.MemorySpace, error) {
	var row pgSpace
	if err := s.db.WithContext(ctx).
		First(&row, "user_id = ? AND name = ?", userID, name).Error; err != nil {
		return nil, pgErr(err)
	}
	sp := &types.MemorySpace{ID: row.ID, UserID: row.UserID, Name: row.Name, CreatedAt: row.CreatedAt}
	var members []pgSpaceDocument
	if err := s.db.WithContext(ctx).Where("space_id = ?", row.ID).Find(&members).Error; err != nil {
		return nil, pgErr(err)
	}
	for _, m := range members {
		sp.Documents = append(sp.Documents, m.DocumentID)
	}
	return sp, nil
}

func (s *PostgresStore) ListSpaces(ctx context.Context, userID string) ([]*types.MemorySpace, error) {
	var rows []pgSpace
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).Order("name").Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.MemorySpace, len(rows))
	for i, row := range rows {
		out[i] = &types.MemorySpace{ID: row.ID, UserID: row.UserID, Name: row.Name, CreatedAt: row.CreatedAt}
	}
	return out, nil
}

func (s *PostgresStore) AddToSpace(ctx context.Context, spaceID, documentID uuid.UUID) error {
	return pgErr(s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&pgSpaceDocument{SpaceID: spaceID, DocumentID: documentID}).Error)
}

func (s *PostgresStore) UpsertProfileEntry(ctx context.Context, e *types.UserProfileEntry) error {
	now := time.Now().UTC()
	return pgErr(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"profile_type": string(e.Type), "value": e.Value,
			"confidence": e.Confidence, "source": e.Source, "updated_at": now,
		}),
	}).Create(&pgProfileEntry{
		UserID: e.UserID, Key: e.Key, ProfileType: string(e.Type),
		Value: e.Value, Confidence: e.Confidence, Source: e.Source, UpdatedAt: now,
	}).Error)
}

func (s *PostgresStore) GetProfileEntry(ctx context.Context, userID, key string) (*types.UserProfileEntry, error) {
	var row pgProfileEntry
	if err := s.db.WithContext(ctx).
		First(&row, "user_id = ? AND key = ?", userID, key).Error; err != nil {
		return nil, pgErr(err)
	}
	return &types.UserProfileEntry{
		UserID: row.UserID, Key: row.Key, Type: types.ProfileType(row.ProfileType),
		Value: row.Value, Confidence: row.Confidence, Source: row.Source, UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *PostgresStore) ListProfileEntries(ctx context.Context, userID string) ([]*types.UserProfileEntry, error) {
	var rows []pgProfileEntry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).Order("key").Find(&rows).Error; err != nil {
		return nil, pgErr(err)
	}
	out := make([]*types.UserProfileEntry, len(rows))
	for i, row := range rows {
		out[i] = &types.UserProfileEntry{
			UserID: row.UserID, Key: row.Key, Type: types.ProfileType(row.ProfileType),
			Value: row.Value, Confidence: row.Confidence, Source: row.Source, UpdatedAt: row.UpdatedAt,
		}
	}
	return out, nil
}
