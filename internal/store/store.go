// Package store defines the persistence port and its two backends: SQLite
// (modernc driver, FTS5 lexical index, float32 blob vectors) and Postgres
// (gorm). Both implement the same Store interface with identical observable
// semantics; the property suite in store_property_test.go runs against both.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// SearchQuery is the hybrid-search input.
type SearchQuery struct {
	UserID         string
	QueryText      string
	QueryEmbedding []float32 // nil disables the vector list
	Limit          int
	Mode           types.SearchMode
	Filters        types.SearchFilters

	// RRFK0 is the reciprocal-rank-fusion constant; 0 means the default 60.
	RRFK0 int
}

// CostAggregate is a rollup row for analytics.
type CostAggregate struct {
	Day              string
	Model            string
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// SessionStore covers sessions, threads, turns and actions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error)
	GetSessionByUser(ctx context.Context, userID string) (*types.Session, error)
	UpdateSessionActiveThread(ctx context.Context, id, threadID uuid.UUID) error
	UpdateSessionAutoApproved(ctx context.Context, id uuid.UUID, tools map[string]bool) error
	TouchSession(ctx context.Context, id uuid.UUID) error
	ListIdleSessions(ctx context.Context, idleSince time.Time) ([]*types.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error

	CreateThread(ctx context.Context, t *types.Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (*types.Thread, error)
	ListThreads(ctx context.Context, sessionID uuid.UUID) ([]*types.Thread, error)
	UpdateThreadState(ctx context.Context, id uuid.UUID, state types.ThreadState) error
	UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error

	// CreateTurn assigns the next turn number and bumps the thread's
	// turn_count in one transaction.
	CreateTurn(ctx context.Context, t *types.Turn) error
	GetTurn(ctx context.Context, id uuid.UUID) (*types.Turn, error)
	ListTurns(ctx context.Context, threadID uuid.UUID, limit int) ([]*types.Turn, error)
	CompleteTurn(ctx context.Context, t *types.Turn) error
	CountTurns(ctx context.Context, threadID uuid.UUID) (int, error)
	// ReplaceTurns swaps a thread's history for the given turns in one
	// transaction. Compaction uses it to install the summary turn.
	ReplaceTurns(ctx context.Context, threadID uuid.UUID, turns []*types.Turn) error

	CreateAction(ctx context.Context, a *types.Action) error
	ListActions(ctx context.Context, turnID uuid.UUID) ([]*types.Action, error)
}

// JobStore covers jobs, job events and sandbox jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *types.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)
	// JobOwnedBy renders a miss as ErrNotAuthorized, never ErrNotFound.
	JobOwnedBy(ctx context.Context, id uuid.UUID, userID string) (*types.Job, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]*types.Job, error)
	ListJobsByState(ctx context.Context, state types.JobState) ([]*types.Job, error)
	// UpdateJobState validates the transition against the state machine
	// and refuses terminal-state changes with ErrInvalidTransition.
	UpdateJobState(ctx context.Context, id uuid.UUID, state types.JobState) error
	SetJobFailure(ctx context.Context, id uuid.UUID, reason string) error
	TouchJob(ctx context.Context, id uuid.UUID) error
	IncrementRepairAttempts(ctx context.Context, id uuid.UUID) (int, error)

	AppendJobEvent(ctx context.Context, e *types.JobEvent) error
	ListJobEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]*types.JobEvent, error)

	CreateSandboxJob(ctx context.Context, sj *types.SandboxJob) error
	GetSandboxJob(ctx context.Context, jobID uuid.UUID) (*types.SandboxJob, error)
	UpdateSandboxJobState(ctx context.Context, jobID uuid.UUID, state types.JobState) error
}

// TelemetryStore covers LLM call records, estimations and tool failures.
type TelemetryStore interface {
	RecordLlmCall(ctx context.Context, r *types.LlmCallRecord) error
	ListLlmCalls(ctx context.Context, threadID uuid.UUID, limit int) ([]*types.LlmCallRecord, error)
	SumTurnCosts(ctx context.Context, turnID uuid.UUID) (float64, error)
	DailyUsage(ctx context.Context, userID string, days int) ([]CostAggregate, error)

	SaveEstimation(ctx context.Context, e *types.EstimationSnapshot) error
	UpdateEstimationActuals(ctx context.Context, jobID uuid.UUID, costUSD float64, secs int64) error

	IncrementToolFailure(ctx context.Context, userID, toolName, lastError string) (int, error)
	ResetToolFailure(ctx context.Context, userID, toolName string) error
	MarkToolBroken(ctx context.Context, userID, toolName string, broken bool) error
	ListBrokenTools(ctx context.Context, userID string) ([]*types.ToolFailure, error)
	ListToolFailuresAbove(ctx context.Context, userID string, threshold int) ([]*types.ToolFailure, error)
}

// RoutineStore covers routines and runs.
type RoutineStore interface {
	CreateRoutine(ctx context.Context, r *types.Routine) error
	GetRoutine(ctx context.Context, id uuid.UUID) (*types.Routine, error)
	ListRoutines(ctx context.Context, userID string) ([]*types.Routine, error)
	ListEnabledRoutines(ctx context.Context, trigger types.TriggerKind) ([]*types.Routine, error)
	UpdateRoutine(ctx context.Context, r *types.Routine) error
	DeleteRoutine(ctx context.Context, id uuid.UUID) error
	MarkRoutineRun(ctx context.Context, id uuid.UUID, at time.Time) error

	RecordRoutineRun(ctx context.Context, run *types.RoutineRun) error
	ListRoutineRuns(ctx context.Context, routineID uuid.UUID, limit int) ([]*types.RoutineRun, error)
}

// SettingStore covers per-user settings.
type SettingStore interface {
	SetSetting(ctx context.Context, s *types.Setting) error
	GetSetting(ctx context.Context, userID, key string) (*types.Setting, error)
	ListSettings(ctx context.Context, userID string) (map[string]any, error)
	// SetSettingsBulk writes the whole map in one transaction.
	SetSettingsBulk(ctx context.Context, userID string, values map[string]any) error
	DeleteSetting(ctx context.Context, userID, key string) error
}

// WorkspaceStore covers documents, chunks, hybrid search, connections,
// spaces and profile entries.
type WorkspaceStore interface {
	// UpsertDocument writes the document and replaces its chunks in one
	// transaction (delete-then-insert).
	UpsertDocument(ctx context.Context, d *types.MemoryDocument, chunks []*types.MemoryChunk) error
	GetDocument(ctx context.Context, userID, path string) (*types.MemoryDocument, error)
	GetDocumentByID(ctx context.Context, id uuid.UUID) (*types.MemoryDocument, error)
	ListDocuments(ctx context.Context, userID, pathPrefix string, limit int) ([]*types.MemoryDocument, error)
	DeleteDocument(ctx context.Context, userID, path string) error
	RecordDocumentAccess(ctx context.Context, id uuid.UUID) error

	GetChunks(ctx context.Context, documentID uuid.UUID) ([]*types.MemoryChunk, error)
	UpdateChunkEmbedding(ctx context.Context, chunkID uuid.UUID, embedding []float32) error
	ListChunksMissingEmbedding(ctx context.Context, userID string, limit int) ([]*types.MemoryChunk, error)

	HybridSearch(ctx context.Context, q SearchQuery) ([]types.SearchResult, error)

	UpsertConnection(ctx context.Context, c *types.MemoryConnection) error
	ListConnections(ctx context.Context, sourceID uuid.UUID) ([]*types.MemoryConnection, error)
	DeleteConnection(ctx context.Context, sourceID, targetID uuid.UUID, typ types.ConnectionType) error
	// TraverseConnections walks the graph breadth-first with the depth
	// bound clamped to [1,10] and a visited set; cycles terminate.
	TraverseConnections(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]*types.MemoryConnection, error)

	CreateSpace(ctx context.Context, s *types.MemorySpace) error
	GetSpaceByName(ctx context.Context, userID, name string) (*types.MemorySpace, error)
	ListSpaces(ctx context.Context, userID string) ([]*types.MemorySpace, error)
	AddToSpace(ctx context.Context, spaceID, documentID uuid.UUID) error

	UpsertProfileEntry(ctx context.Context, e *types.UserProfileEntry) error
	GetProfileEntry(ctx context.Context, userID, key string) (*types.UserProfileEntry, error)
	ListProfileEntries(ctx context.Context, userID string) ([]*types.UserProfileEntry, error)
}

// Store is the full persistence port.
type Store interface {
	SessionStore
	JobStore
	TelemetryStore
	RoutineStore
	SettingStore
	WorkspaceStore

	// Migrate applies pending schema migrations in order; idempotent.
	Migrate(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string // "sqlite" or "postgres"
	URL     string
}

// Open creates the configured backend and runs migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "sqlite", "":
		s, err = OpenSQLite(cfg.URL)
	case "postgres":
		s, err = OpenPostgres(cfg.URL)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", types.ErrConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
