package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// PostgresStore implements Store on Postgres via gorm. IDs are native
// uuid columns, timestamps timestamptz, structured values jsonb, and
// embeddings bytea (little-endian float32, same encoding as SQLite).
// Lexical search uses to_tsvector/plainto_tsquery.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects using a standard postgres URL.
func OpenPostgres(url string) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: postgres url required", types.ErrConfig)
	}
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	return &PostgresStore{db: db}, nil
}

// --- models ---

type pgSession struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID            string    `gorm:"index"`
	ActiveThreadID    uuid.UUID `gorm:"type:uuid"`
	AutoApprovedTools string    `gorm:"type:jsonb;default:'[]'"`
	CreatedAt         time.Time
	LastActiveAt      time.Time
}

func (pgSession) TableName() string { return "sessions" }

type pgThread struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID uuid.UUID `gorm:"type:uuid;index"`
	UserID    string
	State     string
	TurnCount int
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (pgThread) TableName() string { return "threads" }

type pgTurn struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ThreadID         uuid.UUID `gorm:"type:uuid;index:idx_turns_thread_number,unique,priority:1"`
	TurnNumber       int       `gorm:"index:idx_turns_thread_number,unique,priority:2"`
	UserInput        string
	Response         string
	State            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	StartedAt        time.Time
	CompletedAt      *time.Time
}

func (pgTurn) TableName() string { return "turns" }

type pgAction struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TurnID     uuid.UUID `gorm:"type:uuid;index"`
	ToolName   string
	Params     string `gorm:"type:jsonb;default:'{}'"`
	Result     string
	Error      string
	DurationMs int64
	CostUSD    float64
	VerdictIn  string
	VerdictOut string
	CreatedAt  time.Time
}

func (pgAction) TableName() string { return "actions" }

type pgJob struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"index"`
	Title          string
	Description    string
	State          string `gorm:"index"`
	Mode           string
	ProjectDir     string
	RepairAttempts int
	FailureReason  string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastActivity   time.Time
}

func (pgJob) TableName() string { return "jobs" }

type pgJobEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	JobID     uuid.UUID `gorm:"type:uuid;index"`
	Kind      string
	Payload   string `gorm:"type:jsonb;default:'{}'"`
	CreatedAt time.Time
}

func (pgJobEvent) TableName() string { return "job_events" }

type pgSandboxJob struct {
	JobID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         string
	ContainerID    string
	State          string
	AllowedHosts   string `gorm:"type:jsonb;default:'[]'"`
	AllowedSecrets string `gorm:"type:jsonb;default:'[]'"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (pgSandboxJob) TableName() string { return "sandbox_jobs" }

type pgLlmCall struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"index"`
	ThreadID         uuid.UUID `gorm:"type:uuid;index"`
	TurnID           uuid.UUID `gorm:"type:uuid;index"`
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	DurationMs       int64
	FinishReason     string
	ResponseID       string
	CreatedAt        time.Time
}

func (pgLlmCall) TableName() string { return "llm_calls" }

type pgEstimation struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID            uuid.UUID `gorm:"type:uuid;index"`
	EstimatedCostUSD float64
	EstimatedSecs    int64
	ActualCostUSD    float64
	ActualSecs       int64
	CreatedAt        time.Time
}

func (pgEstimation) TableName() string { return "estimations" }

type pgToolFailure struct {
	UserID              string `gorm:"primaryKey"`
	ToolName            string `gorm:"primaryKey"`
	ConsecutiveFailures int
	LastError           string
	Broken              bool
	UpdatedAt           time.Time
}

func (pgToolFailure) TableName() string { return "tool_failures" }

type pgRoutine struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"index"`
	Name         string
	Trigger      string
	CronExpr     string
	Pattern      string
	Action       string
	CooldownSecs int64
	Enabled      bool
	RunCount     int64
	LastRunAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (pgRoutine) TableName() string { return "routines" }

type pgRoutineRun struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoutineID uuid.UUID `gorm:"type:uuid;index"`
	JobID     uuid.UUID `gorm:"type:uuid"`
	Trigger   string
	Success   bool
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

func (pgRoutineRun) TableName() string { return "routine_runs" }

type pgSetting struct {
	UserID    string `gorm:"primaryKey"`
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (pgSetting) TableName() string { return "settings" }

type pgDocument struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"index:idx_documents_user_path,unique,priority:1"`
	Path           string    `gorm:"index:idx_documents_user_path,unique,priority:2"`
	Content        string
	Importance     float64
	AccessCount    int64
	LastAccessedAt time.Time
	EventDate      *time.Time
	SourceURL      string
	Tags           string `gorm:"type:jsonb;default:'[]'"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (pgDocument) TableName() string { return "documents" }

type pgChunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentID uuid.UUID `gorm:"type:uuid;index:idx_chunks_doc_index,unique,priority:1"`
	ChunkIndex int       `gorm:"index:idx_chunks_doc_index,unique,priority:2"`
	Content    string
	Embedding  []byte `gorm:"type:bytea"`
}

func (pgChunk) TableName() string { return "chunks" }

type pgConnection struct {
	SourceID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TargetID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConnectionType string    `gorm:"primaryKey"`
	Strength       float64
	Metadata       string `gorm:"type:jsonb;default:'{}'"`
	CreatedAt      time.Time
}

func (pgConnection) TableName() string { return "connections" }

type pgSpace struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"index:idx_spaces_user_name,unique,priority:1"`
	Name      string    `gorm:"index:idx_spaces_user_name,unique,priority:2"`
	CreatedAt time.Time
}

func (pgSpace) TableName() string { return "spaces" }

type pgSpaceDocument struct {
	SpaceID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentID uuid.UUID `gorm:"type:uuid;primaryKey"`
}

func (pgSpaceDocument) TableName() string { return "space_documents" }

type pgProfileEntry struct {
	UserID      string `gorm:"primaryKey"`
	Key         string `gorm:"primaryKey"`
	ProfileType string
	Value       string
	Confidence  float64
	Source      string
	UpdatedAt   time.Time
}

func (pgProfileEntry) TableName() string { return "profile_entries" }

type pgSchemaMigration struct {
	Version   int `gorm:"primaryKey"`
	AppliedAt time.Time
}

func (pgSchemaMigration) TableName() string { return "schema_migrations" }

// pgMigrations groups models by schema version; Migrate applies pending
// versions in order, mirroring the SQLite layering.
var pgMigrations = [][]any{
	{&pgSession{}, &pgThread{}, &pgTurn{}, &pgAction{}},
	{&pgJob{}, &pgJobEvent{}, &pgSandboxJob{}},
	{&pgLlmCall{}, &pgEstimation{}, &pgToolFailure{}},
	{&pgRoutine{}, &pgRoutineRun{}, &pgSetting{}},
	{&pgDocument{}, &pgChunk{}, &pgConnection{}, &pgSpace{}, &pgSpaceDocument{}, &pgProfileEntry{}},
}

// Migrate applies pending versions in order; idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&pgSchemaMigration{}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMigration, err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for v := current; v < len(pgMigrations); v++ {
		if err := db.AutoMigrate(pgMigrations[v]...); err != nil {
			return fmt.Errorf("%w: version %d: %v", types.ErrMigration, v+1, err)
		}
		if err := db.Create(&pgSchemaMigration{Version: v + 1, AppliedAt: time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("%w: %v", types.ErrMigration, err)
		}
	}
	// The tsvector index cannot be expressed as a gorm model.
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_fts
		ON chunks USING gin (to_tsvector('english', content))`).Error; err != nil {
		return fmt.Errorf("%w: %v", types.ErrMigration, err)
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *PostgresStore) SchemaVersion(ctx context.Context) (int, error) {
	var v *int
	err := s.db.WithContext(ctx).Model(&pgSchemaMigration{}).Select("MAX(version)").Scan(&v).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrQuery, err)
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- helpers ---

func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "duplicate key") || strings.Contains(msg, "violates") {
		return fmt.Errorf("%w: %v", types.ErrConstraint, err)
	}
	return fmt.Errorf("%w: %v", types.ErrQuery, err)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeVal(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

func jsonStr(v any) string {
	b, err := json.Marshal(v)
	if err != nil || v == nil {
		return "{}"
	}
	return string(b)
}
