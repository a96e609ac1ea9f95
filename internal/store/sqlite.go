package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// SQLiteStore implements Store on a single SQLite file. IDs are stored as
// text, timestamps as RFC 3339 nanosecond text, structured values as JSON
// text, embeddings as little-endian float32 blobs, and the lexical index
// is an FTS5 virtual table.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// is honored for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path required", types.ErrConfig)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrPool, err)
		}
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	// modernc/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, path: path}, nil
}

// Ping verifies the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// sqliteMigrations is the ordered, versioned schema. Each entry runs once;
// schema_migrations records the applied versions so Migrate is idempotent.
var sqliteMigrations = []string{
	// v1: conversations.
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		active_thread_id TEXT NOT NULL,
		auto_approved_tools TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		last_active_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_session ON threads(session_id);
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		turn_number INTEGER NOT NULL,
		user_input TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		UNIQUE(thread_id, turn_number)
	);
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
		tool_name TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		verdict_in TEXT NOT NULL DEFAULT '',
		verdict_out TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_turn ON actions(turn_id);`,

	// v2: jobs and events.
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		mode TEXT NOT NULL,
		project_dir TEXT NOT NULL DEFAULT '',
		repair_attempts INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		last_activity TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE TABLE IF NOT EXISTS job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);
	CREATE TABLE IF NOT EXISTS sandbox_jobs (
		job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		allowed_hosts TEXT NOT NULL DEFAULT '[]',
		allowed_secrets TEXT NOT NULL DEFAULT '[]',
		started_at TEXT,
		completed_at TEXT
	);`,

	// v3: telemetry.
	`CREATE TABLE IF NOT EXISTS llm_calls (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		finish_reason TEXT NOT NULL DEFAULT '',
		response_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_llm_calls_thread ON llm_calls(thread_id);
	CREATE INDEX IF NOT EXISTS idx_llm_calls_turn ON llm_calls(turn_id);
	CREATE TABLE IF NOT EXISTS estimations (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		estimated_cost_usd REAL NOT NULL DEFAULT 0,
		estimated_secs INTEGER NOT NULL DEFAULT 0,
		actual_cost_usd REAL NOT NULL DEFAULT 0,
		actual_secs INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tool_failures (
		user_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		broken INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY(user_id, tool_name)
	);`,

	// v4: routines and settings.
	`CREATE TABLE IF NOT EXISTS routines (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		trigger TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		pattern TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		cooldown_secs INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		run_count INTEGER NOT NULL DEFAULT 0,
		last_run_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_routines_user ON routines(user_id);
	CREATE TABLE IF NOT EXISTS routine_runs (
		id TEXT PRIMARY KEY,
		routine_id TEXT NOT NULL REFERENCES routines(id) ON DELETE CASCADE,
		job_id TEXT NOT NULL DEFAULT '',
		trigger TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT
	);
	CREATE TABLE IF NOT EXISTS settings (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY(user_id, key)
	);`,

	// v5: workspace.
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT NOT NULL,
		event_date TEXT,
		source_url TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, path)
	);
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		UNIQUE(document_id, chunk_index)
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		content, chunk_id UNINDEXED
	);
	CREATE TABLE IF NOT EXISTS connections (
		source_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		connection_type TEXT NOT NULL,
		strength REAL NOT NULL DEFAULT 0.5,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		PRIMARY KEY(source_id, target_id, connection_type),
		CHECK(source_id != target_id)
	);
	CREATE TABLE IF NOT EXISTS spaces (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(user_id, name)
	);
	CREATE TABLE IF NOT EXISTS space_documents (
		space_id TEXT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		PRIMARY KEY(space_id, document_id)
	);
	CREATE TABLE IF NOT EXISTS profile_entries (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		profile_type TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		source TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY(user_id, key)
	);`,
}

// Migrate applies pending versions in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryStore, "sqlite migrate")
	defer timer.Stop()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMigration, err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for v := current; v < len(sqliteMigrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrMigration, err)
		}
		if _, err := tx.ExecContext(ctx, sqliteMigrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: version %d: %v", types.ErrMigration, v+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			v+1, fmtTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: %v", types.ErrMigration, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrMigration, err)
		}
		logging.Store("applied sqlite migration v%d", v+1)
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", types.ErrQuery, err)
	}
	return int(v.Int64), nil
}

// --- value helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}

func jsonText(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// encodeVector serializes an embedding as a little-endian float32 blob.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes a float32 blob.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// wrapErr maps driver errors onto the taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return types.ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "CHECK constraint") ||
		strings.Contains(msg, "FOREIGN KEY constraint"):
		return fmt.Errorf("%w: %v", types.ErrConstraint, err)
	default:
		return fmt.Errorf("%w: %v", types.ErrQuery, err)
	}
}
