package types

import (
	"time"

	"github.com/google/uuid"
)

// MemoryDocument is a path-addressed document in the per-user workspace.
// Uniqueness: (UserID, Path).
type MemoryDocument struct {
	ID         uuid.UUID
	UserID     string
	Path       string
	Content    string
	Importance float64 // [0,1]

	AccessCount    int64
	LastAccessedAt time.Time

	EventDate time.Time
	SourceURL string
	Tags      []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemoryChunk is a derived fragment of a document. Chunks for a document
// are replaced atomically on every content update.
type MemoryChunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32 // nil until the embedder has run
}

// ConnectionType is the edge type between two documents.
type ConnectionType string

const (
	ConnectionUpdates ConnectionType = "updates"
	ConnectionExtends ConnectionType = "extends"
	ConnectionDerives ConnectionType = "derives"
)

// MemoryConnection is a typed edge in the document graph.
// Constraints: SourceID != TargetID, (source, target, type) unique.
type MemoryConnection struct {
	SourceID uuid.UUID
	TargetID uuid.UUID
	Type     ConnectionType
	Strength float64 // [0,1]
	Metadata map[string]any
	CreatedAt time.Time
}

// MemorySpace is a named collection of documents, unique per user by name.
type MemorySpace struct {
	ID        uuid.UUID
	UserID    string
	Name      string
	Documents []uuid.UUID
	CreatedAt time.Time
}

// ProfileType distinguishes stable identity facts from inferred ones.
type ProfileType string

const (
	ProfileStatic  ProfileType = "static"
	ProfileDynamic ProfileType = "dynamic"
)

// UserProfileEntry is a (user, key)-unique profile row.
type UserProfileEntry struct {
	UserID     string
	Key        string
	Type       ProfileType
	Value      string
	Confidence float64
	Source     string
	UpdatedAt  time.Time
}

// SearchMode selects which retrieval paths hybrid search runs.
type SearchMode string

const (
	SearchHybrid  SearchMode = "hybrid"
	SearchLexical SearchMode = "lexical"
	SearchVector  SearchMode = "vector"
)

// SearchFilters narrows a workspace search.
type SearchFilters struct {
	PathPrefix string
	Tags       []string
	SpaceID    uuid.UUID
}

// SearchResult is one ranked hybrid-search hit.
type SearchResult struct {
	DocumentID uuid.UUID
	Path       string
	ChunkIndex int
	Snippet    string
	Score      float64
}
