package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/embedding"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

func writeDoc(t *testing.T, s *SQLiteStore, engine embedding.Engine, path, content string) {
	t.Helper()
	ctx := context.Background()
	doc := &types.MemoryDocument{ID: uuid.New(), UserID: "alice", Path: path, Content: content}
	chunk := &types.MemoryChunk{ID: uuid.New(), ChunkIndex: 0, Content: content}
	if engine != nil {
		vec, err := engine.Embed(ctx, content)
		require.NoError(t, err)
		chunk.Embedding = vec
	}
	require.NoError(t, s.UpsertDocument(ctx, doc, []*types.MemoryChunk{chunk}))
}

func TestLexicalOnlySearch(t *testing.T) {
	s := newTestStore(t)
	writeDoc(t, s, nil, "/a.md", "alpha beta")
	writeDoc(t, s, nil, "/b.md", "beta gamma")
	writeDoc(t, s, nil, "/c.md", "gamma delta")

	results, err := s.HybridSearch(context.Background(), SearchQuery{
		UserID: "alice", QueryText: "beta gamma", Limit: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// B matches both terms and must lead.
	assert.Equal(t, "/b.md", results[0].Path)
	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.Path
	}
	assert.Contains(t, paths, "/a.md")
}

func TestHybridSearchRRFPlacesBothListWinnerFirst(t *testing.T) {
	s := newTestStore(t)
	engine := embedding.NewLocalEngine(64)
	writeDoc(t, s, engine, "/a.md", "alpha beta")
	writeDoc(t, s, engine, "/b.md", "beta gamma")
	writeDoc(t, s, engine, "/c.md", "gamma delta")

	ctx := context.Background()
	queryVec, err := engine.Embed(ctx, "beta gamma")
	require.NoError(t, err)

	results, err := s.HybridSearch(ctx, SearchQuery{
		UserID:         "alice",
		QueryText:      "beta gamma",
		QueryEmbedding: queryVec,
		Limit:          3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "/b.md", results[0].Path, "B ranks highest in both lists and must fuse first")
}

func TestHybridSearchDeterministic(t *testing.T) {
	s := newTestStore(t)
	engine := embedding.NewStubEngine(8)
	writeDoc(t, s, engine, "/a.md", "alpha beta")
	writeDoc(t, s, engine, "/b.md", "beta gamma")

	q := SearchQuery{UserID: "alice", QueryText: "beta", Limit: 5}
	first, err := s.HybridSearch(context.Background(), q)
	require.NoError(t, err)
	second, err := s.HybridSearch(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical query over identical state must rank identically")
}

func TestFuseRRFTieBreaks(t *testing.T) {
	a := rankedChunk{ChunkID: uuid.New(), Path: "/a.md", LastAccessedUnix: 100, Importance: 0.5, Content: "a"}
	b := rankedChunk{ChunkID: uuid.New(), Path: "/b.md", LastAccessedUnix: 200, Importance: 0.5, Content: "b"}

	// Same single-list ranks via symmetric membership: a leads lexical,
	// b leads vector, so fused scores tie and recency wins.
	results := fuseRRF([]rankedChunk{a, b}, []rankedChunk{b, a}, 60, 2)
	require.Len(t, results, 2)
	assert.Equal(t, "/b.md", results[0].Path, "ties break by last_accessed descending")
}

func TestFuseRRFLexicalOnlyPreservesOrder(t *testing.T) {
	a := rankedChunk{ChunkID: uuid.New(), Path: "/a.md", Content: "a"}
	b := rankedChunk{ChunkID: uuid.New(), Path: "/b.md", Content: "b"}
	results := fuseRRF([]rankedChunk{b, a}, nil, 60, 2)
	require.Len(t, results, 2)
	assert.Equal(t, "/b.md", results[0].Path)
	assert.Equal(t, "/a.md", results[1].Path)
}
