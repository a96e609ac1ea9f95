package store

import (
	"sort"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// DefaultRRFK0 is the reciprocal-rank-fusion constant from the search
// contract.
const DefaultRRFK0 = 60

// rankedChunk is one candidate from either retrieval list.
type rankedChunk struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Path       string
	ChunkIndex int
	Content    string

	// Tie-break keys, document-level.
	LastAccessedUnix int64
	Importance       float64
}

// fuseRRF combines a lexical and a vector ranking with reciprocal rank
// fusion: score = Σ 1/(k0 + rank) over the lists a chunk appears in.
// Ties break by last_accessed desc, importance desc, path asc. When the
// vector list is empty the lexical order is preserved unchanged.
func fuseRRF(lexical, vector []rankedChunk, k0, limit int) []types.SearchResult {
	if k0 <= 0 {
		k0 = DefaultRRFK0
	}

	if len(vector) == 0 {
		out := make([]types.SearchResult, 0, min(limit, len(lexical)))
		for i, c := range lexical {
			if i >= limit {
				break
			}
			out = append(out, toResult(c, 1.0/float64(k0+i+1)))
		}
		return out
	}

	type fused struct {
		chunk rankedChunk
		score float64
	}
	byID := make(map[uuid.UUID]*fused, len(lexical)+len(vector))
	add := func(c rankedChunk, rank int) {
		f, ok := byID[c.ChunkID]
		if !ok {
			f = &fused{chunk: c}
			byID[c.ChunkID] = f
		}
		f.score += 1.0 / float64(k0+rank+1)
	}
	for i, c := range lexical {
		add(c, i)
	}
	for i, c := range vector {
		add(c, i)
	}

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.chunk.LastAccessedUnix != b.chunk.LastAccessedUnix {
			return a.chunk.LastAccessedUnix > b.chunk.LastAccessedUnix
		}
		if a.chunk.Importance != b.chunk.Importance {
			return a.chunk.Importance > b.chunk.Importance
		}
		return a.chunk.Path < b.chunk.Path
	})

	if limit > len(all) {
		limit = len(all)
	}
	out := make([]types.SearchResult, 0, limit)
	for _, f := range all[:limit] {
		out = append(out, toResult(f.chunk, f.score))
	}
	return out
}

func toResult(c rankedChunk, score float64) types.SearchResult {
	return types.SearchResult{
		DocumentID: c.DocumentID,
		Path:       c.Path,
		ChunkIndex: c.ChunkIndex,
		Snippet:    snippet(c.Content, 240),
		Score:      score,
	}
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
