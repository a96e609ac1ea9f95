package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// LocalEngine is a deterministic hash bag-of-words embedder with TF-IDF
// weighting. It needs no network and always produces the same vector for
// the same text, which keeps lexical-only deployments and tests fully
// reproducible. Quality is far below a learned model; it exists so vector
// search degrades gracefully instead of disappearing when no provider is
// configured.
type LocalEngine struct {
	dims int

	// Document frequency table, grown as texts are embedded. IDF drifts
	// as the corpus grows, which is acceptable for this engine: vectors
	// are recomputed on every document write.
	mu   sync.Mutex
	df   map[string]int
	docs int
}

// NewLocalEngine creates the local engine. dims defaults to 256.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEngine{dims: dims, df: make(map[string]int)}
}

// Embed generates a deterministic vector for the text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)

	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}

	e.mu.Lock()
	e.docs++
	for tok := range tf {
		e.df[tok]++
	}
	docs, df := e.docs, e.df
	vec := make([]float64, e.dims)
	for tok, count := range tf {
		idf := math.Log(float64(1+docs) / float64(1+df[tok]))
		weight := (1 + math.Log(float64(count))) * (1 + idf)
		h := fnv.New32a()
		h.Write([]byte(tok))
		idx := int(h.Sum32()) % e.dims
		if idx < 0 {
			idx += e.dims
		}
		// Sign hash decorrelates colliding tokens.
		sign := 1.0
		if h.Sum32()&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign * weight
	}
	e.mu.Unlock()

	// L2 normalize.
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, e.dims)
	if norm > 0 {
		for i, v := range vec {
			out[i] = float32(v / norm)
		}
	}
	return out, nil
}

// EmbedBatch embeds each text independently.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// Dimensions returns the configured vector width.
func (e *LocalEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *LocalEngine) Name() string { return "local/hash-bow" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// StubEngine returns constant zero vectors. Tests use it when embedding
// content must not affect the outcome.
type StubEngine struct {
	dims int
}

// NewStubEngine creates a stub with the given width (default 8).
func NewStubEngine(dims int) *StubEngine {
	if dims <= 0 {
		dims = 8
	}
	return &StubEngine{dims: dims}
}

func (e *StubEngine) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, e.dims), nil
}

func (e *StubEngine) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = make([]float32, e.dims)
	}
	return vecs, nil
}

func (e *StubEngine) Dimensions() int { return e.dims }
func (e *StubEngine) Name() string    { return "stub" }
