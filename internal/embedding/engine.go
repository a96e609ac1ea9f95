// Package embedding provides vector embedding generation for the hybrid
// workspace search. Backends: Google GenAI (cloud), Ollama (local server),
// a deterministic local hash-BoW engine with no external dependency, and a
// test stub.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/danielsimonjr/ironclaw/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors. Callers
	// compare this against stored vectors to detect the need to reindex.
	Dimensions() int

	// Name returns the engine/model name.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	Provider string `json:"provider"` // "gemini", "ollama", "local", "stub"

	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`

	// Dimensions applies to the local engine; remote engines report their
	// model's native width.
	Dimensions int `json:"dimensions"`
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Get(logging.CategoryWorkspace).Info("creating embedding engine: provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "gemini":
		return NewGeminiEngine(cfg.APIKey, cfg.Model)
	case "ollama":
		return NewOllamaEngine(cfg.Endpoint, cfg.Model)
	case "local", "":
		return NewLocalEngine(cfg.Dimensions), nil
	case "stub":
		return NewStubEngine(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
