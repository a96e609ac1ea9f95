package workspace

import (
	"strings"
)

// ChunkerConfig parameterizes the deterministic chunker.
type ChunkerConfig struct {
	// TargetSize is the preferred chunk size in bytes.
	TargetSize int
	// MinSize is the smallest chunk emitted on its own; smaller pieces
	// join an adjacent chunk.
	MinSize int
	// Overlap is the soft tail overlap carried into the next chunk.
	Overlap int
}

// DefaultChunkerConfig returns the production parameters.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{TargetSize: 1200, MinSize: 200, Overlap: 120}
}

// Chunker splits document content deterministically: paragraph boundaries
// first, then sentences, then words. The same input and config always
// yield identical chunks.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker creates a chunker, applying defaults for zero fields.
func NewChunker(cfg ChunkerConfig) *Chunker {
	def := DefaultChunkerConfig()
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = def.TargetSize
	}
	if cfg.MinSize <= 0 || cfg.MinSize > cfg.TargetSize {
		cfg.MinSize = def.MinSize
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.TargetSize {
		cfg.Overlap = def.Overlap
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits content into ordered chunk strings.
func (c *Chunker) Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= c.cfg.TargetSize {
		return []string{content}
	}

	pieces := c.splitRecursive(content, 0)

	// Join adjacent pieces below the minimum into their neighbor,
	// preferring the larger combined chunk that still fits the target.
	var joined []string
	var pending string
	for _, p := range pieces {
		switch {
		case pending == "":
			pending = p
		case len(pending) < c.cfg.MinSize || len(p) < c.cfg.MinSize:
			if len(pending)+len(p)+1 <= c.cfg.TargetSize+c.cfg.Overlap {
				pending = pending + "\n" + p
			} else {
				joined = append(joined, pending)
				pending = p
			}
		default:
			joined = append(joined, pending)
			pending = p
		}
	}
	if pending != "" {
		joined = append(joined, pending)
	}
	return joined
}

// splitRecursive descends paragraph -> sentence -> word separators until
// every piece fits the target.
func (c *Chunker) splitRecursive(text string, level int) []string {
	if len(text) <= c.cfg.TargetSize {
		return []string{text}
	}
	seps := []string{"\n\n", ". ", " "}
	if level >= len(seps) {
		// No separator left; hard split.
		var out []string
		for len(text) > c.cfg.TargetSize {
			out = append(out, text[:c.cfg.TargetSize])
			text = text[c.cfg.TargetSize:]
		}
		if text != "" {
			out = append(out, text)
		}
		return out
	}

	parts := strings.Split(text, seps[level])
	sep := seps[level]
	var out []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	for _, part := range parts {
		if part == "" {
			continue
		}
		candidate := len(part)
		if current.Len() > 0 {
			candidate += current.Len() + len(sep)
		}
		if candidate > c.cfg.TargetSize {
			flush()
			if len(part) > c.cfg.TargetSize {
				out = append(out, c.splitRecursive(part, level+1)...)
				continue
			}
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(part)
	}
	flush()
	return out
}
