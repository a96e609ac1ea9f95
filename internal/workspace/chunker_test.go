package workspace

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerDeterministic(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 100, MinSize: 20, Overlap: 10})
	input := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)

	a := c.Chunk(input)
	b := c.Chunk(input)
	require.NotEmpty(t, a)
	assert.Empty(t, cmp.Diff(a, b), "same input and config must chunk identically")
}

func TestChunkerSmallInputSingleChunk(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	chunks := c.Chunk("short note")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short note", chunks[0])
}

func TestChunkerEmptyInput(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	assert.Nil(t, c.Chunk("   \n  "))
}

func TestChunkerPrefersParagraphBoundaries(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 60, MinSize: 10, Overlap: 0})
	para1 := strings.Repeat("alpha ", 8)
	para2 := strings.Repeat("beta ", 8)
	chunks := c.Chunk(para1 + "\n\n" + para2)

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Contains(t, chunks[0], "alpha")
	assert.NotContains(t, chunks[0], "beta")
}

func TestChunkerJoinsTinyPieces(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 200, MinSize: 50, Overlap: 20})
	input := "a\n\nb\n\nc\n\n" + strings.Repeat("long paragraph body text here. ", 10)
	chunks := c.Chunk(input)
	for _, chunk := range chunks[:len(chunks)-1] {
		assert.GreaterOrEqual(t, len(chunk), 1)
	}
	// The one-letter paragraphs must not each become their own chunk.
	assert.Less(t, len(chunks), 4)
}

func TestChunkerHardSplitLongWord(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 50, MinSize: 10, Overlap: 0})
	chunks := c.Chunk(strings.Repeat("x", 300))
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 50)
	}
}
