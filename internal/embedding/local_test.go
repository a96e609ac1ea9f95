package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEngineDimensions(t *testing.T) {
	e := NewLocalEngine(128)
	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 128)
	assert.Equal(t, 128, e.Dimensions())
}

func TestLocalEngineSimilarTextsScoreHigher(t *testing.T) {
	e := NewLocalEngine(256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the cat sat on the mat")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "a cat sat on a mat")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "quantum chromodynamics lattice simulation")
	require.NoError(t, err)

	simAB, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	simAC, err := CosineSimilarity(a, c)
	require.NoError(t, err)
	assert.Greater(t, simAB, simAC, "overlapping vocabulary must score higher")
}

func TestLocalEngineNormalized(t *testing.T) {
	e := NewLocalEngine(64)
	vec, err := e.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)
	sim, err := CosineSimilarity(vec, vec)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestStubEngineZeroVectors(t *testing.T) {
	e := NewStubEngine(4)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 0, 0, 0}, vecs[0])
}
