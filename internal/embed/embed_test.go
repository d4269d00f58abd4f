package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-cache/context-cache/internal/config"
)

func newTestEmbedder() *Embedder {
	return New(config.EmbedConfig{ModelName: "hashed-256", Dim: 256})
}

func vectorMagnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestEncodePassages_ReturnsCorrectDimensions(t *testing.T) {
	e := newTestEmbedder()
	vecs, err := e.EncodePassages(context.Background(), []string{"hybrid retrieval over notes"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 256)
}

func TestEncode_VectorIsUnitNorm(t *testing.T) {
	e := newTestEmbedder()
	vecs, err := e.EncodePassages(context.Background(), []string{"the quick context cache indexes local files"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorMagnitude(vecs[0]), 0.001)
}

func TestEncode_IsDeterministic(t *testing.T) {
	e := newTestEmbedder()
	text := "reproducible provenance for hybrid search"
	a, err := e.EncodePassages(context.Background(), []string{text})
	require.NoError(t, err)
	b, err := e.EncodePassages(context.Background(), []string{text})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncode_EmptyTextYieldsZeroVector(t *testing.T) {
	e := newTestEmbedder()
	vecs, err := e.EncodePassages(context.Background(), []string{"   "})
	require.NoError(t, err)
	for _, v := range vecs[0] {
		assert.Equal(t, float32(0), v)
	}
}

func TestEncode_PassageAndQueryPrefixesDiffer(t *testing.T) {
	e := newTestEmbedder()
	text := "context cache notes retrieval"
	passage, err := e.EncodePassages(context.Background(), []string{text})
	require.NoError(t, err)
	query, err := e.EncodeQueries(context.Background(), []string{text})
	require.NoError(t, err)
	assert.NotEqual(t, passage[0], query[0], "passage and query prefixes should hash to different vectors")
}

func TestEncode_StopWordsFiltered(t *testing.T) {
	assert.Equal(t, []string{"cache", "notes"}, filterStopWords(tokenize("the cache of the notes")),
		"stop words should be dropped before token hashing")

	// The character n-gram half still hashes the unfiltered text, so the
	// stop words do change the vector.
	e := newTestEmbedder()
	a, err := e.EncodePassages(context.Background(), []string{"the cache of the notes"})
	require.NoError(t, err)
	b, err := e.EncodePassages(context.Background(), []string{"cache notes"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncode_ZeroDimensionIsAnError(t *testing.T) {
	e := New(config.EmbedConfig{ModelName: "broken", Dim: 0})
	_, err := e.EncodePassages(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestEncode_BatchPreservesOrder(t *testing.T) {
	e := newTestEmbedder()
	texts := []string{"alpha notes", "beta pdf", "gamma email"}
	vecs, err := e.EncodePassages(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, text := range texts {
		single, err := e.EncodePassages(context.Background(), []string{text})
		require.NoError(t, err)
		assert.Equal(t, single[0], vecs[i])
	}
}
