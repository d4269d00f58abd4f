package retrieve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-cache/context-cache/internal/chunk"
	"github.com/context-cache/context-cache/internal/config"
	"github.com/context-cache/context-cache/internal/embed"
	"github.com/context-cache/context-cache/internal/ingest"
	"github.com/context-cache/context-cache/internal/store"
)

func newTestRetriever(t *testing.T) (*Retriever, *store.SQLiteStore, *ingest.Pipeline) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "ctxc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vi := store.NewHNSWIndex(256)
	ch := chunk.New(config.ChunkConfig{TargetTokens: 512, MaxTokens: 768, MinTokens: 20})
	em := embed.New(config.EmbedConfig{ModelName: "hashed-256", Dim: 256})

	pipe := ingest.New(st, vi, "", ch, em)

	cfg := config.SearchConfig{KDense: 50, JSparse: 50, MRerank: 20, RRFConstant: 60, MMRLambda: 0.5}
	r := New(st, vi, em, cfg)
	return r, st, pipe
}

func seedDoc(t *testing.T, pipe *ingest.Pipeline, st *store.SQLiteStore, sourceID, dir, name, text string) {
	t.Helper()
	require.NoError(t, st.UpsertSource(context.Background(), &store.Source{ID: sourceID, Kind: store.SourceFolder, URI: dir}))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	stats, results := pipe.IngestPaths(context.Background(), sourceID, []string{path})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Greater(t, stats.Chunks, 0)
}

func TestQuery_DenseOnlyRanksRelevantChunkFirst(t *testing.T) {
	r, st, pipe := newTestRetriever(t)
	dir := t.TempDir()
	seedDoc(t, pipe, st, "src1", dir, "a.md", "# Section A\n\nContext cache hybrid retrieval paragraph one about dense vectors.\n\n# Section B\n\nCompletely unrelated paragraph about gardening tomatoes.\n")

	resp, err := r.Query(context.Background(), "dense vectors retrieval", Options{K: 2, Hybrid: false})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.NotEmpty(t, resp.QueryID)
}

func TestQuery_HybridCombinesDenseAndSparse(t *testing.T) {
	r, st, pipe := newTestRetriever(t)
	dir := t.TempDir()
	seedDoc(t, pipe, st, "src1", dir, "a.md", "# Alpha\n\nThe context cache indexes markdown notes for retrieval.\n\n# Beta\n\nQuarterly revenue grew across every region.\n")

	resp, err := r.Query(context.Background(), "markdown notes retrieval", Options{K: 2, Hybrid: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	first := resp.Results[0]
	assert.Equal(t, 1, first.Rank)
	assert.NotEmpty(t, first.Snippet)
	assert.Contains(t, first.DeepLink, "ctxc://doc/")
}

func TestQuery_EmptyQueryReturnsEmptyResponse(t *testing.T) {
	r, _, _ := newTestRetriever(t)
	resp, err := r.Query(context.Background(), "   ", Options{K: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.QueryID)
}

func TestWhy_ReplaysFrozenSnapshotAfterSoftDelete(t *testing.T) {
	r, st, pipe := newTestRetriever(t)
	dir := t.TempDir()
	seedDoc(t, pipe, st, "src1", dir, "a.md", "# Only\n\nA paragraph about provenance replay and query journals in context cache systems.\n")

	resp, err := r.Query(context.Background(), "provenance replay query journal", Options{K: 1, Hybrid: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	queryID := resp.QueryID
	originalSnippet := resp.Results[0].Snippet

	docID := resp.Results[0].DocumentID
	require.NoError(t, st.MarkDeleted(context.Background(), docID))

	again, err := r.Why(context.Background(), queryID)
	require.NoError(t, err)
	require.NotEmpty(t, again)
	assert.Equal(t, originalSnippet, again[0].Snippet)
}

func TestWhy_UnknownQueryIDIsNotFound(t *testing.T) {
	r, _, _ := newTestRetriever(t)
	_, err := r.Why(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestMMR_LambdaOneKeepsTopKByRelevance(t *testing.T) {
	r, st, pipe := newTestRetriever(t)
	dir := t.TempDir()
	seedDoc(t, pipe, st, "src1", dir, "a.md", "# One\n\nHybrid retrieval over local notes and PDFs for search.\n\n# Two\n\nHybrid retrieval over local notes and PDFs for search again.\n\n# Three\n\nSomething about unrelated cooking recipes entirely.\n")

	resp, err := r.Query(context.Background(), "hybrid retrieval notes", Options{K: 2, Hybrid: true, MMRLambda: 1.0})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestMMRSelect_SoftDeletePenaltyAppliesDuringSelectionNotJustAfter(t *testing.T) {
	r, st, _ := newTestRetriever(t)
	ctx := context.Background()

	src := &store.Source{ID: "src1", Kind: store.SourceFolder, URI: "/notes"}
	require.NoError(t, st.UpsertSource(ctx, src))

	liveDoc := &store.Document{ID: "doc-live", SourceID: src.ID, ExternalID: "/notes/live.md", Title: "live", MIME: "text/markdown", SHA256: "sha-live", Text: "live", SizeBytes: 4}
	_, _, err := st.UpsertDocument(ctx, liveDoc)
	require.NoError(t, err)
	require.NoError(t, st.InsertChunks(ctx, liveDoc.ID, []*store.Chunk{{ID: "chunk-live", Ordinal: 0, Text: "live chunk"}}))

	deletedDoc := &store.Document{ID: "doc-deleted", SourceID: src.ID, ExternalID: "/notes/deleted.md", Title: "deleted", MIME: "text/markdown", SHA256: "sha-deleted", Text: "deleted", SizeBytes: 7}
	_, _, err = st.UpsertDocument(ctx, deletedDoc)
	require.NoError(t, err)
	require.NoError(t, st.InsertChunks(ctx, deletedDoc.ID, []*store.Chunk{{ID: "chunk-deleted", Ordinal: 0, Text: "deleted chunk"}}))
	require.NoError(t, st.MarkDeleted(ctx, deletedDoc.ID))

	// Unit vectors so cosine(query, v) == v[0]: the deleted chunk has a
	// higher raw cosine (0.9) than the live chunk (0.85).
	model := r.Embedder.ModelName()
	liveVec := []float32{0.85, 0.5268}
	deletedVec := []float32{0.9, 0.4359}
	require.NoError(t, st.UpsertEmbeddings(ctx, []*store.Embedding{
		{ChunkID: "chunk-live", Model: model, Dim: 2, Vector: liveVec, Style: store.EmbeddingDense},
		{ChunkID: "chunk-deleted", Model: model, Dim: 2, Vector: deletedVec, Style: store.EmbeddingDense},
	}))

	queryVec := []float32{1, 0}
	list := []fused{{chunkID: "chunk-deleted", rrfScore: 1.0}, {chunkID: "chunk-live", rrfScore: 0.9}}

	selected, err := r.mmrSelect(ctx, queryVec, list, 1, 0.5)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "chunk-live", selected[0].chunkID, "a soft-deleted chunk's raw-score edge must not survive selection once the 0.5x penalty is applied")
}

func TestFuse_ImprovingRankNeverDecreasesFusedRank(t *testing.T) {
	dense := []store.VectorHit{{ID: "c1", Score: 0.5}, {ID: "c2", Score: 0.4}, {ID: "c3", Score: 0.3}}
	sparse := []store.FTSHit{{ChunkID: "c3", BM25: 9}, {ChunkID: "c2", BM25: 5}, {ChunkID: "c1", BM25: 1}}

	before := fuse(dense, sparse, 60)
	rankBefore := make(map[string]int, len(before))
	for i, f := range before {
		rankBefore[f.chunkID] = i
	}

	// Improve c3's dense rank from last to first; its fused rank must not
	// get worse.
	denseImproved := []store.VectorHit{{ID: "c3", Score: 0.95}, {ID: "c1", Score: 0.5}, {ID: "c2", Score: 0.4}}
	after := fuse(denseImproved, sparse, 60)
	rankAfter := make(map[string]int, len(after))
	for i, f := range after {
		rankAfter[f.chunkID] = i
	}

	assert.LessOrEqual(t, rankAfter["c3"], rankBefore["c3"])
}

func TestFuse_ItemInOnlyOneListStillScored(t *testing.T) {
	dense := []store.VectorHit{{ID: "c1", Score: 0.9}}
	out := fuse(dense, nil, 60)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].chunkID)
	assert.Greater(t, out[0].rrfScore, 0.0)
}
