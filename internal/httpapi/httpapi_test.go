package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-cache/context-cache/internal/chunk"
	"github.com/context-cache/context-cache/internal/config"
	"github.com/context-cache/context-cache/internal/embed"
	"github.com/context-cache/context-cache/internal/ingest"
	"github.com/context-cache/context-cache/internal/retrieve"
	"github.com/context-cache/context-cache/internal/schedule"
	"github.com/context-cache/context-cache/internal/store"
)

func newTestServer(t *testing.T) (*Server, *schedule.Scheduler) {
	t.Helper()
	dbDir := t.TempDir()
	st, err := store.Open(filepath.Join(dbDir, "ctxc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vi := store.NewHNSWIndex(256)
	ch := chunk.New(config.ChunkConfig{TargetTokens: 512, MaxTokens: 768, MinTokens: 20})
	em := embed.New(config.EmbedConfig{ModelName: "hashed-256", Dim: 256})
	pipe := ingest.New(st, vi, "", ch, em)
	searchCfg := config.SearchConfig{KDense: 50, JSparse: 50, MRerank: 20, RRFConstant: 60, MMRLambda: 0.5}
	retriever := retrieve.New(st, vi, em, searchCfg)

	sched := schedule.New(2, 0)
	sched.Start()
	t.Cleanup(sched.Stop)

	return New(st, vi, pipe, retriever, sched), sched
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth_ReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["ok"])
}

func TestSources_CreateAndList(t *testing.T) {
	s, _ := newTestServer(t)
	root := t.TempDir()

	rec := doJSON(t, s, http.MethodPost, "/sources", map[string]string{
		"kind": "folder", "uri": root, "label": "notes",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created sourceDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "notes", created.Label)

	rec = doJSON(t, s, http.MethodGet, "/sources", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []sourceDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestSources_MissingKindIsValidationError(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/sources", map[string]string{"uri": "/tmp/x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem problemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "https://context-cache.dev/errors/validation_error", problem.Type)
}

func ingestAndWait(t *testing.T, s *Server, sourceID string) ingestJobDTO {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/ingest", map[string]any{"sources": []string{sourceID}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	jobID := accepted["job_id"]
	require.NotEmpty(t, jobID)

	var job ingestJobDTO
	require.Eventually(t, func() bool {
		rec := doJSON(t, s, http.MethodGet, "/ingest/"+jobID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &job)
		return job.Status == "done" || job.Status == "error"
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestIngestAndQuery_EndToEnd(t *testing.T) {
	s, _ := newTestServer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.md"), []byte("# Recipe\n\nHow to bake sourdough bread at home.\n"), 0o644))

	rec := doJSON(t, s, http.MethodPost, "/sources", map[string]string{"kind": "folder", "uri": root, "include_glob": "*.md"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var src sourceDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))

	job := ingestAndWait(t, s, src.ID)
	require.Equal(t, "done", job.Status)
	assert.Equal(t, 1, job.Stats.DocumentsAdded)

	rec = doJSON(t, s, http.MethodPost, "/query", map[string]any{"query": "sourdough bread"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp retrieve.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	assert.NotEmpty(t, resp.QueryID)

	rec = doJSON(t, s, http.MethodGet, "/why/"+resp.QueryID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var why map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &why))
	assert.Equal(t, resp.QueryID, why["query_id"])
}

func TestQuery_InvalidKIsRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/query", map[string]any{"query": "x", "k": 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_EmptyQueryIsRejectedWithExactDetail(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/query", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var problem problemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "query must be non-empty", problem.Detail)
}

func TestRerank_ReordersCandidatesByNoOpScore(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/rerank", map[string]any{
		"query": "bread",
		"candidates": []map[string]string{
			{"id": "a", "text": "first"},
			{"id": "b", "text": "second"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, "a", body.Results[0].ID)
	assert.Greater(t, body.Results[0].Score, body.Results[1].Score)
}

func TestUpsertTags_ReportsUpdatedCount(t *testing.T) {
	s, _ := newTestServer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.md"), []byte("# Tagged\n\nContent.\n"), 0o644))

	rec := doJSON(t, s, http.MethodPost, "/sources", map[string]string{"kind": "folder", "uri": root, "include_glob": "*.md"})
	var src sourceDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))
	job := ingestAndWait(t, s, src.ID)
	require.Equal(t, "done", job.Status)

	docs, err := s.store.DocumentsBySource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	rec = doJSON(t, s, http.MethodPost, "/upsert_tags", map[string]any{
		"document_ids": []string{docs[0].ID},
		"tags":         []string{"recipes", "bread"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body["updated"])

	labels, err := s.store.TagsByDocument(context.Background(), docs[0].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"recipes", "bread"}, labels)
}

func TestDelete_SoftDeleteHidesDocumentFromSourceList(t *testing.T) {
	s, _ := newTestServer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.md"), []byte("# Gone soon\n\nContent.\n"), 0o644))

	rec := doJSON(t, s, http.MethodPost, "/sources", map[string]string{"kind": "folder", "uri": root, "include_glob": "*.md"})
	var src sourceDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))
	job := ingestAndWait(t, s, src.ID)
	require.Equal(t, "done", job.Status)

	docs, err := s.store.DocumentsBySource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	rec = doJSON(t, s, http.MethodPost, "/delete", map[string]any{"document_ids": []string{docs[0].ID}})
	require.Equal(t, http.StatusOK, rec.Code)

	remaining, err := s.store.DocumentsBySource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
