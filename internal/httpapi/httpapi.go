// Package httpapi is the Section 6 HTTP surface: a loopback-bound JSON API
// in front of the store, ingest pipeline, retriever, and scheduler. Routing
// and response-writing follow the teacher's server package shape (a single
// writeJSON funnel for success, generalized here into a second funnel,
// writeProblem, for RFC 7807 error envelopes).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/ingest"
	"github.com/context-cache/context-cache/internal/retrieve"
	"github.com/context-cache/context-cache/internal/schedule"
	"github.com/context-cache/context-cache/internal/store"
)

// Server wires the HTTP surface to the underlying services. Construct with
// New, then use Router (or the Server itself, which implements
// http.Handler) as the net/http server's handler.
type Server struct {
	store       *store.SQLiteStore
	vectorIndex store.VectorIndex
	pipeline    *ingest.Pipeline
	retriever   *retrieve.Retriever
	scheduler   *schedule.Scheduler
	router      http.Handler
}

// New builds a Server and registers every Section 6 route.
func New(st *store.SQLiteStore, vi store.VectorIndex, pipe *ingest.Pipeline, retriever *retrieve.Retriever, sched *schedule.Scheduler) *Server {
	s := &Server{store: st, vectorIndex: vi, pipeline: pipe, retriever: retriever, scheduler: sched}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://127.0.0.1:*", "http://localhost:*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	mux.Get("/health", s.handleHealth)
	mux.Post("/sources", s.handleCreateSource)
	mux.Get("/sources", s.handleListSources)
	mux.Post("/ingest", s.handleIngest)
	mux.Get("/ingest/{job_id}", s.handleIngestStatus)
	mux.Post("/query", s.handleQuery)
	mux.Post("/rerank", s.handleRerank)
	mux.Get("/why/{query_id}", s.handleWhy)
	mux.Post("/upsert_tags", s.handleUpsertTags)
	mux.Post("/delete", s.handleDelete)

	s.router = mux
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --- response envelopes ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// problemDetail is the RFC 7807 body shape spec.md's Section 6 requires.
type problemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	ce, ok := err.(*ccerr.Error)
	if !ok {
		ce = ccerr.Wrap(ccerr.KindIO, "unexpected error", err)
	}
	status := ccerr.HTTPStatus(ce.Kind)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetail{
		Type:     ce.TypeURI(),
		Title:    ce.Message,
		Status:   status,
		Detail:   ce.Detail,
		Instance: middleware.GetReqID(r.Context()),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return ccerr.New(ccerr.KindValidation, "missing request body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ccerr.Wrap(ccerr.KindValidation, "decode request body", err)
	}
	return nil
}

// --- DTOs (store types carry no json tags; the wire shape is owned here) ---

type sourceDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	URI         string `json:"uri"`
	Label       string `json:"label,omitempty"`
	IncludeGlob string `json:"include_glob,omitempty"`
	ExcludeGlob string `json:"exclude_glob,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toSourceDTO(src *store.Source) sourceDTO {
	return sourceDTO{
		ID:          src.ID,
		Kind:        string(src.Kind),
		URI:         src.URI,
		Label:       src.Label,
		IncludeGlob: src.IncludeGlob,
		ExcludeGlob: src.ExcludeGlob,
		CreatedAt:   src.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   src.UpdatedAt.Format(time.RFC3339),
	}
}

// --- GET /health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- POST /sources, GET /sources ---

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label       string `json:"label"`
		Kind        string `json:"kind"`
		URI         string `json:"uri"`
		IncludeGlob string `json:"include_glob"`
		ExcludeGlob string `json:"exclude_glob"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if req.Kind == "" || req.URI == "" {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "kind and uri are required"))
		return
	}

	src := &store.Source{
		ID:          uuid.NewString(),
		Kind:        store.SourceKind(req.Kind),
		URI:         req.URI,
		Label:       req.Label,
		IncludeGlob: req.IncludeGlob,
		ExcludeGlob: req.ExcludeGlob,
	}
	if err := s.store.UpsertSource(r.Context(), src); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSourceDTO(src))
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	out := make([]sourceDTO, len(sources))
	for i, src := range sources {
		out[i] = toSourceDTO(src)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /ingest, GET /ingest/{job_id} ---

func parsePriority(raw string) schedule.Priority {
	switch strings.ToLower(raw) {
	case "high":
		return schedule.PriorityHigh
	case "low":
		return schedule.PriorityLow
	default:
		return schedule.PriorityNormal
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sources     []string `json:"sources"`
		Paths       []string `json:"paths"`
		IncludeGlob string   `json:"include_glob"`
		ExcludeGlob string   `json:"exclude_glob"`
		Priority    string   `json:"priority"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if len(req.Sources) == 0 && len(req.Paths) == 0 {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "sources or paths is required"))
		return
	}

	includeGlob := req.IncludeGlob
	if includeGlob == "" {
		includeGlob = "*"
	}

	var jobSourceID string
	if len(req.Sources) > 0 {
		jobSourceID = req.Sources[0]
	}

	job := &store.IngestJob{
		ID:        uuid.NewString(),
		SourceID:  jobSourceID,
		Status:    store.JobQueued,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertIngestJob(r.Context(), job); err != nil {
		writeProblem(w, r, err)
		return
	}

	priority := parsePriority(req.Priority)
	s.scheduler.Submit(job.ID, priority, func(ctx context.Context) error {
		return s.runIngestJob(ctx, job, req.Sources, req.Paths, includeGlob, req.ExcludeGlob)
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(store.JobQueued)})
}

func (s *Server) runIngestJob(ctx context.Context, job *store.IngestJob, sourceIDs, explicitPaths []string, includeGlob, excludeGlob string) error {
	job.Status = store.JobRunning
	_ = s.store.UpsertIngestJob(ctx, job)

	var total store.IngestStats
	record := func(sourceID string, paths []string) {
		stats, _ := s.pipeline.IngestPaths(ctx, sourceID, paths)
		total.DocumentsAdded += stats.DocumentsAdded
		total.DocumentsSkipped += stats.DocumentsSkipped
		total.Chunks += stats.Chunks
		total.DurationMS += stats.DurationMS
		total.Errors = append(total.Errors, stats.Errors...)
	}

	for _, sourceID := range sourceIDs {
		sources, err := s.store.ListSources(ctx)
		if err != nil {
			total.Errors = append(total.Errors, err.Error())
			continue
		}
		var src *store.Source
		for _, cand := range sources {
			if cand.ID == sourceID {
				src = cand
				break
			}
		}
		if src == nil {
			total.Errors = append(total.Errors, "unknown source: "+sourceID)
			continue
		}
		ig, eg := includeGlob, excludeGlob
		if src.IncludeGlob != "" {
			ig = src.IncludeGlob
		}
		if src.ExcludeGlob != "" {
			eg = src.ExcludeGlob
		}
		paths, err := ingest.WalkSource(src.URI, []string{ig}, splitGlob(eg))
		if err != nil {
			total.Errors = append(total.Errors, err.Error())
			continue
		}
		record(sourceID, paths)
	}
	if len(explicitPaths) > 0 {
		record(job.SourceID, explicitPaths)
	}

	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Stats = total
	if len(total.Errors) > 0 {
		job.Status = store.JobError
		job.Reason = total.Errors[0]
	} else {
		job.Status = store.JobDone
	}
	return s.store.UpsertIngestJob(ctx, job)
}

func splitGlob(g string) []string {
	if g == "" {
		return nil
	}
	return []string{g}
}

type ingestJobDTO struct {
	JobID  string            `json:"job_id"`
	Status string            `json:"status"`
	Stats  store.IngestStats `json:"stats"`
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.IngestJobByID(r.Context(), jobID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestJobDTO{JobID: job.ID, Status: string(job.Status), Stats: job.Stats})
}

// --- POST /query ---

type filterDTO struct {
	SourceID       string   `json:"source_id"`
	MIME           string   `json:"mime"`
	ModifiedAfter  *time.Time `json:"modified_after"`
	ModifiedBefore *time.Time `json:"modified_before"`
	Tags           []string `json:"tags"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string     `json:"query"`
		K          int        `json:"k"`
		Hybrid     *bool      `json:"hybrid"`
		Filters    *filterDTO `json:"filters"`
		Rerank     *bool      `json:"rerank"`
		MMRLambda  *float64   `json:"mmr_lambda"`
		ReturnText *bool      `json:"return_text"`
		DeadlineMS int        `json:"deadline_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "query must be non-empty").WithDetail("query must be non-empty").WithField("query"))
		return
	}
	if req.K != 0 && (req.K < 1 || req.K > 50) {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "k must be between 1 and 50").WithField("k"))
		return
	}
	if req.MMRLambda != nil && (*req.MMRLambda < 0 || *req.MMRLambda > 1) {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "mmr_lambda must be between 0 and 1").WithField("mmr_lambda"))
		return
	}

	opts := retrieve.Options{
		K:          req.K,
		Hybrid:     boolOr(req.Hybrid, true),
		Rerank:     boolOr(req.Rerank, true),
		ReturnText: boolOr(req.ReturnText, true),
	}
	opts.RerankEnabled = opts.Rerank
	if req.MMRLambda != nil {
		opts.MMRLambda = *req.MMRLambda
	}
	if req.Filters != nil {
		opts.Filters = store.FTSFilter{
			SourceID:       req.Filters.SourceID,
			MIME:           req.Filters.MIME,
			ModifiedAfter:  req.Filters.ModifiedAfter,
			ModifiedBefore: req.Filters.ModifiedBefore,
			Tags:           req.Filters.Tags,
		}
	}

	ctx := r.Context()
	if req.DeadlineMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	resp, err := s.retriever.Query(ctx, req.Query, opts)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// --- POST /rerank ---

type rerankCandidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string             `json:"query"`
		Candidates []rerankCandidate  `json:"candidates"`
		Model      string             `json:"model"`
		TopK       int                `json:"top_k"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" || len(req.Candidates) == 0 {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "query and candidates are required"))
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	texts := make([]string, len(req.Candidates))
	for i, c := range req.Candidates {
		texts[i] = c.Text
	}

	results, err := s.retriever.Reranker.Rerank(r.Context(), req.Query, texts, topK)
	if err != nil {
		writeProblem(w, r, ccerr.Wrap(ccerr.KindIndex, "rerank", err))
		return
	}

	type scored struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	out := make([]scored, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(req.Candidates) {
			continue
		}
		out = append(out, scored{ID: req.Candidates[res.Index].ID, Score: res.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// --- GET /why/{query_id} ---

func (s *Server) handleWhy(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	items, err := s.retriever.Why(r.Context(), queryID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	type whyRow struct {
		ChunkID    string           `json:"chunk_id"`
		Score      float64          `json:"score"`
		Provenance store.Provenance `json:"provenance"`
	}
	rows := make([]whyRow, len(items))
	for i, item := range items {
		rows[i] = whyRow{ChunkID: item.ChunkID, Score: item.Score, Provenance: item.Provenance}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query_id": queryID, "results": rows})
}

// --- POST /upsert_tags ---

func (s *Server) handleUpsertTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentIDs []string `json:"document_ids"`
		Tags        []string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if len(req.DocumentIDs) == 0 || len(req.Tags) == 0 {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "document_ids and tags are required"))
		return
	}
	updated, err := s.store.UpsertTags(r.Context(), req.DocumentIDs, req.Tags)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// --- POST /delete ---

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentIDs []string `json:"document_ids"`
		SourceIDs   []string `json:"source_ids"`
		Hard        bool     `json:"hard"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if len(req.DocumentIDs) == 0 && len(req.SourceIDs) == 0 {
		writeProblem(w, r, ccerr.New(ccerr.KindValidation, "document_ids or source_ids is required"))
		return
	}

	ctx := r.Context()
	ids := append([]string(nil), req.DocumentIDs...)
	for _, sourceID := range req.SourceIDs {
		docs, err := s.store.DocumentsBySource(ctx, sourceID)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	}

	for _, id := range ids {
		if req.Hard {
			chunks, err := s.store.ChunksByDocument(ctx, id)
			if err != nil {
				writeProblem(w, r, err)
				return
			}
			chunkIDs := make([]string, len(chunks))
			for i, c := range chunks {
				chunkIDs[i] = c.ID
			}
			if err := s.store.HardDeleteDocument(ctx, id); err != nil {
				writeProblem(w, r, err)
				return
			}
			if len(chunkIDs) > 0 {
				_ = s.vectorIndex.Remove(ctx, chunkIDs)
			}
			continue
		}
		if err := s.store.MarkDeleted(ctx, id); err != nil {
			writeProblem(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
