// Package retrieve implements C8: dense+sparse hybrid search, RRF fusion,
// optional cross-encoder rerank, MMR diversification, soft-delete
// down-weighting, provenance assembly, and the query-journal write (the
// query row, then its ranked snapshot, in two separate store transactions)
// that makes every result set replayable later by /why. It mirrors the
// teacher's hybrid search engine's parallel fan-out and fusion/rerank
// pipeline shape, generalized from a code-search domain to documents.
package retrieve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/config"
	"github.com/context-cache/context-cache/internal/embed"
	"github.com/context-cache/context-cache/internal/store"
)

// whyCacheSize bounds the /why read cache: recent frozen snapshots stay
// decoded in memory so a repeat lookup of the same query_id skips
// re-parsing its JSON provenance.
const whyCacheSize = 256

// SoftDeletePenalty multiplies the fused score of a soft-deleted chunk's
// survivors before re-sorting, the same multiply-then-resort mechanism the
// teacher uses to deprioritize test files rather than hard-filter them.
const SoftDeletePenalty = 0.5

// Reranker scores (query, text) pairs, replacing rather than blending with
// the fusion score for whichever candidates it covers.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)
}

// RerankResult is one scored candidate, indexed back into the slice passed
// to Rerank.
type RerankResult struct {
	Index int
	Score float64
}

// NoOpReranker returns candidates in their given order with decreasing
// scores, used when no cross-encoder is configured.
type NoOpReranker struct{}

func (NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]RerankResult, error) {
	out := make([]RerankResult, len(documents))
	for i := range documents {
		out[i] = RerankResult{Index: i, Score: 1.0 - float64(i)*0.001}
	}
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out, nil
}

var _ Reranker = NoOpReranker{}

// Options configures one retrieve call; zero values are replaced by
// Retriever defaults in apply.
type Options struct {
	K           int
	Hybrid      bool
	Rerank      bool
	MMRLambda   float64
	Filters     store.FTSFilter
	ReturnText  bool
	RerankEnabled bool // recorded verbatim into the query journal
}

func (o Options) apply(cfg config.SearchConfig) Options {
	if o.K <= 0 {
		o.K = 8
	}
	if o.MMRLambda == 0 {
		o.MMRLambda = cfg.MMRLambda
	}
	return o
}

// ResultItem is one ranked, provenance-attached survivor returned by Query.
type ResultItem struct {
	Rank        int              `json:"rank"`
	ChunkID     string           `json:"chunk_id"`
	DocumentID  string           `json:"document_id"`
	Score       float64          `json:"score"`
	DenseScore  *float64         `json:"dense_score,omitempty"`
	SparseScore *float64         `json:"sparse_score,omitempty"`
	Title       string           `json:"title,omitempty"`
	Snippet     string           `json:"snippet"`
	Text        string           `json:"text,omitempty"`
	Provenance  store.Provenance `json:"provenance"`
	DeepLink    string           `json:"deep_link"`
}

// Response is the full result of one Query call.
type Response struct {
	QueryID string       `json:"query_id"`
	Results []ResultItem `json:"results"`
}

// Retriever wires the store, vector index, and embedder into the hybrid
// retrieval pipeline described by the product spec's section 4.8.
type Retriever struct {
	Store       *store.SQLiteStore
	VectorIndex store.VectorIndex
	Embedder    *embed.Embedder
	Reranker    Reranker
	Config      config.SearchConfig

	whyCache *lru.Cache[string, []ResultItem]
}

// New constructs a Retriever with a NoOpReranker unless one is supplied
// later via the Reranker field.
func New(st *store.SQLiteStore, vi store.VectorIndex, em *embed.Embedder, cfg config.SearchConfig) *Retriever {
	cache, _ := lru.New[string, []ResultItem](whyCacheSize)
	return &Retriever{
		Store:       st,
		VectorIndex: vi,
		Embedder:    em,
		Reranker:    NoOpReranker{},
		Config:      cfg,
		whyCache:    cache,
	}
}

type fused struct {
	chunkID     string
	rrfScore    float64
	denseScore  float64
	denseRank   int
	sparseScore float64
	sparseRank  int
	inBoth      bool
}

// Query runs the full dense -> sparse -> fusion -> rerank -> MMR ->
// soft-delete-downweight -> provenance -> journal pipeline and returns the
// top k_final survivors.
func (r *Retriever) Query(ctx context.Context, queryText string, opts Options) (*Response, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return &Response{}, nil
	}
	opts = opts.apply(r.Config)

	kDense := r.Config.KDense
	if kDense <= 0 {
		kDense = 100
	}
	jSparse := r.Config.JSparse
	if jSparse <= 0 {
		jSparse = 100
	}

	queryVecs, err := r.Embedder.EncodeQueries(ctx, []string{queryText})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindEmbed, "embed query", err)
	}
	queryVec := queryVecs[0]

	var denseHits []store.VectorHit
	var sparseHits []store.FTSHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.VectorIndex.Search(gctx, queryVec, kDense, nil)
		if err != nil {
			return err
		}
		denseHits = hits
		return nil
	})
	if opts.Hybrid {
		g.Go(func() error {
			hits, err := r.Store.SearchFTS(gctx, queryText, jSparse, opts.Filters)
			if err != nil {
				return err
			}
			sparseHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ccerr.Wrap(ccerr.KindDeadlineExceeded, "retrieve deadline exceeded", err)
		}
		return nil, ccerr.Wrap(ccerr.KindIO, "hybrid search", err)
	}

	rrfK := r.Config.RRFConstant
	if rrfK <= 0 {
		rrfK = 60
	}
	fusedList := fuse(denseHits, sparseHits, rrfK)

	mRerank := r.Config.MRerank
	if mRerank <= 0 {
		mRerank = 50
	}
	if opts.Rerank && len(fusedList) > 0 {
		var err error
		fusedList, err = r.rerank(ctx, queryText, fusedList, mRerank)
		if err != nil {
			return nil, ccerr.Wrap(ccerr.KindIndex, "rerank", err)
		}
	}

	selected, err := r.mmrSelect(ctx, queryVec, fusedList, opts.K, opts.MMRLambda)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIndex, "mmr selection", err)
	}

	selected = applySoftDeletePenalty(ctx, r.Store, selected)

	items, err := r.assembleProvenance(ctx, selected, opts.ReturnText)
	if err != nil {
		return nil, err
	}

	filters, _ := json.Marshal(opts.Filters)
	queryID, err := r.journal(ctx, queryText, string(filters), opts.RerankEnabled, items)
	if err != nil {
		return nil, err
	}

	return &Response{QueryID: queryID, Results: items}, nil
}

// fuse combines dense and sparse ranked lists via Reciprocal Rank Fusion,
// tie-breaking ties on higher dense score then lexicographic chunk id per
// the product spec (the teacher instead tie-breaks on BM25 score).
func fuse(dense []store.VectorHit, sparse []store.FTSHit, k int) []fused {
	if len(dense) == 0 && len(sparse) == 0 {
		return nil
	}
	byID := make(map[string]*fused, len(dense)+len(sparse))
	order := func(id string) *fused {
		if f, ok := byID[id]; ok {
			return f
		}
		f := &fused{chunkID: id}
		byID[id] = f
		return f
	}

	for i, h := range dense {
		f := order(h.ID)
		f.denseScore = float64(h.Score)
		f.denseRank = i + 1
		f.rrfScore += 1.0 / float64(k+i+1)
	}
	for i, h := range sparse {
		f := order(h.ChunkID)
		f.sparseScore = h.BM25
		f.sparseRank = i + 1
		f.rrfScore += 1.0 / float64(k+i+1)
		if f.denseRank > 0 {
			f.inBoth = true
		}
	}

	missingRank := len(dense)
	if len(sparse) > missingRank {
		missingRank = len(sparse)
	}
	missingRank++
	for _, f := range byID {
		if f.denseRank == 0 && f.sparseRank > 0 {
			f.rrfScore += 1.0 / float64(k+missingRank)
		}
		if f.sparseRank == 0 && f.denseRank > 0 {
			f.rrfScore += 1.0 / float64(k+missingRank)
		}
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.rrfScore != b.rrfScore {
			return a.rrfScore > b.rrfScore
		}
		if a.denseScore != b.denseScore {
			return a.denseScore > b.denseScore
		}
		return a.chunkID < b.chunkID
	})
	return out
}

// rerank scores the top m fused survivors with the cross-encoder and
// replaces (not blends) their fusion score; items beyond m keep their
// fusion score and are appended after the reranked prefix.
func (r *Retriever) rerank(ctx context.Context, queryText string, list []fused, m int) ([]fused, error) {
	if m > len(list) {
		m = len(list)
	}
	head := list[:m]
	tail := list[m:]

	chunkIDs := make([]string, len(head))
	for i, f := range head {
		chunkIDs[i] = f.chunkID
	}
	texts, err := r.chunkTexts(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}

	results, err := r.Reranker.Rerank(ctx, queryText, texts, 0)
	if err != nil {
		return nil, err
	}

	reranked := make([]fused, len(head))
	copy(reranked, head)
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(reranked) {
			continue
		}
		reranked[res.Index].rrfScore = res.Score
	}
	sort.SliceStable(reranked, func(i, j int) bool { return reranked[i].rrfScore > reranked[j].rrfScore })

	return append(reranked, tail...), nil
}

func (r *Retriever) chunkTexts(ctx context.Context, chunkIDs []string) ([]string, error) {
	out := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		c, _, err := r.Store.ChunkByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = c.Text
	}
	return out, nil
}

// mmrSelect greedily picks k_final items trading relevance to the query
// against novelty relative to what's already been selected.
func (r *Retriever) mmrSelect(ctx context.Context, queryVec []float32, list []fused, k int, lambda float64) ([]fused, error) {
	if len(list) == 0 {
		return nil, nil
	}
	if k > len(list) {
		k = len(list)
	}
	if lambda >= 1.0 {
		return list[:k], nil
	}

	chunkIDs := make([]string, len(list))
	for i, f := range list {
		chunkIDs[i] = f.chunkID
	}
	vecMap, err := r.Store.EmbeddingsByChunkIDs(ctx, r.Embedder.ModelName(), chunkIDs)
	if err != nil {
		return nil, err
	}

	// Soft-deleted survivors must be down-weighted before MMR picks its
	// argmax, not just re-sorted afterward, or a soft-deleted chunk with a
	// higher raw score can permanently displace a live chunk during
	// selection, with no later re-sort able to undo it (spec 4.8 step 6
	// requires the 0.5x penalty apply before step 5's selection).
	deleted := make(map[string]bool, len(list))
	for _, f := range list {
		_, doc, err := r.Store.ChunkByID(ctx, f.chunkID)
		if err == nil && doc != nil {
			deleted[f.chunkID] = doc.IsDeleted
		}
	}

	remaining := append([]fused(nil), list...)
	var selected []fused

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestScore := -1e18
		for i, cand := range remaining {
			relevance := cosine(queryVec, vecMap[cand.chunkID])
			if deleted[cand.chunkID] {
				relevance *= SoftDeletePenalty
			}
			novelty := 0.0
			for _, s := range selected {
				sim := cosine(vecMap[cand.chunkID], vecMap[s.chunkID])
				if sim > novelty {
					novelty = sim
				}
			}
			score := lambda*relevance - (1-lambda)*novelty
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (sqrt(magA) * sqrt(magB))
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 40; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

// applySoftDeletePenalty multiplies a soft-deleted survivor's score by
// SoftDeletePenalty and re-sorts, the teacher's multiply-then-resort shape
// repurposed from test-file demotion to soft-delete demotion.
func applySoftDeletePenalty(ctx context.Context, st *store.SQLiteStore, list []fused) []fused {
	if len(list) == 0 {
		return list
	}
	out := append([]fused(nil), list...)
	for i, f := range out {
		_, doc, err := st.ChunkByID(ctx, f.chunkID)
		if err != nil || doc == nil {
			continue
		}
		if doc.IsDeleted {
			out[i].rrfScore *= SoftDeletePenalty
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rrfScore > out[j].rrfScore })
	return out
}

// assembleProvenance joins each survivor's owning document and source to
// build the deep-link-able result item the HTTP surface returns.
func (r *Retriever) assembleProvenance(ctx context.Context, list []fused, returnText bool) ([]ResultItem, error) {
	items := make([]ResultItem, 0, len(list))
	for i, f := range list {
		chunk, doc, err := r.Store.ChunkByID(ctx, f.chunkID)
		if err != nil {
			continue // chunk vanished between search and assembly; skip rather than fail the whole query
		}

		dense := f.denseScore
		sparse := f.sparseScore
		var densePtr, sparsePtr *float64
		if f.denseRank > 0 {
			densePtr = &dense
		}
		if f.sparseRank > 0 {
			sparsePtr = &sparse
		}

		item := ResultItem{
			Rank:        i + 1,
			ChunkID:     chunk.ID,
			DocumentID:  doc.ID,
			Score:       f.rrfScore,
			DenseScore:  densePtr,
			SparseScore: sparsePtr,
			Title:       doc.Title,
			Snippet:     snippet(chunk.Text, 240),
			Provenance: store.Provenance{
				Path:       doc.ExternalID,
				PageFrom:   chunk.Meta.PageFrom,
				PageTo:     chunk.Meta.PageTo,
				Section:    chunk.Meta.Section,
				ModifiedTS: formatModified(doc),
			},
			DeepLink: "ctxc://doc/" + doc.ID + "?chunk=" + chunk.ID,
		}
		if returnText {
			item.Text = chunk.Text
		}
		items = append(items, item)
	}
	return items, nil
}

func formatModified(doc *store.Document) string {
	if doc.ModifiedTS != nil {
		return doc.ModifiedTS.Format(time.RFC3339)
	}
	return ""
}

// snippet returns the chunk's first max bytes, trimmed, with "…" appended
// when the text was cut. The window always starts at the beginning of the
// chunk; it is not positioned around query-token matches.
func snippet(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return strings.TrimSpace(text[:max]) + "…"
}

// journal durably records the query and its frozen result snapshot before
// returning, so a later /why call replays exactly what was shown.
func (r *Retriever) journal(ctx context.Context, queryText, filters string, rerankEnabled bool, items []ResultItem) (string, error) {
	queryID := queryHash(queryText, filters, time.Now())
	q := &store.Query{
		ID:            queryID,
		Text:          queryText,
		Filters:       filters,
		RerankEnabled: rerankEnabled,
	}
	id, err := r.Store.RecordQuery(ctx, q)
	if err != nil {
		return "", ccerr.Wrap(ccerr.KindIO, "record query", err)
	}

	results := make([]store.QueryResult, len(items))
	for i, it := range items {
		snap, _ := json.Marshal(it)
		results[i] = store.QueryResult{
			QueryID:    id,
			ChunkID:    it.ChunkID,
			DocumentID: it.DocumentID,
			Rank:       it.Rank,
			Score:      it.Score,
			Snapshot:   string(snap),
		}
	}
	if err := r.Store.RecordResults(ctx, results); err != nil {
		return "", ccerr.Wrap(ccerr.KindIO, "record results", err)
	}
	if r.whyCache != nil {
		r.whyCache.Add(id, items)
	}
	return id, nil
}

func queryHash(text, filters string, t time.Time) string {
	sum := sha256.Sum256([]byte(text + "|" + filters + "|" + t.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:32]
}

// Why replays a previously recorded query's frozen result snapshot
// verbatim, regardless of any ingestion or deletion that has since
// happened to the underlying documents.
func (r *Retriever) Why(ctx context.Context, queryID string) ([]ResultItem, error) {
	if r.whyCache != nil {
		if cached, ok := r.whyCache.Get(queryID); ok {
			return cached, nil
		}
	}

	rows, err := r.Store.FetchWhy(ctx, queryID)
	if err != nil {
		return nil, err
	}
	items := make([]ResultItem, len(rows))
	for i, row := range rows {
		var item ResultItem
		if err := json.Unmarshal([]byte(row.Snapshot), &item); err != nil {
			return nil, ccerr.Wrap(ccerr.KindIO, "decode journal snapshot", err)
		}
		items[i] = item
	}
	if r.whyCache != nil {
		r.whyCache.Add(queryID, items)
	}
	return items, nil
}
