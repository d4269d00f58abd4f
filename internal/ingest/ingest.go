// Package ingest implements C7: the Load -> chunk -> embed -> upsert
// pipeline that turns one file on disk into rows in the store. It mirrors
// the teacher's index coordinator's event-dispatch shape (continue past a
// single file's failure, refresh job stats once at the end) but drives a
// spec-shaped pipeline: format-dispatch loading, structural chunking,
// sha256-gated dedup, and hybrid (dense+sparse) indexing instead of the
// teacher's code/markdown-only engine.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/chunk"
	"github.com/context-cache/context-cache/internal/dedup"
	"github.com/context-cache/context-cache/internal/embed"
	"github.com/context-cache/context-cache/internal/loader"
	"github.com/context-cache/context-cache/internal/store"
)

// DefaultMaxFileSize bounds how large a file the pipeline will read into
// memory before giving up on it, mirroring the teacher's own size guard.
const DefaultMaxFileSize int64 = 200 * 1024 * 1024

// EmbedBatchSize caps how many passages are embedded per errgroup task.
const EmbedBatchSize = 32

// FileResult is the per-file outcome recorded into an IngestJob's stats.
type FileResult struct {
	Path       string
	Skipped    bool
	Reason     string
	ChunkCount int
	Err        error
}

// Pipeline wires the loader registry, chunker, embedder, and store
// together into one file-at-a-time (but internally batch-embedded)
// ingestion path.
type Pipeline struct {
	Store           *store.SQLiteStore
	VectorIndex     store.VectorIndex
	VectorIndexPath string
	Loaders         *loader.Registry
	Chunker         *chunk.Chunker
	Embedder        *embed.Embedder
	MaxFileSize     int64
}

func New(st *store.SQLiteStore, vi store.VectorIndex, vectorIndexPath string, ch *chunk.Chunker, em *embed.Embedder) *Pipeline {
	return &Pipeline{
		Store:           st,
		VectorIndex:     vi,
		VectorIndexPath: vectorIndexPath,
		Loaders:         loader.NewRegistry(),
		Chunker:         ch,
		Embedder:        em,
		MaxFileSize:     DefaultMaxFileSize,
	}
}

func (p *Pipeline) maxFileSize() int64 {
	if p.MaxFileSize > 0 {
		return p.MaxFileSize
	}
	return DefaultMaxFileSize
}

// IngestPaths processes a path-ordered list of files belonging to one
// source, recording per-file failures without aborting the batch, and
// returns aggregate stats for the caller's IngestJob row.
func (p *Pipeline) IngestPaths(ctx context.Context, sourceID string, paths []string) (store.IngestStats, []FileResult) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	start := time.Now()
	var stats store.IngestStats
	var results []FileResult

	for _, path := range sorted {
		select {
		case <-ctx.Done():
			results = append(results, FileResult{Path: path, Err: ctx.Err()})
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", path, ctx.Err()))
			stats.DurationMS = time.Since(start).Milliseconds()
			return stats, results
		default:
		}

		res := p.ingestOne(ctx, sourceID, path)
		results = append(results, res)

		switch {
		case res.Err != nil:
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", path, res.Err))
			slog.Warn("ingest: file failed", slog.String("path", path), slog.String("error", res.Err.Error()))
		case res.Skipped:
			stats.DocumentsSkipped++
		default:
			stats.DocumentsAdded++
			stats.Chunks += res.ChunkCount
		}
	}

	stats.DurationMS = time.Since(start).Milliseconds()
	return stats, results
}

func (p *Pipeline) ingestOne(ctx context.Context, sourceID, path string) FileResult {
	info, err := os.Lstat(path)
	if err != nil {
		return FileResult{Path: path, Err: fmt.Errorf("stat: %w", err)}
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return FileResult{Path: path, Skipped: true, Reason: "symlink"}
	}
	if info.Size() > p.maxFileSize() {
		return FileResult{Path: path, Skipped: true, Reason: "oversized"}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return FileResult{Path: path, Err: fmt.Errorf("read: %w", err)}
	}

	docs, err := p.Loaders.Load(path, raw)
	if err != nil {
		return FileResult{Path: path, Err: err}
	}

	mtime := info.ModTime().UTC()
	total := 0
	anyNew := false
	for _, doc := range docs {
		n, wasNew, err := p.ingestDoc(ctx, sourceID, path, doc, mtime)
		if err != nil {
			return FileResult{Path: path, Err: err}
		}
		total += n
		anyNew = anyNew || wasNew
	}
	if !anyNew {
		return FileResult{Path: path, Skipped: true, Reason: "unchanged"}
	}
	return FileResult{Path: path, ChunkCount: total}
}

func (p *Pipeline) ingestDoc(ctx context.Context, sourceID, path string, doc *loader.LoadedDoc, mtime time.Time) (int, bool, error) {
	sum := sha256.Sum256([]byte(doc.Text))
	hash := hex.EncodeToString(sum[:])

	externalID := path
	if doc.Meta.Extra != nil {
		if v, ok := doc.Meta.Extra["external_id"]; ok && v != "" {
			externalID = v
		}
	}

	docRow := &store.Document{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		ExternalID: externalID,
		Title:      doc.Title,
		MIME:       doc.MIME,
		SHA256:     hash,
		Text:       doc.Text,
		Meta:       doc.Meta,
		ModifiedTS: &mtime,
		SizeBytes:  int64(len(doc.Bytes)),
	}

	docID, wasNew, err := p.Store.UpsertDocument(ctx, docRow)
	if err != nil {
		return 0, false, ccerr.Wrap(ccerr.KindIndex, "upsert document", err)
	}
	if !wasNew {
		// Content unchanged: metadata-only update, no re-chunk/re-embed.
		return 0, false, nil
	}

	chunks := p.Chunker.Chunk(doc.Text, doc.Meta.Pages)
	if len(chunks) == 0 {
		return 0, true, nil
	}
	for i := range chunks {
		chunks[i].DocumentID = docID
		chunks[i].ID = chunkID(docID, chunks[i].Ordinal, chunks[i].Text)
	}

	keepIdx := dedup.FilterNearDuplicates(chunkTexts(chunks))
	deduped := make([]store.Chunk, 0, len(keepIdx))
	for _, i := range keepIdx {
		deduped = append(deduped, chunks[i])
	}
	renumberOrdinals(deduped)

	ptrs := make([]*store.Chunk, len(deduped))
	for i := range deduped {
		ptrs[i] = &deduped[i]
	}

	if err := p.Store.InsertChunks(ctx, docID, ptrs); err != nil {
		return 0, true, ccerr.Wrap(ccerr.KindIndex, "insert chunks", err)
	}

	if err := p.embedAndIndex(ctx, deduped); err != nil {
		return 0, true, ccerr.Wrap(ccerr.KindEmbed, "embed chunks", err)
	}

	return len(deduped), true, nil
}

// chunkID derives a stable, content-addressable chunk id from the owning
// document and the chunk's own text, the same two-stage sha256 scheme the
// teacher's generateChunkID uses for code chunks: a chunk's id is stable
// across re-ingests as long as its text and position don't change, and
// changes deterministically the moment either does.
func chunkID(documentID string, ordinal int, text string) string {
	contentSum := sha256.Sum256([]byte(text))
	contentHash := hex.EncodeToString(contentSum[:])[:16]
	input := fmt.Sprintf("%s:%d:%s", documentID, ordinal, contentHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:32]
}

// renumberOrdinals reassigns contiguous ordinals after dedup may have
// dropped chunks from the middle of a document.
func renumberOrdinals(chunks []store.Chunk) {
	for i := range chunks {
		chunks[i].Ordinal = i
	}
}

// embedAndIndex embeds chunk passages in batches of EmbedBatchSize, one
// errgroup goroutine per batch with no cap on how many run at once (the
// teacher's errgroup-based dense/sparse fan-out repurposed here for
// parallel embedding batches), and upserts both the SQL embeddings table
// and the vector index.
func (p *Pipeline) embedAndIndex(ctx context.Context, chunks []store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	type batchResult struct {
		chunks []store.Chunk
		vecs   [][]float32
	}

	batches := batchChunks(chunks, EmbedBatchSize)
	results := make([]batchResult, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for bi, batch := range batches {
		bi, batch := bi, batch
		g.Go(func() error {
			texts := chunkTexts(batch)
			vecs, err := p.Embedder.EncodePassages(gctx, texts)
			if err != nil {
				return err
			}
			results[bi] = batchResult{chunks: batch, vecs: vecs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var embeddings []*store.Embedding
	var ids []string
	var vecs [][]float32
	for _, r := range results {
		for i, ch := range r.chunks {
			embeddings = append(embeddings, &store.Embedding{
				ChunkID: ch.ID,
				Model:   p.Embedder.ModelName(),
				Dim:     p.Embedder.Dimensions(),
				Style:   store.EmbeddingDense,
				Vector:  r.vecs[i],
			})
			ids = append(ids, ch.ID)
			vecs = append(vecs, r.vecs[i])
		}
	}

	if err := p.Store.UpsertEmbeddings(ctx, embeddings); err != nil {
		return err
	}
	if p.VectorIndex == nil {
		return nil
	}
	if err := p.VectorIndex.Upsert(ctx, ids, vecs); err != nil {
		return err
	}
	if p.VectorIndexPath == "" {
		return nil
	}
	return p.VectorIndex.Save(p.VectorIndexPath)
}

func batchChunks(chunks []store.Chunk, size int) [][]store.Chunk {
	var batches [][]store.Chunk
	for i := 0; i < len(chunks); i += size {
		end := i + size
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[i:end])
	}
	return batches
}

func chunkTexts(chunks []store.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return texts
}

// WalkSource lists all regular files under root matching the given
// include/exclude glob filters, for a full ingest of a source (the CLI's
// ingest command and the HTTP ingest task use it; the watcher's startup
// reconciliation walks the folder on its own).
func WalkSource(root string, includeGlobs, excludeGlobs []string) ([]string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !globMatchAny(path, includeGlobs) {
			return nil
		}
		if globMatchAny(path, excludeGlobs) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func globMatchAny(path string, globs []string) bool {
	if len(globs) == 0 {
		return false
	}
	base := filepath.Base(path)
	for _, g := range globs {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return false
}
