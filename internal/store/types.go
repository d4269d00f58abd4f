// Package store is the durable layer: source/document/chunk/embedding
// metadata plus full-text search (C1) and the vector index (C2).
//
// The metadata half is a single embedded relational store (SQLite, WAL
// mode, foreign keys enforced) with an FTS5 virtual table kept in sync by
// triggers, modeled on the teacher's internal/store package. The vector
// half is a pluggable, rebuildable cache over the canonical vectors that
// live in the metadata store's embeddings table.
package store

import "time"

// SourceKind enumerates the supported watch-root kinds.
type SourceKind string

const (
	SourceFolder       SourceKind = "folder"
	SourceMbox         SourceKind = "mbox"
	SourceEml          SourceKind = "eml"
	SourceMarkdown     SourceKind = "markdown"
	SourceNotionExport SourceKind = "notion_export"
	SourceOther        SourceKind = "other"
)

// Source is a user-configured watch root.
type Source struct {
	ID            string
	Kind          SourceKind
	URI           string
	Label         string
	IncludeGlob   string
	ExcludeGlob   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DocumentMeta carries loader/chunker-produced metadata that doesn't earn
// its own column: tags, page spans, detected language, etc.
type DocumentMeta struct {
	Tags  []string    `json:"tags,omitempty"`
	Pages []PageSpan  `json:"pages,omitempty"`
	Lang  string      `json:"lang,omitempty"`
	Extra map[string]string `json:"extra,omitempty"`
}

// PageSpan maps a source page number onto a character range of the
// document's normalized text, per the loader's page-indexed extraction.
type PageSpan struct {
	Index     int `json:"index"`
	StartChar int `json:"start_char"`
	EndChar   int `json:"end_char"`
}

// Document is one ingested item: a PDF, an email, a markdown note, etc.
type Document struct {
	ID          string
	SourceID    string
	ExternalID  string
	Title       string
	Author      string
	CreatedTS   *time.Time
	ModifiedTS  *time.Time
	MIME        string
	SHA256      string
	Text        string
	Meta        DocumentMeta
	SizeBytes   int64
	IsDeleted   bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChunkMeta carries structural provenance for a chunk.
type ChunkMeta struct {
	Section  string `json:"section,omitempty"`
	PageFrom int    `json:"page_from,omitempty"`
	PageTo   int    `json:"page_to,omitempty"`
}

// Chunk is one contiguous, byte-exact span of a Document's normalized text.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	StartChar  int
	EndChar    int
	Text       string
	TokenCount int
	Meta       ChunkMeta
}

// EmbeddingStyle distinguishes the kind of vector stored for a chunk.
type EmbeddingStyle string

const (
	EmbeddingDense  EmbeddingStyle = "dense"
	EmbeddingSparse EmbeddingStyle = "sparse"
	EmbeddingHybrid EmbeddingStyle = "hybrid"
)

// Embedding is the canonical, unit-norm vector for one chunk under one model.
type Embedding struct {
	ChunkID string
	Model   string
	Dim     int
	Vector  []float32
	Style   EmbeddingStyle
}

// IngestJobStatus enumerates the monotonic lifecycle of an ingest job.
type IngestJobStatus string

const (
	JobQueued  IngestJobStatus = "queued"
	JobRunning IngestJobStatus = "running"
	JobDone    IngestJobStatus = "done"
	JobError   IngestJobStatus = "error"
)

// IngestStats accumulates per-job counters, unchanged once the job ends.
type IngestStats struct {
	DocumentsAdded   int      `json:"documents_added"`
	DocumentsSkipped int      `json:"documents_skipped"`
	Chunks           int      `json:"chunks"`
	DurationMS       int64    `json:"duration_ms"`
	Errors           []string `json:"errors"`
}

// IngestJob is a durable record of one ingestion run.
type IngestJob struct {
	ID         string
	SourceID   string
	Status     IngestJobStatus
	Reason     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Stats      IngestStats
}

// Query is the immutable record of one retrieval request.
type Query struct {
	ID            string
	Text          string
	Filters       string // serialized filter set, frozen verbatim
	RerankEnabled bool
	CreatedAt     time.Time
}

// Provenance is the deep-link-able origin of a ranked chunk.
type Provenance struct {
	SourceLabel string `json:"source_label"`
	Path        string `json:"path"`
	PageFrom    int    `json:"page_from,omitempty"`
	PageTo      int    `json:"page_to,omitempty"`
	Section     string `json:"section,omitempty"`
	ModifiedTS  string `json:"modified_ts,omitempty"`
}

// QueryResult is one frozen, ranked row belonging to a Query's snapshot.
type QueryResult struct {
	QueryID    string
	ChunkID    string
	DocumentID string
	Rank       int
	Score      float64
	Snapshot   string // JSON-encoded ResultItem, replayed verbatim by /why
}

// Tag is a user-assignable label, many-to-many with documents (through the
// document_tags join table; chunks are not tagged).
type Tag struct {
	ID    string
	Label string
}

// FTSHit is one row returned by a full-text search.
type FTSHit struct {
	ChunkID    string
	DocumentID string
	BM25       float64 // already normalised higher-is-better, see DESIGN.md (a)
}

// FTSFilter pushes filters down into the FTS query.
type FTSFilter struct {
	SourceID       string
	MIME           string
	ModifiedAfter  *time.Time
	ModifiedBefore *time.Time
	Tags           []string
}
