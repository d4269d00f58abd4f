package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/context-cache/context-cache/internal/ccerr"
)

// SQLiteStore is the C1 Store: metadata + FTS over one embedded SQLite
// database, WAL mode, foreign keys enforced. A single-writer mutex guards
// every write transaction, and the pool holds a single connection
// (db.SetMaxOpenConns(1)), mirroring the teacher's SQLiteBM25Index
// connection discipline; reads and writes share that one connection, so
// they are serialised rather than run concurrently.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu sync.Mutex // single-writer lock around write transactions
}

// Open opens (creating if necessary) the SQLite-backed metadata store at path.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, ccerr.Wrap(ccerr.KindIO, "set pragma "+p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);
	INSERT OR IGNORE INTO schema_version (version) VALUES (1);

	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		uri TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		include_glob TEXT NOT NULL DEFAULT '',
		exclude_glob TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		created_ts TEXT,
		modified_ts TEXT,
		mime TEXT NOT NULL,
		sha256 TEXT NOT NULL UNIQUE,
		text TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL,
		start_char INTEGER NOT NULL,
		end_char INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal);

	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		model TEXT NOT NULL,
		dim INTEGER NOT NULL,
		vector BLOB NOT NULL,
		style TEXT NOT NULL,
		PRIMARY KEY (chunk_id, model)
	);

	CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS document_tags (
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (document_id, tag_id)
	);

	CREATE TABLE IF NOT EXISTS ingest_jobs (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT,
		stats TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS queries (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		filters TEXT NOT NULL DEFAULT '',
		rerank_enabled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS query_results (
		query_id TEXT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
		chunk_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		score REAL NOT NULL,
		snapshot TEXT NOT NULL,
		PRIMARY KEY (query_id, rank)
	);

	-- FTS5 over chunk text, Unicode-aware and case-folding, kept in sync via
	-- triggers so every chunk write/delete is reflected without a separate
	-- reindex step.
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		document_id UNINDEXED,
		text,
		tokenize = 'unicode61 remove_diacritics 0'
	);

	CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(chunk_id, document_id, text) VALUES (new.id, new.document_id, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
		DELETE FROM chunks_fts WHERE chunk_id = old.id;
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
		DELETE FROM chunks_fts WHERE chunk_id = old.id;
		INSERT INTO chunks_fts(chunk_id, document_id, text) VALUES (new.id, new.document_id, new.text);
	END;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return ccerr.Wrap(ccerr.KindIO, "initialize schema", err)
	}
	return nil
}

// Close flushes the WAL and releases the connection.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func newID() string { return uuid.NewString() }

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UpsertSource creates or updates a watch-root record.
func (s *SQLiteStore) UpsertSource(ctx context.Context, src *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowStr()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	src.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, kind, uri, label, include_glob, exclude_glob, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, uri=excluded.uri, label=excluded.label,
			include_glob=excluded.include_glob, exclude_glob=excluded.exclude_glob,
			updated_at=excluded.updated_at
	`, src.ID, src.Kind, src.URI, src.Label, src.IncludeGlob, src.ExcludeGlob,
		src.CreatedAt.Format(time.RFC3339Nano), now)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "upsert source", err)
	}
	return nil
}

// ListSources returns every configured source.
func (s *SQLiteStore) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, uri, label, include_glob, exclude_glob, created_at, updated_at FROM sources ORDER BY created_at`)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "list sources", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		var src Source
		var created, updated string
		if err := rows.Scan(&src.ID, &src.Kind, &src.URI, &src.Label, &src.IncludeGlob, &src.ExcludeGlob, &created, &updated); err != nil {
			return nil, ccerr.Wrap(ccerr.KindIO, "scan source", err)
		}
		src.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		src.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, &src)
	}
	return out, rows.Err()
}

// UpsertDocument inserts a new document or, on a sha256 collision, updates
// only metadata (external_id, modified_ts, meta) without touching text.
// Returns the resolved id and whether a new row was created.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc *Document) (id string, wasNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID string
	row := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE sha256 = ?`, doc.SHA256)
	scanErr := row.Scan(&existingID)
	switch {
	case scanErr == sql.ErrNoRows:
		now := nowStr()
		doc.CreatedAt = time.Now().UTC()
		doc.UpdatedAt = doc.CreatedAt
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (id, source_id, external_id, title, author, created_ts, modified_ts,
				mime, sha256, text, meta, size_bytes, is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, doc.ID, doc.SourceID, doc.ExternalID, doc.Title, doc.Author,
			tsOrNil(doc.CreatedTS), tsOrNil(doc.ModifiedTS),
			doc.MIME, doc.SHA256, doc.Text, marshalJSON(doc.Meta), doc.SizeBytes, now, now)
		if err != nil {
			return "", false, ccerr.Wrap(ccerr.KindIO, "insert document", err)
		}
		return doc.ID, true, nil
	case scanErr != nil:
		return "", false, ccerr.Wrap(ccerr.KindIO, "lookup document by sha256", scanErr)
	default:
		// Hash match: metadata-only update, no re-chunk/re-embed.
		_, err = s.db.ExecContext(ctx, `
			UPDATE documents SET external_id = ?, modified_ts = ?, meta = ?, is_deleted = 0,
				deleted_at = NULL, updated_at = ?
			WHERE id = ?
		`, doc.ExternalID, tsOrNil(doc.ModifiedTS), marshalJSON(doc.Meta), nowStr(), existingID)
		if err != nil {
			return "", false, ccerr.Wrap(ccerr.KindIO, "update document metadata", err)
		}
		return existingID, false, nil
	}
}

func tsOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// InsertChunks atomically replaces every existing chunk (and its
// embeddings) belonging to documentID with the supplied set, in one
// transaction, so no reader ever observes a mix of old and new chunks.
func (s *SQLiteStore) InsertChunks(ctx context.Context, documentID string, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "begin chunk rewrite", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return ccerr.Wrap(ccerr.KindIO, "delete old chunks", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, ordinal, start_char, end_char, text, token_count, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "prepare chunk insert", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		if c.Ordinal != i {
			return ccerr.New(ccerr.KindIndex, "chunk ordinals must be contiguous from 0").WithDetail(fmt.Sprintf("expected %d got %d", i, c.Ordinal))
		}
		if _, err := stmt.ExecContext(ctx, c.ID, documentID, c.Ordinal, c.StartChar, c.EndChar, c.Text, c.TokenCount, marshalJSON(c.Meta)); err != nil {
			return ccerr.Wrap(ccerr.KindIO, "insert chunk", err)
		}
	}

	return tx.Commit()
}

// UpsertEmbeddings idempotently writes canonical vectors for a batch of chunks.
func (s *SQLiteStore) UpsertEmbeddings(ctx context.Context, embeddings []*Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "begin embedding upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (chunk_id, model, dim, vector, style)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id, model) DO UPDATE SET vector = excluded.vector, dim = excluded.dim, style = excluded.style
	`)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "prepare embedding upsert", err)
	}
	defer stmt.Close()

	for _, e := range embeddings {
		if _, err := stmt.ExecContext(ctx, e.ChunkID, e.Model, e.Dim, encodeVector(e.Vector), string(e.Style)); err != nil {
			return ccerr.Wrap(ccerr.KindIO, "upsert embedding", err)
		}
	}
	return tx.Commit()
}

// EmbeddingsByChunkIDs fetches the canonical vectors for the given model.
func (s *SQLiteStore) EmbeddingsByChunkIDs(ctx context.Context, model string, chunkIDs []string) (map[string][]float32, error) {
	if len(chunkIDs) == 0 {
		return map[string][]float32{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, model)
	for _, id := range chunkIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, vector FROM embeddings WHERE model = ? AND chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "fetch embeddings", err)
	}
	defer rows.Close()

	out := make(map[string][]float32, len(chunkIDs))
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, ccerr.Wrap(ccerr.KindIO, "scan embedding", err)
		}
		out[id] = decodeVector(blob)
	}
	return out, rows.Err()
}

// MarkDeleted soft-deletes a document (and, by view, its chunks) without
// removing rows outright; GC purges them after the configured TTL.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?`,
		nowStr(), nowStr(), documentID)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "mark document deleted", err)
	}
	return nil
}

// HardDeleteExpired purges documents (cascading to chunks/embeddings/FTS)
// that were soft-deleted before the cutoff. This is the GC half of the
// soft-delete retention window.
func (s *SQLiteStore) HardDeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE is_deleted = 1 AND deleted_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, ccerr.Wrap(ccerr.KindIO, "purge expired documents", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HardDeleteDocument purges a single document (and, via ON DELETE CASCADE,
// its chunks/embeddings/FTS rows) immediately, regardless of the soft-delete
// TTL. Used by POST /delete when the caller asks for hard=true.
func (s *SQLiteStore) HardDeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "hard delete document", err)
	}
	return nil
}

// UpsertTags ensures each label in tags exists in the tags table and
// attaches it to every document in documentIDs, idempotently. It returns the
// number of distinct documents that received at least one new tag
// association.
func (s *SQLiteStore) UpsertTags(ctx context.Context, documentIDs []string, tags []string) (int, error) {
	if len(documentIDs) == 0 || len(tags) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ccerr.Wrap(ccerr.KindIO, "begin tag upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	tagIDs := make([]string, 0, len(tags))
	for _, label := range tags {
		var id string
		row := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE label = ?`, label)
		err := row.Scan(&id)
		switch {
		case err == sql.ErrNoRows:
			id = newID()
			if _, err := tx.ExecContext(ctx, `INSERT INTO tags (id, label) VALUES (?, ?)`, id, label); err != nil {
				return 0, ccerr.Wrap(ccerr.KindIO, "insert tag", err)
			}
		case err != nil:
			return 0, ccerr.Wrap(ccerr.KindIO, "lookup tag", err)
		}
		tagIDs = append(tagIDs, id)
	}

	linkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_tags (document_id, tag_id) VALUES (?, ?)
		ON CONFLICT(document_id, tag_id) DO NOTHING
	`)
	if err != nil {
		return 0, ccerr.Wrap(ccerr.KindIO, "prepare document_tags insert", err)
	}
	defer linkStmt.Close()

	touched := make(map[string]bool, len(documentIDs))
	for _, docID := range documentIDs {
		for _, tagID := range tagIDs {
			res, err := linkStmt.ExecContext(ctx, docID, tagID)
			if err != nil {
				return 0, ccerr.Wrap(ccerr.KindIO, "link document tag", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				touched[docID] = true
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, ccerr.Wrap(ccerr.KindIO, "commit tag upsert", err)
	}
	return len(touched), nil
}

// TagsByDocument returns the labels attached to a document.
func (s *SQLiteStore) TagsByDocument(ctx context.Context, documentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.label FROM tags t
		JOIN document_tags dt ON dt.tag_id = t.id
		WHERE dt.document_id = ?
		ORDER BY t.label
	`, documentID)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "query document tags", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, ccerr.Wrap(ccerr.KindIO, "scan tag label", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// DocumentBySHA256 looks up a document by its content hash. The ingest
// dedup gate does not call it; UpsertDocument does its own hash lookup.
func (s *SQLiteStore) DocumentBySHA256(ctx context.Context, sha256 string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, external_id, title, author, created_ts, modified_ts, mime, sha256, text, meta, size_bytes, is_deleted, created_at, updated_at
		FROM documents WHERE sha256 = ?`, sha256)
	return scanDocument(row)
}

// DocumentsBySource lists all non-deleted documents belonging to one
// source, used by the watcher's startup reconciliation sweep (comparing
// each document's external_id/modified_ts against the live filesystem) and
// by delete-by-source.
func (s *SQLiteStore) DocumentsBySource(ctx context.Context, sourceID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, external_id, title, author, created_ts, modified_ts, mime, sha256, text, meta, size_bytes, is_deleted, created_at, updated_at
		FROM documents WHERE source_id = ? AND is_deleted = 0`, sourceID)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "list documents by source", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocumentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DocumentByID fetches a single document by id, including soft-deleted rows
// (provenance replay must still resolve a deleted document's title/path).
func (s *SQLiteStore) DocumentByID(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, external_id, title, author, created_ts, modified_ts, mime, sha256, text, meta, size_bytes, is_deleted, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (*Document, error) {
	d, err := scanDocumentInto(row)
	if err == sql.ErrNoRows {
		return nil, ccerr.New(ccerr.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "scan document", err)
	}
	return d, nil
}

func scanDocumentRow(rows *sql.Rows) (*Document, error) {
	d, err := scanDocumentInto(rows)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "scan document", err)
	}
	return d, nil
}

func scanDocumentInto(scanner rowScanner) (*Document, error) {
	var d Document
	var createdTS, modifiedTS sql.NullString
	var metaRaw string
	var isDeleted int
	var createdAt, updatedAt string
	err := scanner.Scan(&d.ID, &d.SourceID, &d.ExternalID, &d.Title, &d.Author, &createdTS, &modifiedTS,
		&d.MIME, &d.SHA256, &d.Text, &metaRaw, &d.SizeBytes, &isDeleted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if createdTS.Valid {
		t, _ := time.Parse(time.RFC3339Nano, createdTS.String)
		d.CreatedTS = &t
	}
	if modifiedTS.Valid {
		t, _ := time.Parse(time.RFC3339Nano, modifiedTS.String)
		d.ModifiedTS = &t
	}
	_ = json.Unmarshal([]byte(metaRaw), &d.Meta)
	d.IsDeleted = isDeleted != 0
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}

// ChunksByDocument returns a document's chunks in ordinal order.
func (s *SQLiteStore) ChunksByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, ordinal, start_char, end_char, text, token_count, meta FROM chunks WHERE document_id = ? ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "list chunks", err)
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunkByID fetches a single chunk by id, joined with its owning document
// for provenance assembly.
func (s *SQLiteStore) ChunkByID(ctx context.Context, id string) (*Chunk, *Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, document_id, ordinal, start_char, end_char, text, token_count, meta FROM chunks WHERE id = ?`, id)
	var c Chunk
	var metaRaw string
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.StartChar, &c.EndChar, &c.Text, &c.TokenCount, &metaRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ccerr.New(ccerr.KindNotFound, "chunk not found")
		}
		return nil, nil, ccerr.Wrap(ccerr.KindIO, "scan chunk", err)
	}
	_ = json.Unmarshal([]byte(metaRaw), &c.Meta)
	doc, err := s.DocumentByID(ctx, c.DocumentID)
	if err != nil {
		return nil, nil, err
	}
	return &c, doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunkRow(rows *sql.Rows) (*Chunk, error) {
	var c Chunk
	var metaRaw string
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.StartChar, &c.EndChar, &c.Text, &c.TokenCount, &metaRaw); err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "scan chunk", err)
	}
	_ = json.Unmarshal([]byte(metaRaw), &c.Meta)
	return &c, nil
}

// SearchFTS runs a BM25-scored full-text query with optional filter
// pushdown by source/mime/modified range/tags (a document passes the tag
// filter when it carries any of the listed tags), returning hits with a
// higher-is-better score (see DESIGN.md Open Question (a)).
func (s *SQLiteStore) SearchFTS(ctx context.Context, queryText string, limit int, filter FTSFilter) ([]FTSHit, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, nil
	}

	match := ftsMatchQuery(queryText)

	sqlStr := strings.Builder{}
	sqlStr.WriteString(`
		SELECT f.chunk_id, f.document_id, bm25(chunks_fts) AS score
		FROM chunks_fts f
		JOIN documents d ON d.id = f.document_id
		WHERE f.text MATCH ?
	`)
	args := []any{match}

	if filter.SourceID != "" {
		sqlStr.WriteString(" AND d.source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.MIME != "" {
		sqlStr.WriteString(" AND d.mime = ?")
		args = append(args, filter.MIME)
	}
	if filter.ModifiedAfter != nil {
		sqlStr.WriteString(" AND d.modified_ts >= ?")
		args = append(args, filter.ModifiedAfter.Format(time.RFC3339Nano))
	}
	if filter.ModifiedBefore != nil {
		sqlStr.WriteString(" AND d.modified_ts <= ?")
		args = append(args, filter.ModifiedBefore.Format(time.RFC3339Nano))
	}
	if len(filter.Tags) > 0 {
		sqlStr.WriteString(" AND d.id IN (SELECT dt.document_id FROM document_tags dt JOIN tags t ON t.id = dt.tag_id WHERE t.label IN (?" +
			strings.Repeat(", ?", len(filter.Tags)-1) + "))")
		for _, tag := range filter.Tags {
			args = append(args, tag)
		}
	}
	sqlStr.WriteString(" ORDER BY score LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlStr.String(), args...)
	if err != nil {
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, ccerr.Wrap(ccerr.KindIO, "fts search", err)
	}
	defer rows.Close()

	var out []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.BM25); err != nil {
			return nil, ccerr.Wrap(ccerr.KindIO, "scan fts hit", err)
		}
		h.BM25 = -h.BM25 // FTS5's bm25() is lower-is-better; negate per DESIGN.md (a)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ftsMatchQuery quotes each term so punctuation in user queries (emails,
// paths) doesn't trip FTS5's query-syntax parser.
func ftsMatchQuery(text string) string {
	fields := strings.Fields(text)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

// RecordQuery durably records a new query and returns its id.
func (s *SQLiteStore) RecordQuery(ctx context.Context, q *Query) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (id, text, filters, rerank_enabled, created_at) VALUES (?, ?, ?, ?, ?)
	`, q.ID, q.Text, q.Filters, boolToInt(q.RerankEnabled), q.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", ccerr.Wrap(ccerr.KindIO, "record query", err)
	}
	return q.ID, nil
}

// RecordResults writes the frozen ranked snapshot for a query, atomically.
func (s *SQLiteStore) RecordResults(ctx context.Context, results []QueryResult) error {
	if len(results) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "begin journal write", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_results (query_id, chunk_id, document_id, rank, score, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "prepare journal insert", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, r.QueryID, r.ChunkID, r.DocumentID, r.Rank, r.Score, r.Snapshot); err != nil {
			return ccerr.Wrap(ccerr.KindIO, "insert journal row", err)
		}
	}
	return tx.Commit()
}

// FetchWhy replays a query's frozen snapshot verbatim, regardless of
// whatever has since happened to the underlying documents.
func (s *SQLiteStore) FetchWhy(ctx context.Context, queryID string) ([]QueryResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_id, chunk_id, document_id, rank, score, snapshot FROM query_results
		WHERE query_id = ? ORDER BY rank
	`, queryID)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "fetch why", err)
	}
	defer rows.Close()

	var out []QueryResult
	for rows.Next() {
		var r QueryResult
		if err := rows.Scan(&r.QueryID, &r.ChunkID, &r.DocumentID, &r.Rank, &r.Score, &r.Snapshot); err != nil {
			return nil, ccerr.Wrap(ccerr.KindIO, "scan journal row", err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, ccerr.New(ccerr.KindNotFound, "query not found").WithDetail(queryID)
	}
	return out, rows.Err()
}

// UpsertIngestJob writes or updates a job's status/stats row.
func (s *SQLiteStore) UpsertIngestJob(ctx context.Context, job *IngestJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finished any
	if job.FinishedAt != nil {
		finished = job.FinishedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_jobs (id, source_id, status, reason, started_at, finished_at, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, reason=excluded.reason,
			finished_at=excluded.finished_at, stats=excluded.stats
	`, job.ID, job.SourceID, string(job.Status), job.Reason, job.StartedAt.Format(time.RFC3339Nano), finished, marshalJSON(job.Stats))
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "upsert ingest job", err)
	}
	return nil
}

// IngestJobByID fetches a single job's current state.
func (s *SQLiteStore) IngestJobByID(ctx context.Context, id string) (*IngestJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, source_id, status, reason, started_at, finished_at, stats FROM ingest_jobs WHERE id = ?`, id)
	var job IngestJob
	var finished sql.NullString
	var started, statsRaw string
	if err := row.Scan(&job.ID, &job.SourceID, &job.Status, &job.Reason, &started, &finished, &statsRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ccerr.New(ccerr.KindNotFound, "ingest job not found")
		}
		return nil, ccerr.Wrap(ccerr.KindIO, "scan ingest job", err)
	}
	job.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finished.String)
		job.FinishedAt = &t
	}
	_ = json.Unmarshal([]byte(statsRaw), &job.Stats)
	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
