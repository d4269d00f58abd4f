package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/context-cache/context-cache/internal/ccerr"
)

// VectorIndex is C2: dimension fixed at construction, upsert idempotent,
// search optionally filtered by id, ties broken lexicographically.
// Canonical vectors live in the Store's embeddings table; an index is a
// rebuildable cache over them, identified by a sidecar manifest so a
// corrupt or stale cache can always be thrown away and rebuilt.
type VectorIndex interface {
	Upsert(ctx context.Context, ids []string, vectors [][]float32) error
	Remove(ctx context.Context, ids []string) error
	Search(ctx context.Context, query []float32, k int, filterIDs []string) ([]VectorHit, error)
	Len() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorHit is one scored result from a vector search, cosine in [-1, 1].
type VectorHit struct {
	ID    string
	Score float32
}

// HNSWIndex implements VectorIndex over coder/hnsw, grounded on the
// teacher's HNSWStore: lazy deletion (deleting the graph's last node is
// buggy in coder/hnsw, so ids are just unmapped rather than removed from
// the graph), gob-encoded sidecar metadata, atomic temp-file+rename saves.
type HNSWIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dim   int

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

type hnswSidecar struct {
	IDMap   map[string]uint64
	NextKey uint64
	Dim     int
}

// NewHNSWIndex creates an empty cosine-metric HNSW index of fixed dimension.
func NewHNSWIndex(dim int) *HNSWIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		dim:    dim,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Upsert inserts or replaces vectors by id. Idempotent: upserting the same
// (id, vector) twice leaves the index in the same observable state.
func (s *HNSWIndex) Upsert(_ context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return ccerr.New(ccerr.KindValidation, "ids and vectors length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ccerr.New(ccerr.KindIndex, "vector index is closed")
	}

	for i, id := range ids {
		if len(vectors[i]) != s.dim {
			return ccerr.New(ccerr.KindValidation, "vector dimension mismatch").
				WithDetail(fmt.Sprintf("expected %d got %d", s.dim, len(vectors[i])))
		}
		if oldKey, ok := s.idMap[id]; ok {
			delete(s.keyMap, oldKey)
		}
		key := s.nextKey
		s.nextKey++
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}
	return nil
}

// Remove unmaps ids from the index (lazy deletion; nodes stay in the graph
// but never surface in Search again).
func (s *HNSWIndex) Remove(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
	return nil
}

// Search returns the k nearest neighbours by cosine similarity, optionally
// restricted to filterIDs, ties broken by ascending id.
func (s *HNSWIndex) Search(_ context.Context, query []float32, k int, filterIDs []string) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ccerr.New(ccerr.KindIndex, "vector index is closed")
	}
	if len(query) != s.dim {
		return nil, ccerr.New(ccerr.KindValidation, "query dimension mismatch")
	}
	if s.graph.Len() == 0 {
		return nil, nil
	}

	var allow map[string]bool
	if len(filterIDs) > 0 {
		allow = make(map[string]bool, len(filterIDs))
		for _, id := range filterIDs {
			allow[id] = true
		}
	}

	// Over-fetch from the graph since filtering and orphaned (lazily
	// deleted) nodes can both shrink the candidate set below k.
	fetch := k * 4
	if fetch < k+16 {
		fetch = k + 16
	}
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}

	nodes := s.graph.Search(query, fetch)
	hits := make([]VectorHit, 0, len(nodes))
	for _, n := range nodes {
		id, ok := s.keyMap[n.Key]
		if !ok {
			continue
		}
		if allow != nil && !allow[id] {
			continue
		}
		dist := s.graph.Distance(query, n.Value)
		hits = append(hits, VectorHit{ID: id, Score: 1 - dist}) // cosine distance in [0,2] -> similarity in [-1,1]
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len reports how many live (non-orphaned) ids are indexed.
func (s *HNSWIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Save atomically persists the graph and its id-mapping sidecar.
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ccerr.New(ccerr.KindIndex, "vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ccerr.Wrap(ccerr.KindIO, "create vector index dir", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "create vector index temp file", err)
	}
	if err := s.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ccerr.Wrap(ccerr.KindIndex, "export hnsw graph", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return ccerr.Wrap(ccerr.KindIO, "close vector index temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ccerr.Wrap(ccerr.KindIO, "rename vector index file", err)
	}

	return s.saveSidecar(path + ".meta")
}

func (s *HNSWIndex) saveSidecar(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIO, "create sidecar temp file", err)
	}
	side := hnswSidecar{IDMap: s.idMap, NextKey: s.nextKey, Dim: s.dim}
	if err := gob.NewEncoder(f).Encode(side); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ccerr.Wrap(ccerr.KindIO, "encode sidecar", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return ccerr.Wrap(ccerr.KindIO, "close sidecar temp file", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a previously saved graph and its sidecar. On any error the
// caller should treat this as IndexError and rebuild from the Store instead
// (spec.md Section 7: vector backend rejection rebuilds at next start).
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(path + ".meta")
	if err != nil {
		return ccerr.Wrap(ccerr.KindIndex, "open vector index sidecar", err)
	}
	defer f.Close()
	var side hnswSidecar
	if err := gob.NewDecoder(f).Decode(&side); err != nil {
		return ccerr.Wrap(ccerr.KindIndex, "decode vector index sidecar", err)
	}

	graphFile, err := os.Open(path)
	if err != nil {
		return ccerr.Wrap(ccerr.KindIndex, "open vector index file", err)
	}
	defer graphFile.Close()

	if err := s.graph.Import(bufio.NewReader(graphFile)); err != nil {
		return ccerr.Wrap(ccerr.KindIndex, "import hnsw graph", err)
	}

	s.idMap = side.IDMap
	s.nextKey = side.NextKey
	s.dim = side.Dim
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close releases the index. Safe to call once.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.graph = nil
	return nil
}

var _ VectorIndex = (*HNSWIndex)(nil)
