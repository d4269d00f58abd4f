package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/store"
)

// ChangeKind classifies one reconciled path.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeDeleted
)

// Change is one file found to differ between the store's last-known state
// and the live filesystem.
type Change struct {
	Path string
	Kind ChangeKind
}

// Reconcile compares a source's indexed documents (by external_id mtime)
// against a fresh filesystem scan and returns what changed while the
// process wasn't watching: new files, modified files, and files that have
// since been deleted. It never touches the store itself — the caller
// decides whether to ingest or mark-deleted, same separation of concerns
// as the teacher's detectFileChanges/applyFileChanges split.
func Reconcile(ctx context.Context, st *store.SQLiteStore, sourceID, root string, includeGlobs, excludeGlobs []string) ([]Change, error) {
	indexed, err := st.DocumentsBySource(ctx, sourceID)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "list documents for reconciliation", err)
	}
	indexedByPath := make(map[string]*store.Document, len(indexed))
	for _, d := range indexed {
		indexedByPath[d.ExternalID] = d
	}

	current := make(map[string]os.FileInfo)
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !matchGlobs(path, includeGlobs, excludeGlobs) {
			return nil
		}
		current[path] = info
		return nil
	})
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "scan source root", err)
	}

	var changes []Change
	for path, info := range current {
		doc, ok := indexedByPath[path]
		if !ok {
			changes = append(changes, Change{Path: path, Kind: ChangeAdded})
			continue
		}
		if doc.ModifiedTS == nil {
			continue
		}
		indexedMtime := doc.ModifiedTS.Truncate(time.Second)
		currentMtime := info.ModTime().Truncate(time.Second)
		if !currentMtime.Equal(indexedMtime) || info.Size() != doc.SizeBytes {
			changes = append(changes, Change{Path: path, Kind: ChangeModified})
		}
	}
	for path := range indexedByPath {
		if _, ok := current[path]; !ok {
			changes = append(changes, Change{Path: path, Kind: ChangeDeleted})
		}
	}

	return changes, nil
}
