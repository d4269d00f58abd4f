package watch

import (
	"context"
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
	"github.com/context-cache/context-cache/internal/store"
)

func TestReconcile_DetectsAddedModifiedAndDeletedFiles(t *testing.T) {
	dbDir := t.TempDir()
	st, err := store.Open(filepath.Join(dbDir, "ctxc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	root := t.TempDir()
	vi := store.NewHNSWIndex(256)
	ch := chunk.New(config.ChunkConfig{TargetTokens: 512, MaxTokens: 768, MinTokens: 20})
	em := embed.New(config.EmbedConfig{ModelName: "hashed-256", Dim: 256})
	pipe := ingest.New(st, vi, "", ch, em)

	require.NoError(t, st.UpsertSource(context.Background(), &store.Source{ID: "src1", Kind: store.SourceFolder, URI: root}))

	stable := filepath.Join(root, "stable.md")
	require.NoError(t, os.WriteFile(stable, []byte("# Stable\n\nUnchanging note.\n"), 0o644))
	toModify := filepath.Join(root, "modify-me.md")
	require.NoError(t, os.WriteFile(toModify, []byte("# Before\n\nOriginal content here.\n"), 0o644))
	toDelete := filepath.Join(root, "delete-me.md")
	require.NoError(t, os.WriteFile(toDelete, []byte("# Gone\n\nWill be removed.\n"), 0o644))

	_, results := pipe.IngestPaths(context.Background(), "src1", []string{stable, toModify, toDelete})
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	require.NoError(t, os.Remove(toDelete))
	time.Sleep(1100 * time.Millisecond) // exceed second-truncated mtime comparison granularity
	require.NoError(t, os.WriteFile(toModify, []byte("# After\n\nChanged content entirely.\n"), 0o644))
	added := filepath.Join(root, "new.md")
	require.NoError(t, os.WriteFile(added, []byte("# New\n\nBrand new file.\n"), 0o644))

	changes, err := Reconcile(context.Background(), st, "src1", root, []string{"*.md"}, nil)
	require.NoError(t, err)

	byPath := make(map[string]ChangeKind, len(changes))
	for _, c := range changes {
		byPath[c.Path] = c.Kind
	}

	assert.Equal(t, ChangeAdded, byPath[added])
	assert.Equal(t, ChangeModified, byPath[toModify])
	assert.Equal(t, ChangeDeleted, byPath[toDelete])
	_, stableChanged := byPath[stable]
	assert.False(t, stableChanged)
}

func TestReconcile_EmptySourceHasNoIndexedDocuments(t *testing.T) {
	dbDir := t.TempDir()
	st, err := store.Open(filepath.Join(dbDir, "ctxc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	root := t.TempDir()
	changes, err := Reconcile(context.Background(), st, "src-empty", root, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
}
