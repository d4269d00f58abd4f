package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args against a fresh db path rooted
// in t.TempDir(), mirroring how a real invocation resolves --db-path, and
// returns everything written to stdout/stderr.
func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"--db-path", dbPath}, args...))
	err := root.Execute()
	return buf.String(), err
}

func newTestDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ctxc.db")
}

func TestSourcesAddListRemove(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()

	out, err := runCLI(t, db, "sources", "add", dir, "--kind", "folder", "--label", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "source added")

	out, err = runCLI(t, db, "sources", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "notes")
	assert.Contains(t, out, dir)

	fields := strings.Fields(out)
	require.NotEmpty(t, fields)
	sourceID := fields[0]

	out, err = runCLI(t, db, "sources", "remove", sourceID)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 document(s)")
}

func TestSourcesAdd_MissingKindIsUsageError(t *testing.T) {
	db := newTestDB(t)
	_, err := runCLI(t, db, "sources", "add", "file:///tmp/x")
	require.Error(t, err)
}

func TestIngestPath_RegistersAdHocSourceAndIndexesFile(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Sourdough\n\nA note about baking bread at home.\n"), 0o644))

	out, err := runCLI(t, db, "ingest", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 added")

	out, err = runCLI(t, db, "query", "sourdough bread", "--k", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "query_id:")
}

func TestIngestSource_WalksFolderAndReportsStats(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# A\n\nFirst note.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("# B\n\nSecond note.\n"), 0o644))

	out, err := runCLI(t, db, "sources", "add", dir, "--kind", "folder", "--include", "*.md")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 4) // "source added: <id> (<uri>)"
	sourceID := fields[2]

	out, err = runCLI(t, db, "ingest", "--source", sourceID)
	require.NoError(t, err)
	assert.Contains(t, out, "2 added")
}

func TestIngest_NoModeFlagIsUsageError(t *testing.T) {
	db := newTestDB(t)
	_, err := runCLI(t, db, "ingest")
	require.Error(t, err)
}

func TestQueryThenWhy_ReplaysSameResults(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Sourdough starter\n\nFeeding a sourdough starter daily keeps it active.\n"), 0o644))

	_, err := runCLI(t, db, "ingest", "--path", path)
	require.NoError(t, err)

	out, err := runCLI(t, db, "query", "sourdough starter", "--json")
	require.NoError(t, err)
	require.Contains(t, out, "\"query_id\"")

	idx := strings.Index(out, "\"query_id\": \"")
	require.GreaterOrEqual(t, idx, 0)
	rest := out[idx+len("\"query_id\": \""):]
	queryID := rest[:strings.Index(rest, "\"")]
	require.NotEmpty(t, queryID)

	out, err = runCLI(t, db, "why", queryID)
	require.NoError(t, err)
	// SetOut uses a bytes.Buffer (not a *os.File), so isTTY is false and why
	// prints its tab-separated, non-interactive format.
	assert.Regexp(t, `^\d+\t\S+\t[\d.]+\t`, strings.SplitN(out, "\n", 2)[0])
}

func TestExport_WritesOneJSONLineDocument(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Export me\n\nThis note should show up in the export dump.\n"), 0o644))

	_, err := runCLI(t, db, "ingest", "--path", path)
	require.NoError(t, err)

	out, err := runCLI(t, db, "export")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "\"document_id\"")
	assert.Contains(t, lines[0], "\"chunks\"")
}
