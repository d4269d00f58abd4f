package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/ingest"
	"github.com/context-cache/context-cache/internal/store"
)

func newIngestCmd() *cobra.Command {
	var sourceID, path string
	var all bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one source, one path, or every registered source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceID == "" && path == "" && !all {
				return ccerr.New(ccerr.KindValidation, "one of --source, --path, or --all is required")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			switch {
			case all:
				sources, err := a.Store.ListSources(ctx)
				if err != nil {
					return err
				}
				for _, src := range sources {
					if err := ingestOneSource(cmd, ctx, a, src.ID); err != nil {
						return err
					}
				}
			case sourceID != "":
				if err := ingestOneSource(cmd, ctx, a, sourceID); err != nil {
					return err
				}
			case path != "":
				srcID, err := adHocSourceFor(ctx, a, path)
				if err != nil {
					return err
				}
				stats, results := a.Pipeline.IngestPaths(ctx, srcID, []string{path})
				reportIngest(cmd, path, stats, results)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "ingest one registered source by id")
	cmd.Flags().StringVar(&path, "path", "", "ingest a single file path directly")
	cmd.Flags().BoolVar(&all, "all", false, "ingest every registered source")
	return cmd
}

func ingestOneSource(cmd *cobra.Command, ctx context.Context, a *app, sourceID string) error {
	sources, err := a.Store.ListSources(ctx)
	if err != nil {
		return err
	}
	var found bool
	for _, src := range sources {
		if src.ID != sourceID {
			continue
		}
		found = true
		includeGlob := src.IncludeGlob
		if includeGlob == "" {
			includeGlob = "*"
		}
		paths, err := ingest.WalkSource(src.URI, []string{includeGlob}, splitGlobArg(src.ExcludeGlob))
		if err != nil {
			return ccerr.Wrap(ccerr.KindIO, "walk source", err)
		}
		stats, results := a.Pipeline.IngestPaths(ctx, src.ID, paths)
		reportIngest(cmd, src.URI, stats, results)
	}
	if !found {
		return ccerr.New(ccerr.KindNotFound, "unknown source").WithDetail(sourceID)
	}
	return nil
}

// adHocSourceFor registers (idempotently) a source row for a directly
// ingested path's parent directory, since documents.source_id is a foreign
// key and --path has no pre-registered source of its own. The id is
// deterministic on the directory so repeated --path calls reuse one row
// instead of accumulating a new source per invocation.
func adHocSourceFor(ctx context.Context, a *app, path string) (string, error) {
	dir := filepath.Dir(path)
	sum := sha256.Sum256([]byte("adhoc:" + dir))
	id := hex.EncodeToString(sum[:])[:32]
	src := &store.Source{ID: id, Kind: store.SourceOther, URI: dir, Label: "ad hoc: " + dir}
	if err := a.Store.UpsertSource(ctx, src); err != nil {
		return "", err
	}
	return id, nil
}

func splitGlobArg(g string) []string {
	if g == "" {
		return nil
	}
	return []string{g}
}

func reportIngest(cmd *cobra.Command, label string, stats store.IngestStats, results []ingest.FileResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d added, %d skipped, %d chunks, %dms\n",
		label, stats.DocumentsAdded, stats.DocumentsSkipped, stats.Chunks, stats.DurationMS)
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  error: %s: %s\n", r.Path, r.Err)
		}
	}
}
