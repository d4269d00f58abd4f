package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/store"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage watched source roots",
	}
	cmd.AddCommand(newSourcesAddCmd())
	cmd.AddCommand(newSourcesListCmd())
	cmd.AddCommand(newSourcesRemoveCmd())
	return cmd
}

func newSourcesAddCmd() *cobra.Command {
	var kind, label, includeGlob, excludeGlob string

	cmd := &cobra.Command{
		Use:   "add <uri>",
		Short: "Register a new watched folder, mbox, or eml source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return ccerr.New(ccerr.KindValidation, "--kind is required")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			src := &store.Source{
				ID:          uuid.NewString(),
				Kind:        store.SourceKind(kind),
				URI:         args[0],
				Label:       label,
				IncludeGlob: includeGlob,
				ExcludeGlob: excludeGlob,
			}
			if err := a.Store.UpsertSource(context.Background(), src); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source added: %s (%s)\n", src.ID, src.URI)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "source kind: folder, mbox, eml, markdown, notion_export, other (required)")
	cmd.Flags().StringVar(&label, "label", "", "human-readable label")
	cmd.Flags().StringVar(&includeGlob, "include", "", "glob of files to include (basename match)")
	cmd.Flags().StringVar(&excludeGlob, "exclude", "", "glob of files to exclude (basename match)")
	return cmd
}

func newSourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			sources, err := a.Store.ListSources(context.Background())
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sources registered")
				return nil
			}
			for _, s := range sources {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %s  %s\n", s.ID, s.Kind, s.URI, s.Label)
			}
			return nil
		},
	}
}

func newSourcesRemoveCmd() *cobra.Command {
	var hard bool

	cmd := &cobra.Command{
		Use:   "remove <source_id>",
		Short: "Remove a source and soft-delete its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			docs, err := a.Store.DocumentsBySource(ctx, args[0])
			if err != nil {
				return err
			}
			for _, d := range docs {
				if hard {
					chunks, err := a.Store.ChunksByDocument(ctx, d.ID)
					if err != nil {
						return err
					}
					ids := make([]string, len(chunks))
					for i, c := range chunks {
						ids[i] = c.ID
					}
					if err := a.Store.HardDeleteDocument(ctx, d.ID); err != nil {
						return err
					}
					if len(ids) > 0 {
						_ = a.Vectors.Remove(ctx, ids)
					}
					continue
				}
				if err := a.Store.MarkDeleted(ctx, d.ID); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d document(s) from source %s\n", len(docs), args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&hard, "hard", false, "permanently delete instead of soft-delete")
	return cmd
}
