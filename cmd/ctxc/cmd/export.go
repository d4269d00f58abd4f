package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// exportRow is one line of the JSONL export: a document and its chunks,
// enough to rebuild the corpus (minus vectors, which are rebuildable from
// text) without a copy of the original files.
type exportRow struct {
	DocumentID string   `json:"document_id"`
	SourceID   string   `json:"source_id"`
	Title      string   `json:"title"`
	MIME       string   `json:"mime"`
	SHA256     string   `json:"sha256"`
	Tags       []string `json:"tags,omitempty"`
	Chunks     []struct {
		ChunkID string `json:"chunk_id"`
		Ordinal int    `json:"ordinal"`
		Text    string `json:"text"`
	} `json:"chunks"`
}

func newExportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump every document and its chunks as newline-delimited JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			ctx := context.Background()
			sources, err := a.Store.ListSources(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(out)
			for _, src := range sources {
				docs, err := a.Store.DocumentsBySource(ctx, src.ID)
				if err != nil {
					return err
				}
				for _, doc := range docs {
					chunks, err := a.Store.ChunksByDocument(ctx, doc.ID)
					if err != nil {
						return err
					}
					tags, err := a.Store.TagsByDocument(ctx, doc.ID)
					if err != nil {
						return err
					}

					row := exportRow{
						DocumentID: doc.ID,
						SourceID:   doc.SourceID,
						Title:      doc.Title,
						MIME:       doc.MIME,
						SHA256:     doc.SHA256,
						Tags:       tags,
					}
					for _, c := range chunks {
						row.Chunks = append(row.Chunks, struct {
							ChunkID string `json:"chunk_id"`
							Ordinal int    `json:"ordinal"`
							Text    string `json:"text"`
						}{ChunkID: c.ID, Ordinal: c.Ordinal, Text: c.Text})
					}
					if err := enc.Encode(row); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write to this file instead of stdout")
	return cmd
}
