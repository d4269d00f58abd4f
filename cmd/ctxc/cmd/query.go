package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/context-cache/context-cache/internal/retrieve"
)

func newQueryCmd() *cobra.Command {
	var k int
	var hybrid, rerank bool
	var filterSourceID string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a hybrid dense+sparse retrieval query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryText := strings.Join(args, " ")

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			opts := retrieve.Options{
				K:             k,
				Hybrid:        hybrid,
				Rerank:        rerank,
				RerankEnabled: rerank,
				ReturnText:    true,
			}
			if filterSourceID != "" {
				opts.Filters.SourceID = filterSourceID
			}

			resp, err := a.Retriever.Query(context.Background(), queryText, opts)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "query_id: %s\n", resp.QueryID)
			if isTTY(out) {
				for _, item := range resp.Results {
					fmt.Fprintf(out, "%d. %s (score %.4f)\n   %s\n   %s\n",
						item.Rank, item.Provenance.Path, item.Score, item.Snippet, item.DeepLink)
				}
			} else {
				for _, item := range resp.Results {
					fmt.Fprintf(out, "%d\t%.4f\t%s\t%s\n", item.Rank, item.Score, item.Provenance.Path, item.DeepLink)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&k, "k", 8, "number of results to return (1-50)")
	cmd.Flags().BoolVar(&hybrid, "hybrid", true, "combine dense and sparse search")
	cmd.Flags().BoolVar(&rerank, "rerank", true, "apply the configured reranker")
	cmd.Flags().StringVar(&filterSourceID, "filter", "", "restrict full-text matches to one source id (dense matches are not filtered)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}
