package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newWhyCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "why <query_id>",
		Short: "Replay the frozen result snapshot recorded for a past query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.Retriever.Why(context.Background(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"query_id": args[0], "results": items})
			}

			out := cmd.OutOrStdout()
			if isTTY(out) {
				for _, item := range items {
					fmt.Fprintf(out, "%d. chunk=%s score=%.4f %s\n",
						item.Rank, item.ChunkID, item.Score, item.Provenance.Path)
				}
			} else {
				for _, item := range items {
					fmt.Fprintf(out, "%d\t%s\t%.4f\t%s\n", item.Rank, item.ChunkID, item.Score, item.Provenance.Path)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}
