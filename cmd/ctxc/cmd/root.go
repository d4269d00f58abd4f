// Package cmd provides the ctxc CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/context-cache/context-cache/internal/ccerr"
)

var (
	flagDBPath  string
	flagHost    string
	flagWorkers int
)

// NewRootCmd builds the root command and registers every subcommand.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ctxc",
		Short:         "Local-first hybrid retrieval over your notes, PDFs, email, and markdown",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagDBPath, "db-path", "", "override the store path (default: config/$CTXC_DB_PATH/~/.context-cache/cc.db)")
	root.PersistentFlags().StringVar(&flagHost, "host", "", "override the HTTP bind address used by 'serve'")
	root.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "override the scheduler worker count")

	root.AddCommand(newSourcesCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newWhyCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newServeCmd())

	return root
}

// Execute runs the root command and maps any failure to one of the four
// documented exit codes (0 success, 2 usage error, 3 backend unreachable,
// 4 server error).
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ctxc:", err)
		if ce, ok := err.(*ccerr.Error); ok {
			return ccerr.ExitCode(ce.Kind)
		}
		return 4
	}
	return 0
}
