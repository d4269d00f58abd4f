package cmd

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// isTTY reports whether w is a terminal, the same check the teacher's
// internal/ui.IsTTY uses to decide between a live renderer and plain output.
// This CLI has no TUI renderer to switch to, so the only decision it gates
// is how densely query/why results are printed: a terminal gets a
// human-scannable form per result (a multi-line block for query, one
// labelled line for why), anything else (a pipe, a
// redirected file) gets one compact tab-separated line per result so
// downstream tools like `cut`/`awk` see stable columns.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
