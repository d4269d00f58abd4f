// Package main is the entry point for the ctxc CLI and daemon.
package main

import (
	"os"

	"github.com/context-cache/context-cache/cmd/ctxc/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
