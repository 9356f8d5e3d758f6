// ============================================================================
// MachaonWeb Coordinator - Main Entry Point
// ============================================================================
//
// File: cmd/machaonweb/main.go
// Purpose: Application entry point and CLI initialization.
//
// Grounded on cmd/queue/main.go (teacher): panic recovery, build the Cobra
// command tree, run it, map a returned error to a nonzero exit code.
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/anastasiadoulab/machaonweb-coordinator/internal/cli"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
