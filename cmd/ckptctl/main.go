// Command ckptctl launches, checkpoints and restarts coordinated jobs.
package main

import (
	"fmt"
	"os"

	"github.com/3leaps/ckptctl/internal/cmd"
	"github.com/3leaps/ckptctl/internal/observability"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	err := cmd.Execute()
	observability.Sync()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cmd.ExitCode(err))
}
