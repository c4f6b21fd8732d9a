// Command batchkeeper drives HPC simulation batches through their lifecycle.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/batchkeeper/internal/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
