package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/3leaps/batchkeeper/internal/metrics"
	"github.com/3leaps/batchkeeper/internal/observability"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/coordinator"
	"github.com/3leaps/batchkeeper/pkg/runlock"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform one lifecycle pass",
	Long: `Perform one lifecycle pass under the run lock:

  prepare input and enqueue up to the free queue capacity,
  reconcile finished batches, convert successful ones to archival format,
  reconcile again, and (with --archive) package converted batches.

Intended to be invoked periodically from cron or a systemd timer. With
--interval the command keeps running and starts a pass on every tick.

Examples:
  batchkeeper run
  batchkeeper run --queue-limit 50 --archive
  batchkeeper run --interval 15m --json`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Int("queue-limit", 0, "Scheduler queue limit (overrides run.queue_limit)")
	runCmd.Flags().String("order", "", "Prepare order: ordered or random (overrides run.prepare_order)")
	runCmd.Flags().Bool("archive", false, "Archive converted batches (overrides run.archive)")
	runCmd.Flags().Duration("interval", 0, "Repeat passes at this interval until interrupted")
	runCmd.Flags().Bool("json", false, "Print the pass summary as JSON")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --interval value", fmt.Errorf("interval must be >= 0"))
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ccfg, err := a.cfg.CoordinatorConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}
	if cmd.Flags().Changed("queue-limit") {
		n, _ := cmd.Flags().GetInt("queue-limit")
		if n < 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --queue-limit value", fmt.Errorf("queue limit must be >= 0"))
		}
		ccfg.QueueLimit = n
	}
	if cmd.Flags().Changed("order") {
		raw, _ := cmd.Flags().GetString("order")
		order, err := batchstore.ParseOrder(raw)
		if err != nil || order == batchstore.OrderByID {
			return exitError(foundry.ExitInvalidArgument, "Invalid --order value", fmt.Errorf("order must be ordered or random"))
		}
		ccfg.PrepareOrder = order
	}
	if cmd.Flags().Changed("archive") {
		ccfg.Archive, _ = cmd.Flags().GetBool("archive")
	}

	collector := metrics.NewCollector()
	coord := coordinator.New(ccfg, a.engine, a.gateway, newLock(a.cfg),
		coordinator.WithObserver(collector),
		coordinator.WithStateCounter(a.store),
		coordinator.WithLogger(observability.CLILogger.Named("coordinator")),
	)

	pass := func() error {
		sum, err := coord.Run(ctx)
		if path := a.cfg.Metrics.Textfile; a.cfg.Metrics.Enabled && path != "" {
			if werr := collector.WriteToTextfile(path); werr != nil {
				observability.CLILogger.Warn("Failed to write metrics textfile", zap.String("path", path), zap.Error(werr))
			}
		}
		if sum != nil {
			if perr := printSummary(cmd, sum, jsonOutput); perr != nil {
				return perr
			}
		}
		return passError(err)
	}

	if interval == 0 {
		return pass()
	}

	ticker := clock.RealClock{}.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pass(); err != nil {
			// A contended lock only skips this tick.
			if !errors.Is(err, runlock.ErrHeld) {
				return err
			}
			observability.CLILogger.Warn("Skipping pass", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func passError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runlock.ErrHeld):
		return exitError(foundry.ExitExternalServiceUnavailable, "Another pass holds the run lock", err)
	case errors.Is(err, coordinator.ErrCancelled):
		return exitError(foundry.ExitSignalInt, "Pass cancelled", err)
	case batchstore.IsStoreError(err):
		return exitError(foundry.ExitFileWriteError, "Pass aborted on a database failure", err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, "Pass aborted", err)
}

func printSummary(cmd *cobra.Command, sum *coordinator.Summary, asJSON bool) error {
	w := cmd.OutOrStdout()
	if asJSON {
		out := struct {
			*coordinator.Summary
			Errors []string `json:"errors,omitempty"`
		}{Summary: sum}
		for _, err := range sum.Report.Errors() {
			out.Errors = append(out.Errors, err.Error())
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	_, _ = fmt.Fprintf(w, "pass=%s capacity=%d duration=%s\n",
		sum.PassID, sum.Capacity, sum.Finished.Sub(sum.Started).Round(time.Millisecond))
	return writeReport(w, sum.Report, false)
}
