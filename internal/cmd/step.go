package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/internal/observability"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/lifecycle"
	"github.com/3leaps/batchkeeper/pkg/runlock"
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run a single lifecycle transition",
	Long: `Run one transition of the lifecycle under the run lock, outside a full pass.

Examples:
  batchkeeper step prepare --id 42
  batchkeeper step enqueue --limit 10
  batchkeeper step reconcile
  batchkeeper step convert --limit 1
  batchkeeper step archive --limit 1`,
}

var stepPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Generate inputs for prepared batches (prepared -> inputed)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		rawOrder, _ := cmd.Flags().GetString("order")
		id, _ := cmd.Flags().GetInt64("id")
		order, err := batchstore.ParseOrder(rawOrder)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --order value", err)
		}
		if id > 0 {
			order = batchstore.OrderByID
		}
		if order == batchstore.OrderByID && id <= 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --id value", fmt.Errorf("--order specific requires --id"))
		}
		opts := lifecycle.PrepareOptions{Limit: limit, Order: order, ID: id}
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.PrepareInput(ctx, opts, rep)
		})
	},
}

var stepEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit inputed batches to the scheduler (inputed -> queued)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Enqueue(ctx, limit, rep)
		})
	},
}

var stepReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile queued batches with scheduler accounting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Reconcile(ctx, rep)
		})
	},
}

var stepConvertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert successful batches to archival format (success -> netcdfized)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Convert(ctx, limit, rep)
		})
	},
}

var stepArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Package converted batches (netcdfized -> archived)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Archive(ctx, limit, rep)
		})
	},
}

func init() {
	rootCmd.AddCommand(stepCmd)
	stepCmd.PersistentFlags().Bool("json", false, "Print the report as JSON")

	stepPrepareCmd.Flags().Int("limit", 0, "Maximum batches to prepare (0 = all)")
	stepPrepareCmd.Flags().String("order", "ordered", "Selection order: ordered, random or specific")
	stepPrepareCmd.Flags().Int64("id", 0, "Prepare only this batch id")
	stepEnqueueCmd.Flags().Int("limit", 0, "Maximum batches to submit (0 = all)")
	stepConvertCmd.Flags().Int("limit", 0, "Maximum batches to convert (0 = all)")
	stepArchiveCmd.Flags().Int("limit", 0, "Maximum batches to archive (0 = all)")

	stepCmd.AddCommand(stepPrepareCmd, stepEnqueueCmd, stepReconcileCmd, stepConvertCmd, stepArchiveCmd)
}

type transitionFunc func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error

// runStep runs fn under the run lock and prints its report.
func runStep(cmd *cobra.Command, fn transitionFunc) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if cmd.Flags().Lookup("limit") != nil {
		if n, _ := cmd.Flags().GetInt("limit"); n < 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
		}
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	lock := newLock(a.cfg)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Another process holds the run lock", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to acquire run lock", err)
	}
	stop := lock.StartHeartbeat(ctx)
	defer func() {
		stop()
		if err := lock.Release(); err != nil {
			observability.CLILogger.Warn("Failed to release run lock", zap.Error(err))
		}
	}()

	rep := lifecycle.NewReport()
	ferr := fn(context.WithoutCancel(ctx), a.engine, rep)
	if err := writeReport(cmd.OutOrStdout(), rep, jsonOutput); err != nil {
		return err
	}
	return transitionError(ferr)
}

// transitionError maps errors returned by an engine transition.
func transitionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrEmptyFilter):
		return exitError(foundry.ExitInvalidArgument, "No batches selected", err)
	case errors.Is(err, lifecycle.ErrNotConfirmed):
		return exitError(foundry.ExitInvalidArgument, "Not confirmed", err)
	case batchstore.IsStoreError(err):
		return exitError(foundry.ExitFileWriteError, "Database failure", err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, "Transition aborted", err)
}
