package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Register and inspect batches",
}

var batchAddCmd = &cobra.Command{
	Use:   "add <dir>...",
	Short: "Register batch directories in state prepared",
	Long: `Register one or more batch directories. The number of jobs is taken from the
directory layout (the batch manifest, or run* subdirectories).

Parameters given with --param are stored with the batch and can be used in
filters.

Examples:
  batchkeeper batch add /scratch/scan07/b12 --param Ti_Te_rel=0.5 --param nu=1e-3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatchAdd,
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	Long: `List batches, optionally restricted by state and filter.

` + filterHelp + `

Examples:
  batchkeeper batch list --state queued
  batchkeeper batch list --filter 'Ti_Te_rel<=0.5' --json`,
	Args: cobra.NoArgs,
	RunE: runBatchList,
}

var batchShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a batch with its jobs and parameters",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchShow,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchAddCmd, batchListCmd, batchShowCmd)

	batchAddCmd.Flags().StringArray("param", nil, "Batch parameter name=value (repeatable)")

	batchListCmd.Flags().StringArray("state", nil, "Restrict to this state (repeatable)")
	batchListCmd.Flags().StringArray("filter", nil, "Filter predicate (repeatable)")
	batchListCmd.Flags().Int("limit", 0, "Maximum batches to list (0 = all)")
	batchListCmd.Flags().Bool("json", false, "Output as JSON")

	batchShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func parseParams(raw []string) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for _, r := range raw {
		name, value, ok := strings.Cut(r, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", r)
		}
		// The name must be usable in a filter.
		if _, err := batchstore.ParsePredicate(batchstore.ParamPrefix + name + "=0"); err != nil {
			return nil, fmt.Errorf("parameter name %q: %w", name, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: value is not a number", r)
		}
		out[name] = v
	}
	return out, nil
}

func runBatchAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rawParams, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(rawParams)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --param value", err)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, arg := range args {
		dir, err := filepath.Abs(arg)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid batch path", err)
		}
		b, err := a.engine.RegisterBatch(ctx, dir, params)
		if err != nil {
			if batchstore.IsStoreError(err) {
				return exitError(foundry.ExitFileWriteError, "Failed to register batch", err)
			}
			return exitError(foundry.ExitFileNotFound, "Failed to register batch", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "id=%d path=%s state=%s\n", b.ID, b.Path, b.State)
	}
	return nil
}

func runBatchList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rawStates, _ := cmd.Flags().GetStringArray("state")
	rawFilter, _ := cmd.Flags().GetStringArray("filter")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	sel := batchstore.Selection{Order: batchstore.OrderInsertion, Limit: limit}
	for _, raw := range rawStates {
		st, err := batchstore.ParseState(raw)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --state value", err)
		}
		sel.States = append(sel.States, st)
	}
	filter, err := batchstore.ParseFilter(rawFilter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --filter value", err)
	}
	sel.Filter = filter
	if limit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	batches, err := store.SelectBatches(ctx, sel)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list batches", err)
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		if batches == nil {
			batches = []batchstore.Batch{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(batches)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATE\tJOB\tPATH\tNOTE")
	for _, b := range batches {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.State, dash(b.JobNumber), b.Path, b.Note)
	}
	return tw.Flush()
}

func runBatchShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid batch id", err)
	}

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	b, err := store.GetBatch(ctx, id)
	if errors.Is(err, batchstore.ErrNotFound) {
		return exitError(foundry.ExitFileNotFound, "Batch not found", err)
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read batch", err)
	}
	jobs, err := store.ListJobs(ctx, id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read jobs", err)
	}
	params, err := store.ListParams(ctx, id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read parameters", err)
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*batchstore.Batch
			Jobs   []batchstore.Job   `json:"jobs"`
			Params map[string]float64 `json:"params,omitempty"`
		}{b, jobs, params})
	}

	_, _ = fmt.Fprintf(w, "id:         %d\n", b.ID)
	_, _ = fmt.Fprintf(w, "path:       %s\n", b.Path)
	_, _ = fmt.Fprintf(w, "state:      %s\n", b.State)
	_, _ = fmt.Fprintf(w, "job_number: %s\n", dash(b.JobNumber))
	_, _ = fmt.Fprintf(w, "note:       %s\n", dash(b.Note))
	_, _ = fmt.Fprintf(w, "created_at: %s\n", b.CreatedAt)
	_, _ = fmt.Fprintf(w, "updated_at: %s\n", b.UpdatedAt)
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for n := range params {
			names = append(names, n)
		}
		sort.Strings(names)
		_, _ = fmt.Fprintln(w, "params:")
		for _, n := range names {
			_, _ = fmt.Fprintf(w, "  %s = %g\n", n, params[n])
		}
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tSTATE\tNOTE")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", j.Index, j.State, j.Note)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
