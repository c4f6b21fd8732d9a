package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/lifecycle"
)

const filterHelp = `Filters have the form field<op>value with op one of = != < <= > >= ~.
Fields are batch columns (id, path, state, job_number, note, created_at,
updated_at) or batch parameters (e.g. Ti_Te_rel, or param.Ti_Te_rel).
~ matches a glob. Repeated --filter flags are joined with AND.`

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel queued batches at the scheduler (queued -> cancelled)",
	Long: `Cancel queued batches matching the filter. A batch whose cancellation the
scheduler rejects stays queued.

` + filterHelp + `

Examples:
  batchkeeper cancel --filter 'Ti_Te_rel<=0.5'
  batchkeeper cancel --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		scope, err := scopeFromFlags(cmd)
		if err != nil {
			return err
		}
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Cancel(ctx, scope, rep)
		})
	},
}

var holdCmd = &cobra.Command{
	Use:   "hold",
	Short: "Hold prepared or inputed batches (-> hold)",
	Long: `Move prepared and inputed batches matching the filter to hold, so that no
pass prepares or submits them until they are released.

` + filterHelp,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		scope, err := scopeFromFlags(cmd)
		if err != nil {
			return err
		}
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Hold(ctx, scope, rep)
		})
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release held batches (hold -> inputed or prepared)",
	Long: `Release held batches matching the filter. A batch whose inputs are all
present returns to inputed; otherwise it returns to prepared.

` + filterHelp,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		scope, err := scopeFromFlags(cmd)
		if err != nil {
			return err
		}
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Release(ctx, scope, rep)
		})
	},
}

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "Delete prepared batch directories (prepared -> trashed)",
	Long: `Remove the directory of every prepared batch matching the filter (all
prepared batches when no filter is given) and mark it trashed.

This is destructive. The command asks for confirmation unless --yes is given.

` + filterHelp,
	Args: cobra.NoArgs,
	RunE: runTrash,
}

var tarCmd = &cobra.Command{
	Use:   "tar",
	Short: "Package batch directories without removing them",
	Long: `Write a compressed tarball next to each matching batch directory. Batch
state is not changed.

` + filterHelp + `

Examples:
  batchkeeper tar --filter 'Ti_Te_rel=0.5' --limit 2`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		scope, err := scopeFromFlags(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
			return e.Tar(ctx, scope, limit, rep)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{cancelCmd, holdCmd, releaseCmd, trashCmd, tarCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringArray("filter", nil, "Filter predicate, e.g. 'Ti_Te_rel<=0.5' (repeatable)")
		c.Flags().Bool("json", false, "Print the report as JSON")
	}
	for _, c := range []*cobra.Command{cancelCmd, holdCmd, releaseCmd, tarCmd} {
		c.Flags().Bool("all", false, "Act on every eligible batch when no filter is given")
	}
	tarCmd.Flags().Int("limit", 0, "Maximum batches to package (0 = all)")
	trashCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
}

func scopeFromFlags(cmd *cobra.Command) (lifecycle.Scope, error) {
	raw, _ := cmd.Flags().GetStringArray("filter")
	filter, err := batchstore.ParseFilter(raw)
	if err != nil {
		return lifecycle.Scope{}, exitError(foundry.ExitInvalidArgument, "Invalid --filter value", err)
	}
	var all bool
	if cmd.Flags().Lookup("all") != nil {
		all, _ = cmd.Flags().GetBool("all")
	}
	scope := lifecycle.Scope{Filter: filter, All: all}
	if len(filter) == 0 && !all {
		return scope, exitError(foundry.ExitInvalidArgument, "No batches selected", fmt.Errorf("%w: pass --filter or --all", lifecycle.ErrEmptyFilter))
	}
	return scope, nil
}

func runTrash(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetStringArray("filter")
	filter, err := batchstore.ParseFilter(raw)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --filter value", err)
	}
	scope := lifecycle.Scope{Filter: filter, All: len(filter) == 0}

	confirmed, _ := cmd.Flags().GetBool("yes")
	if !confirmed {
		what := "ALL prepared batches"
		if len(filter) > 0 {
			what = "prepared batches matching " + filter.String()
		}
		confirmed, err = confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
			fmt.Sprintf("This deletes the directories of %s. Continue? [y/N] ", what))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to read confirmation", err)
		}
		if !confirmed {
			return exitError(foundry.ExitInvalidArgument, "Trash aborted", lifecycle.ErrNotConfirmed)
		}
	}
	return runStep(cmd, func(ctx context.Context, e *lifecycle.Engine, rep *lifecycle.Report) error {
		return e.Trash(ctx, scope, confirmed, rep)
	})
}

// confirm asks a yes/no question; anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	_, _ = fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
