package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/batchkeeper/pkg/runlock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or break the run lock",
}

var lockShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the run lock holder",
	Args:  cobra.NoArgs,
	RunE:  runLockShow,
}

var lockBreakCmd = &cobra.Command{
	Use:   "break",
	Short: "Remove a stale run lock",
	Long: `Remove the run lock file. Only a stale lock (expired heartbeat, or a dead
process on this host) is removed unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runLockBreak,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockShowCmd, lockBreakCmd)
	lockShowCmd.Flags().Bool("json", false, "Output as JSON")
	lockBreakCmd.Flags().Bool("force", false, "Remove the lock even if its holder looks alive")
}

func runLockShow(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	st, err := newLock(cfg).Inspect()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to inspect run lock", err)
	}
	w := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	_, _ = fmt.Fprintf(w, "path=%s held=%t stale=%t\n", st.Path, st.Held, st.Stale)
	if r := st.Record; r != nil {
		_, _ = fmt.Fprintf(w, "owner=%s pid=%d host=%s acquired=%s heartbeat=%s ttl=%s\n",
			r.Owner, r.PID, r.Host,
			r.AcquiredAt.Format(time.RFC3339), r.HeartbeatAt.Format(time.RFC3339), r.TTL())
	}
	return nil
}

func runLockBreak(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	if err := newLock(cfg).Break(force); err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return exitError(foundry.ExitInvalidArgument, "Run lock is held by a live process (use --force)", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to break run lock", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Run lock removed")
	return nil
}
