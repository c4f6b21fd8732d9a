package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the batch database",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the batch database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		db, _, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		_ = db.Close()

		where := cfg.Store.Path
		if cfg.Store.URL != "" {
			where = cfg.Store.URL
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Batch database initialized")
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "db=%s\n", where)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
}
