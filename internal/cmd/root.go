// Package cmd implements the batchkeeper command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/internal/config"
	"github.com/3leaps/batchkeeper/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	appIdentity *config.Identity

	cfgFile  string
	logLevel string
	dbPath   string
)

// GetAppIdentity returns the identity resolved by the last config load.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "batchkeeper",
	Short: "Drive HPC simulation batches through their lifecycle",
	Long: `batchkeeper tracks simulation batches in a SQLite database and moves them
through prepared -> inputed -> queued -> success/failed -> netcdfized -> archived,
submitting to and reconciling with a SLURM scheduler.

A periodic "batchkeeper run" (cron or systemd timer) performs one pass under a
run lock. Manual commands (cancel, hold, release, trash, tar) act on batches
selected with --filter.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./batchkeeper.yaml, then the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Batch database path or libsql URL (overrides store.path/store.url)")
}

// setDefaults seeds the global viper instance; Load uses its own instance
// with the same defaults.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides())
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to load configuration", err)
	}
	appIdentity = config.GetIdentity()
	setDefaults()

	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile, appIdentity.BinaryName); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store", cfg.Store.Path),
		zap.String("lock", cfg.Run.LockPath),
		zap.String("version", versionInfo.Version),
	)
	return nil
}

func flagOverrides() map[string]any {
	o := map[string]any{}
	if s := strings.TrimSpace(logLevel); s != "" {
		o["logging.level"] = s
	}
	if s := strings.TrimSpace(dbPath); s != "" {
		if strings.HasPrefix(s, "libsql://") || strings.HasPrefix(s, "https://") {
			o["store.url"] = s
		} else {
			o["store.path"] = s
		}
	}
	return o
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// exitError attaches a foundry exit code to err.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	} else {
		err = fmt.Errorf("%s: %w", message, err)
	}
	return &exitCodeError{code: code, err: fmt.Errorf("%w (exit code %d)", err, code)}
}
