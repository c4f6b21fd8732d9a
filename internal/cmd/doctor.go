package cmd

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/internal/config"
	errwrap "github.com/3leaps/batchkeeper/internal/errors"
	"github.com/3leaps/batchkeeper/internal/observability"
	"github.com/3leaps/batchkeeper/pkg/scheduler/slurm"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment a pass depends on: the batch
database, the scheduler commands, the run lock and, when offload is enabled,
object storage credentials.

Examples:
  batchkeeper doctor`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{"environment", func(context.Context, *config.Config) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"batch database", checkStore},
		{"scheduler commands", checkSchedulerCommands},
		{"scheduler queue", checkSchedulerQueue},
		{"run lock", checkLock},
	}
	if cfg.Offload.Enabled && strings.EqualFold(cfg.Offload.Provider, "s3") {
		checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	_, _ = fmt.Fprintf(w, "=== %s ===\n\n", bannerName)

	checks := doctorChecks(cfg)
	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context(), cfg)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "[%d/%d] %s... FAIL %v\n", i+1, len(checks), c.name, err)
			observability.CLILogger.Debug("Doctor check failed", zap.String("check", c.name), zap.Error(err))
			if c.name == "AWS credentials" {
				printAWSCredentialsHelp(w)
			}
			continue
		}
		_, _ = fmt.Fprintf(w, "[%d/%d] %s... ok %s\n", i+1, len(checks), c.name, detail)
	}

	_, _ = fmt.Fprintln(w)
	if failed > 0 {
		_, _ = fmt.Fprintf(w, "%d of %d checks failed.\n", failed, len(checks))
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor checks failed",
			errwrap.NewExternalServiceError(fmt.Sprintf("%d of %d checks failed", failed, len(checks))))
	}
	_, _ = fmt.Fprintln(w, "All checks passed.")
	return nil
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()
	counts, err := store.CountByState(ctx)
	if err != nil {
		return "", errwrap.WrapInternal(err, "Cannot read batch database")
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return fmt.Sprintf("%d batches", total), nil
}

func checkSchedulerCommands(_ context.Context, cfg *config.Config) (string, error) {
	s := cfg.Scheduler
	var found []string
	for _, argv := range [][]string{s.QueueCommand, s.AccountingCommand, s.SubmitCommand, s.CancelCommand} {
		if len(argv) == 0 {
			return "", fmt.Errorf("a scheduler command is not configured")
		}
		path, err := exec.LookPath(argv[0])
		if err != nil {
			return "", errwrap.WrapExternal(err, "Scheduler command not found")
		}
		found = append(found, path)
	}
	return strings.Join(found, ", "), nil
}

func checkSchedulerQueue(ctx context.Context, cfg *config.Config) (string, error) {
	n, err := slurm.New(cfg.SlurmConfig(), observability.CLILogger).CountQueued(ctx)
	if err != nil {
		return "", errwrap.WrapExternal(err, "Scheduler queue unavailable")
	}
	return fmt.Sprintf("%d jobs queued (limit %d)", n, cfg.Run.QueueLimit), nil
}

func checkLock(_ context.Context, cfg *config.Config) (string, error) {
	st, err := newLock(cfg).Inspect()
	if err != nil {
		return "", err
	}
	switch {
	case !st.Held:
		return "free", nil
	case st.Stale:
		return "", fmt.Errorf("stale lock at %s (remove with: batchkeeper lock break)", st.Path)
	case st.Record != nil:
		return fmt.Sprintf("held by pid %d on %s", st.Record.PID, st.Record.Host), nil
	}
	return "held", nil
}

func checkAWSCredentials(ctx context.Context, cfg *config.Config) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Offload.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Offload.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", errwrap.WrapInternal(err, "Cannot load AWS config")
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", errwrap.WrapExternal(err, "Cannot retrieve AWS credentials")
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp(w io.Writer) {
	_, _ = fmt.Fprintln(w, "      To configure AWS credentials, set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY,")
	_, _ = fmt.Fprintln(w, "      run 'aws configure', or set offload.profile. For S3-compatible storage also")
	_, _ = fmt.Fprintln(w, "      set offload.endpoint and offload.force_path_style.")
}
