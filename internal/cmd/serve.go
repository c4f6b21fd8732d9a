package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/3leaps/batchkeeper/internal/metrics"
	"github.com/3leaps/batchkeeper/internal/observability"
	"github.com/3leaps/batchkeeper/internal/server"
	"github.com/3leaps/batchkeeper/internal/server/handlers"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only status server",
	Long: `Serve health probes, batch listings, the run lock and Prometheus metrics
over HTTP. The server never changes batch state.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /batches?state=&filter=&limit=, /batches/summary, /batches/{id}
  GET /lock
  GET /metrics (when metrics.enabled)`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().Duration("refresh", 30*time.Second, "Interval for refreshing batch state gauges")
}

// signalHealthChecker reports healthy while the process handles signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// telemetryHealthChecker fails when metrics were not set up.
type telemetryHealthChecker struct {
	collector *metrics.Collector
}

func (c telemetryHealthChecker) CheckHealth(context.Context) error {
	if c.collector == nil || c.collector.Registry() == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	var missing []string
	if strings.TrimSpace(c.binaryName) == "" {
		missing = append(missing, "missing binary name")
	}
	if strings.TrimSpace(c.envPrefix) == "" {
		missing = append(missing, "missing env prefix")
	}
	if strings.TrimSpace(c.configName) == "" {
		missing = append(missing, "missing config name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("app identity incomplete: %s", strings.Join(missing, ", "))
	}
	return nil
}

type storeHealthChecker struct {
	store *batchstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// schedulerHealthChecker runs the queue query; it is what capacity depends on.
type schedulerHealthChecker struct {
	gateway scheduler.Gateway
}

func (c schedulerHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.gateway.CountQueued(ctx)
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	refresh, _ := cmd.Flags().GetDuration("refresh")
	if refresh <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --refresh value", fmt.Errorf("refresh must be > 0"))
	}
	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := observability.CLILogger.Named("server")
	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("store", storeHealthChecker{store: a.store})
	hm.RegisterChecker("scheduler", schedulerHealthChecker{gateway: a.gateway})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithVersion(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate),
		server.WithBatches(a.store),
		server.WithLock(newLock(cfg)),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	}
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		hm.RegisterChecker("telemetry", telemetryHealthChecker{collector: collector})
		opts = append(opts, server.WithMetrics(collector.Handler()))
		go refreshStateCounts(ctx, clock.RealClock{}, refresh, a.store, collector, logger)
	}

	srv := server.New(host, port, opts...)
	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	return nil
}

// refreshStateCounts keeps the per-state gauges current between passes.
func refreshStateCounts(ctx context.Context, clk clock.WithTicker, every time.Duration, store *batchstore.Store, c *metrics.Collector, logger *zap.Logger) {
	update := func() {
		counts, err := store.CountByState(ctx)
		if err != nil {
			logger.Warn("Failed to count batches by state", zap.Error(err))
			return
		}
		c.SetStateCounts(counts)
	}
	update()

	t := clk.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			update()
		}
	}
}
