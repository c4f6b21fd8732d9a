package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/internal/config"
	"github.com/3leaps/batchkeeper/internal/observability"
	"github.com/3leaps/batchkeeper/pkg/artifact"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/lifecycle"
	"github.com/3leaps/batchkeeper/pkg/offload"
	"github.com/3leaps/batchkeeper/pkg/provider"
	"github.com/3leaps/batchkeeper/pkg/provider/file"
	"github.com/3leaps/batchkeeper/pkg/provider/s3"
	"github.com/3leaps/batchkeeper/pkg/runlock"
	"github.com/3leaps/batchkeeper/pkg/scheduler/slurm"
)

// app holds the collaborators built from configuration for one command.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	store     *batchstore.Store
	gateway   *slurm.Gateway
	artifacts *artifact.FS
	provider  provider.Provider
	engine    *lifecycle.Engine
	logger    *zap.Logger
}

func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// openStore opens and migrates the batch database.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *batchstore.Store, error) {
	db, err := batchstore.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to open batch database", err)
	}
	if err := batchstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, exitError(foundry.ExitFileWriteError, "Failed to migrate batch database", err)
	}
	return db, batchstore.New(db), nil
}

// newApp wires the store, scheduler gateway, artifact operations, optional
// offload sink and the lifecycle engine.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.CLILogger

	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:       cfg,
		db:        db,
		store:     store,
		gateway:   slurm.New(cfg.SlurmConfig(), logger.Named("slurm")),
		artifacts: artifact.NewFS(cfg.ArtifactConfig(), logger.Named("artifact")),
		logger:    logger,
	}

	opts := []lifecycle.Option{lifecycle.WithLogger(logger.Named("lifecycle"))}
	if cfg.Offload.Enabled {
		p, err := newProvider(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialise offload provider", err)
		}
		a.provider = p
		opts = append(opts, lifecycle.WithOffload(offload.New(p, cfg.OffloadConfig(), logger.Named("offload"))))
	}
	a.engine = lifecycle.New(store, a.gateway, a.artifacts, opts...)
	return a, nil
}

func newProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch provider.ProviderType(strings.ToLower(cfg.Offload.Provider)) {
	case provider.ProviderS3:
		return s3.New(ctx, cfg.S3Config())
	case provider.ProviderFile:
		return file.New(cfg.FileProviderConfig())
	}
	return nil, fmt.Errorf("unknown offload provider %q", cfg.Offload.Provider)
}

func newLock(cfg *config.Config) *runlock.Lock {
	return runlock.New(cfg.Run.LockPath, runlock.Options{
		TTL:               cfg.Run.LockTTL,
		HeartbeatInterval: cfg.Run.HeartbeatInterval,
		Logger:            observability.CLILogger.Named("runlock"),
	})
}

func (a *app) Close() {
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close batch database", zap.Error(err))
		}
	}
}
