package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchkeeper/internal/metrics"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/scheduler/schedulertest"
)

func TestSignalHealthChecker(t *testing.T) {
	assert.NoError(t, signalHealthChecker{}.CheckHealth(context.Background()))
}

func TestTelemetryHealthChecker(t *testing.T) {
	t.Run("returns error when telemetry not initialized", func(t *testing.T) {
		err := telemetryHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "telemetry system not initialized")
	})

	t.Run("healthy with a collector", func(t *testing.T) {
		c := telemetryHealthChecker{collector: metrics.NewCollector()}
		assert.NoError(t, c.CheckHealth(context.Background()))
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		errContain string
	}{
		{"all fields valid", "batchkeeper", "BATCHKEEPER", "batchkeeper", ""},
		{"missing binary name", "", "BATCHKEEPER", "batchkeeper", "missing binary name"},
		{"missing env prefix", "batchkeeper", "", "batchkeeper", "missing env prefix"},
		{"missing config name", "batchkeeper", "BATCHKEEPER", "", "missing config name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}
			err := checker.CheckHealth(context.Background())
			if tt.errContain == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContain)
		})
	}
}

func TestStoreHealthChecker(t *testing.T) {
	ctx := context.Background()
	db, err := batchstore.Open(ctx, batchstore.Config{Path: filepath.Join(t.TempDir(), "batch.db")})
	require.NoError(t, err)
	store := batchstore.New(db)

	assert.NoError(t, storeHealthChecker{store: store}.CheckHealth(ctx))
	require.NoError(t, db.Close())
	assert.Error(t, storeHealthChecker{store: store}.CheckHealth(ctx))
}

func TestSchedulerHealthChecker(t *testing.T) {
	gw := &schedulertest.Gateway{}
	assert.NoError(t, schedulerHealthChecker{gateway: gw}.CheckHealth(context.Background()))

	gw.CountErr = errors.New("squeue: connection refused")
	assert.Error(t, schedulerHealthChecker{gateway: gw}.CheckHealth(context.Background()))
}
