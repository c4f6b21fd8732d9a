package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/batchkeeper/internal/errors"
	"github.com/3leaps/batchkeeper/internal/metrics"
	"github.com/3leaps/batchkeeper/internal/server/handlers"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/runlock"
)

func serve(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := serve(t, srv, http.MethodGet, "/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{8080, 9000, 0} {
		assert.Equal(t, port, New("127.0.0.1", port).Port())
	}
	assert.Equal(t, "127.0.0.1:9000", New("127.0.0.1", 9000).Addr())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := serve(t, srv, http.MethodPost, "/version")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_Version(t *testing.T) {
	srv := New("127.0.0.1", 0, WithVersion("1.4.0", "abc123", "2026-10-01"))

	rec := serve(t, srv, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v handlers.VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, "1.4.0", v.Version)
	assert.Equal(t, "abc123", v.Commit)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")

	ctx := context.Background()
	db, err := batchstore.Open(ctx, batchstore.Config{Path: filepath.Join(t.TempDir(), "batch.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, batchstore.Migrate(ctx, db))

	srv := New("127.0.0.1", 0,
		WithBatches(batchstore.New(db)),
		WithLock(runlock.New(filepath.Join(t.TempDir(), "run.lock"), runlock.Options{})),
		WithMetrics(metrics.NewCollector().Handler()),
	)

	for _, path := range []string{
		"/health", "/health/live", "/health/ready", "/health/startup", "/version",
		"/batches", "/batches/summary", "/lock", "/metrics",
	} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, path).Code)
		})
	}
}

func TestServer_OptionalRoutesAbsentByDefault(t *testing.T) {
	srv := New("127.0.0.1", 0)
	for _, path := range []string{"/batches", "/lock", "/metrics"} {
		assert.Equal(t, http.StatusNotFound, serve(t, srv, http.MethodGet, path).Code, path)
	}
}

func TestServer_StartStopsOnCancel(t *testing.T) {
	srv := New("127.0.0.1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestWithTimeoutsKeepsDefaultsForZeroFields(t *testing.T) {
	srv := New("127.0.0.1", 0, WithTimeouts(Timeouts{Read: time.Second}))
	assert.Equal(t, time.Second, srv.timeouts.Read)
	assert.Equal(t, defaultTimeouts.Write, srv.timeouts.Write)
	assert.Equal(t, defaultTimeouts.Shutdown, srv.timeouts.Shutdown)
}
