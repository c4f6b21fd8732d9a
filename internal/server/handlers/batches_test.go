package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/batchkeeper/internal/errors"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/runlock"
)

func newBatchRouter(t *testing.T) (*batchstore.Store, http.Handler) {
	t.Helper()
	ctx := context.Background()
	db, err := batchstore.Open(ctx, batchstore.Config{Path: filepath.Join(t.TempDir(), "batch.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, batchstore.Migrate(ctx, db))
	store := batchstore.New(db)

	h := NewBatchHandlers(store)
	r := chi.NewRouter()
	r.Get("/batches", h.List)
	r.Get("/batches/summary", h.Summary)
	r.Get("/batches/{id}", h.Get)
	return store, r
}

func insert(t *testing.T, store *batchstore.Store, path string, jobs int, params map[string]float64) *batchstore.Batch {
	t.Helper()
	b, err := store.InsertBatch(context.Background(), batchstore.NewBatch{Path: path, Jobs: jobs, Params: params})
	require.NoError(t, err)
	return b
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestBatchList(t *testing.T) {
	store, h := newBatchRouter(t)
	low := insert(t, store, "/scratch/scan/b0", 2, map[string]float64{"Ti_Te_rel": 0.25})
	insert(t, store, "/scratch/scan/b1", 2, map[string]float64{"Ti_Te_rel": 0.75})
	require.NoError(t, store.UpdateBatch(context.Background(), low.ID, batchstore.BatchUpdate{
		State: batchstore.StatePtr(batchstore.StateHold),
	}))

	t.Run("all", func(t *testing.T) {
		rec := get(t, h, "/batches")
		require.Equal(t, http.StatusOK, rec.Code)
		var body BatchList
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 2, body.Count)
	})

	t.Run("by state", func(t *testing.T) {
		rec := get(t, h, "/batches?state=hold")
		require.Equal(t, http.StatusOK, rec.Code)
		var body BatchList
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Len(t, body.Batches, 1)
		assert.Equal(t, low.ID, body.Batches[0].ID)
	})

	t.Run("by param filter", func(t *testing.T) {
		rec := get(t, h, "/batches?filter="+url.QueryEscape("Ti_Te_rel>0.5"))
		require.Equal(t, http.StatusOK, rec.Code)
		var body BatchList
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Len(t, body.Batches, 1)
		assert.Equal(t, "/scratch/scan/b1", body.Batches[0].Path)
	})

	t.Run("empty result is an empty list", func(t *testing.T) {
		rec := get(t, h, "/batches?state=archived")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"batches":[]`)
	})

	for name, target := range map[string]string{
		"bad state":  "/batches?state=finished",
		"bad limit":  "/batches?limit=-1",
		"bad filter": "/batches?filter=" + url.QueryEscape("path;drop"),
	} {
		t.Run(name, func(t *testing.T) {
			rec := get(t, h, target)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "BAD_REQUEST", body.Error.Code)
		})
	}
}

func TestBatchGet(t *testing.T) {
	store, h := newBatchRouter(t)
	b := insert(t, store, "/scratch/scan/b0", 3, map[string]float64{"Ti_Te_rel": 0.5})

	rec := get(t, h, "/batches/"+strconv.FormatInt(b.ID, 10))
	require.Equal(t, http.StatusOK, rec.Code)
	var body BatchDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, b.Path, body.Path)
	assert.Len(t, body.Jobs, 3)
	assert.Equal(t, 0.5, body.Params["Ti_Te_rel"])

	assert.Equal(t, http.StatusNotFound, get(t, h, "/batches/999").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/batches/abc").Code)
}

func TestBatchSummary(t *testing.T) {
	store, h := newBatchRouter(t)
	insert(t, store, "/scratch/a", 1, nil)
	insert(t, store, "/scratch/b", 1, nil)

	rec := get(t, h, "/batches/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		States map[string]int `json:"states"`
		Total  int            `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 2, body.States["prepared"])
	assert.Equal(t, 0, body.States["queued"])
}

func TestLockHandler(t *testing.T) {
	lock := runlock.New(filepath.Join(t.TempDir(), "run.lock"), runlock.Options{})

	rec := httptest.NewRecorder()
	LockHandler(lock)(rec, httptest.NewRequest(http.MethodGet, "/lock", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st runlock.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.False(t, st.Held)

	require.NoError(t, lock.Acquire())
	t.Cleanup(func() { _ = lock.Release() })

	rec = httptest.NewRecorder()
	LockHandler(lock)(rec, httptest.NewRequest(http.MethodGet, "/lock", nil))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.True(t, st.Held)
	assert.False(t, st.Stale)
	require.NotNil(t, st.Record)
	assert.Equal(t, lock.Owner(), st.Record.Owner)
}
