package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/runlock"
)

// BatchReader is the read-only store surface used by the batch endpoints.
type BatchReader interface {
	SelectBatches(ctx context.Context, sel batchstore.Selection) ([]batchstore.Batch, error)
	GetBatch(ctx context.Context, id int64) (*batchstore.Batch, error)
	ListJobs(ctx context.Context, batchID int64) ([]batchstore.Job, error)
	ListParams(ctx context.Context, batchID int64) (map[string]float64, error)
	CountByState(ctx context.Context) (map[batchstore.State]int, error)
}

// BatchHandlers serves /batches.
type BatchHandlers struct {
	store BatchReader
}

func NewBatchHandlers(store BatchReader) *BatchHandlers {
	return &BatchHandlers{store: store}
}

// BatchDetail is a batch with its jobs and parameters.
type BatchDetail struct {
	batchstore.Batch
	Jobs   []batchstore.Job   `json:"jobs"`
	Params map[string]float64 `json:"params,omitempty"`
}

// BatchList is the body of GET /batches.
type BatchList struct {
	Batches []batchstore.Batch `json:"batches"`
	Count   int                `json:"count"`
}

// List handles GET /batches?state=queued&filter=Ti_Te_rel<=0.5&limit=10.
// state and filter may repeat.
func (h *BatchHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := batchstore.Selection{Order: batchstore.OrderInsertion}
	for _, raw := range q["state"] {
		st, err := batchstore.ParseState(raw)
		if err != nil {
			respondBadRequest(w, r, err)
			return
		}
		sel.States = append(sel.States, st)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondBadRequest(w, r, fmt.Errorf("invalid limit %q", raw))
			return
		}
		sel.Limit = n
	}
	filter, err := batchstore.ParseFilter(q["filter"])
	if err != nil {
		respondBadRequest(w, r, err)
		return
	}
	sel.Filter = filter

	batches, err := h.store.SelectBatches(r.Context(), sel)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if batches == nil {
		batches = []batchstore.Batch{}
	}
	writeJSON(w, http.StatusOK, BatchList{Batches: batches, Count: len(batches)})
}

// Get handles GET /batches/{id}.
func (h *BatchHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondBadRequest(w, r, fmt.Errorf("invalid batch id %q", chi.URLParam(r, "id")))
		return
	}
	b, err := h.store.GetBatch(r.Context(), id)
	if errors.Is(err, batchstore.ErrNotFound) {
		respondNotFound(w, r, err)
		return
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	jobs, err := h.store.ListJobs(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	params, err := h.store.ListParams(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchDetail{Batch: *b, Jobs: jobs, Params: params})
}

// Summary handles GET /batches/summary: batch counts per state.
func (h *BatchHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByState(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make(map[string]int, len(batchstore.AllStates))
	total := 0
	for _, st := range batchstore.AllStates {
		out[st.String()] = counts[st]
		total += counts[st]
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": out, "total": total})
}

// LockInspector reports the run lock; satisfied by *runlock.Lock.
type LockInspector interface {
	Inspect() (*runlock.Status, error)
}

// LockHandler handles GET /lock.
func LockHandler(lock LockInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := lock.Inspect()
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// VersionHandler serves a fixed version body.
func VersionHandler(v VersionResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, v)
	}
}
