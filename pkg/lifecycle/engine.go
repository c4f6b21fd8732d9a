// Package lifecycle drives batches through their state machine:
//
//	prepared -> inputed -> queued -> success|failed -> netcdfized -> archived
//
// plus the operator states hold, cancelled and thrashed. Each transition
// selects its candidates from the batch store, performs the external side
// effect, confirms it, and only then commits the new state. A failure on
// one batch is recorded in the Report and does not stop the others; a batch
// store failure ends the transition.
package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/artifact"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/offload"
	"github.com/3leaps/batchkeeper/pkg/scheduler"
)

// Store is the subset of the batch store the engine writes through.
type Store interface {
	SelectBatches(ctx context.Context, sel batchstore.Selection) ([]batchstore.Batch, error)
	ListJobs(ctx context.Context, batchID int64) ([]batchstore.Job, error)
	InsertBatch(ctx context.Context, nb batchstore.NewBatch) (*batchstore.Batch, error)
	UpdateBatch(ctx context.Context, id int64, u batchstore.BatchUpdate) error
	UpdateJob(ctx context.Context, batchID int64, index int, u batchstore.JobUpdate) error
	UpdateBatchAndJobs(ctx context.Context, id int64, bu batchstore.BatchUpdate, ju batchstore.JobUpdate) error
}

var _ Store = (*batchstore.Store)(nil)

// Engine performs lifecycle transitions.
type Engine struct {
	store     Store
	gateway   scheduler.Gateway
	artifacts artifact.Operations
	offload   offload.Sink
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithOffload sends archived tarballs to sink before a batch is marked
// archived.
func WithOffload(sink offload.Sink) Option {
	return func(e *Engine) { e.offload = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New returns an Engine over the given collaborators.
func New(store Store, gateway scheduler.Gateway, artifacts artifact.Operations, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		gateway:   gateway,
		artifacts: artifacts,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterBatch records a batch directory in state prepared with one job per
// run found in its layout.
func (e *Engine) RegisterBatch(ctx context.Context, path string, params map[string]float64) (*batchstore.Batch, error) {
	n, err := e.artifacts.JobCount(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read layout of %s: %w", path, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("batch %s has no runs", path)
	}
	b, err := e.store.InsertBatch(ctx, batchstore.NewBatch{Path: path, Jobs: n, Params: params})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Batch registered",
		zap.Int64("batch_id", b.ID),
		zap.String("path", b.Path),
		zap.Int("jobs", n),
	)
	return b, nil
}

// selectBatches loads candidates and records the selection size.
func (e *Engine) selectBatches(ctx context.Context, t Transition, sel batchstore.Selection, rep *Report) ([]batchstore.Batch, error) {
	batches, err := e.store.SelectBatches(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("%s: select batches: %w", t, err)
	}
	rep.selected(t, len(batches))
	e.logger.Debug("Batches selected",
		zap.String("transition", string(t)),
		zap.Int("count", len(batches)),
	)
	return batches, nil
}

// fail records a per-batch failure. It returns err unchanged when err must
// end the transition, and nil otherwise.
func (e *Engine) fail(t Transition, b batchstore.Batch, err error, rep *Report) error {
	be := &BatchError{Transition: t, BatchID: b.ID, Path: b.Path, Err: err}
	rep.failed(t, be)
	e.logger.Warn("Batch transition failed",
		zap.String("transition", string(t)),
		zap.Int64("batch_id", b.ID),
		zap.String("path", b.Path),
		zap.Error(err),
	)
	if isFatal(err) {
		return be
	}
	return nil
}

func (e *Engine) advanced(t Transition, b batchstore.Batch, to batchstore.State, rep *Report, fields ...zap.Field) {
	rep.advanced(t)
	fields = append([]zap.Field{
		zap.String("transition", string(t)),
		zap.Int64("batch_id", b.ID),
		zap.String("path", b.Path),
		zap.String("from", string(b.State)),
		zap.String("to", string(to)),
	}, fields...)
	e.logger.Info("Batch advanced", fields...)
}

// setBatchAndJobs moves a batch and all of its jobs to st in one commit.
func (e *Engine) setBatchAndJobs(ctx context.Context, id int64, st batchstore.State, jobNumber *string, note *string) error {
	bu := batchstore.BatchUpdate{State: batchstore.StatePtr(st), JobNumber: jobNumber, Note: note}
	ju := batchstore.JobUpdate{State: batchstore.StatePtr(st), Note: note}
	return e.store.UpdateBatchAndJobs(ctx, id, bu, ju)
}

func limitOrAll(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}
