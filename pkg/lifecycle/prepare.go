package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
)

// PrepareOptions scopes PrepareInput.
type PrepareOptions struct {
	// Limit bounds the number of batches; zero means all.
	Limit int
	Order batchstore.Order
	// ID selects one batch when Order is OrderByID.
	ID int64
}

// PrepareInput generates inputs for prepared batches. A batch moves to
// inputed, together with all of its jobs, only when every job's inputs are
// present afterwards; otherwise nothing is committed for it.
func (e *Engine) PrepareInput(ctx context.Context, opts PrepareOptions, rep *Report) error {
	const t = TransitionPrepare
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StatePrepared},
		Order:  opts.Order,
		ID:     opts.ID,
		Limit:  limitOrAll(opts.Limit),
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		if err := e.prepareOne(ctx, b); err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, batchstore.StateInputed, rep)
	}
	return nil
}

func (e *Engine) prepareOne(ctx context.Context, b batchstore.Batch) error {
	if err := e.artifacts.GenerateInput(ctx, b.Path); err != nil {
		return &FatalGenerationError{BatchID: b.ID, Path: b.Path, Err: err}
	}

	jobs, err := e.store.ListJobs(ctx, b.ID)
	if err != nil {
		return err
	}
	var missing []int
	for _, j := range jobs {
		ok, err := e.artifacts.InputsPresent(ctx, b.Path, j.Index)
		if err != nil {
			return &FatalGenerationError{BatchID: b.ID, Path: b.Path, Err: err}
		}
		if !ok {
			missing = append(missing, j.Index)
		}
	}
	if len(missing) > 0 {
		e.logger.Error("Generated inputs missing",
			zap.Int64("batch_id", b.ID),
			zap.String("path", b.Path),
			zap.Ints("jobs", missing),
		)
		return &FatalGenerationError{BatchID: b.ID, Path: b.Path, MissingJobs: missing}
	}

	return e.setBatchAndJobs(ctx, b.ID, batchstore.StateInputed, nil, nil)
}
