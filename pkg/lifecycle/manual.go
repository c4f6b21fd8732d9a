package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
)

// Scope selects the batches a manual operation acts on.
type Scope struct {
	Filter batchstore.Filter
	// All permits an empty filter.
	All bool
}

func (s Scope) check() error {
	if len(s.Filter) == 0 && !s.All {
		return ErrEmptyFilter
	}
	return nil
}

// Cancel asks the scheduler to cancel queued batches matching the scope. A
// batch whose cancellation fails stays queued.
func (e *Engine) Cancel(ctx context.Context, scope Scope, rep *Report) error {
	const t = TransitionCancel
	if err := scope.check(); err != nil {
		return err
	}
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StateQueued},
		Filter: scope.Filter,
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		if err := e.gateway.Cancel(ctx, b.JobNumber); err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		if err := e.setBatchAndJobs(ctx, b.ID, batchstore.StateCancelled, nil, nil); err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, batchstore.StateCancelled, rep, zap.String("job_number", b.JobNumber))
	}
	return nil
}

// Hold pauses prepared and inputed batches matching the scope. The filter
// applies to both source states.
func (e *Engine) Hold(ctx context.Context, scope Scope, rep *Report) error {
	const t = TransitionHold
	if err := scope.check(); err != nil {
		return err
	}
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StatePrepared, batchstore.StateInputed},
		Filter: scope.Filter,
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		if err := e.setBatchAndJobs(ctx, b.ID, batchstore.StateHold, nil, nil); err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, batchstore.StateHold, rep)
	}
	return nil
}

// Release returns held batches to the chain: inputed when every job's
// inputs are present, prepared otherwise.
func (e *Engine) Release(ctx context.Context, scope Scope, rep *Report) error {
	const t = TransitionRelease
	if err := scope.check(); err != nil {
		return err
	}
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StateHold},
		Filter: scope.Filter,
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		to, err := e.releaseTarget(ctx, b)
		if err == nil {
			err = e.setBatchAndJobs(ctx, b.ID, to, nil, nil)
		}
		if err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, to, rep)
	}
	return nil
}

func (e *Engine) releaseTarget(ctx context.Context, b batchstore.Batch) (batchstore.State, error) {
	jobs, err := e.store.ListJobs(ctx, b.ID)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		ok, err := e.artifacts.InputsPresent(ctx, b.Path, j.Index)
		if err != nil {
			return "", err
		}
		if !ok {
			return batchstore.StatePrepared, nil
		}
	}
	return batchstore.StateInputed, nil
}

// Trash removes the directories of prepared batches matching the scope and
// marks them thrashed. It refuses to run without confirmation.
func (e *Engine) Trash(ctx context.Context, scope Scope, confirmed bool, rep *Report) error {
	const t = TransitionTrash
	if !confirmed {
		return ErrNotConfirmed
	}
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StatePrepared},
		Filter: scope.Filter,
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		err := e.artifacts.RemoveDir(ctx, b.Path)
		if err == nil {
			err = e.setBatchAndJobs(ctx, b.ID, batchstore.StateTrashed, nil, nil)
		}
		if err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, batchstore.StateTrashed, rep)
	}
	return nil
}

// Tar packages the directories of batches matching the scope as .tar.gz
// siblings. Directories are kept and states are unchanged.
func (e *Engine) Tar(ctx context.Context, scope Scope, limit int, rep *Report) error {
	const t = TransitionTar
	if err := scope.check(); err != nil {
		return err
	}
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		Filter: scope.Filter,
		Limit:  limitOrAll(limit),
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		archive, err := e.artifacts.Package(ctx, b.Path, true)
		if err != nil {
			if fatal := e.fail(t, b, fmt.Errorf("package: %w", err), rep); fatal != nil {
				return fatal
			}
			continue
		}
		rep.unchanged(t)
		e.logger.Info("Batch packaged",
			zap.Int64("batch_id", b.ID),
			zap.String("path", b.Path),
			zap.String("archive", archive),
		)
	}
	return nil
}
