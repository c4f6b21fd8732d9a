package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/scheduler"
)

// noteUnknown marks outcomes judged from artifacts alone, without a reason
// from the scheduler.
const noteUnknown = "Unknown"

// Reconcile polls the scheduler for every queued batch. Non-terminal and
// unrecognised statuses leave the batch queued. For a terminal status each
// job is judged by its output artifacts; the batch succeeds only when the
// scheduler reported COMPLETED and every job succeeded.
//
// SLURM states outside RUNNING, COMPLETED, CANCELLED and TIMEOUT (FAILED,
// NODE_FAIL, OUT_OF_MEMORY, PREEMPTED and the like) are unknown: such a batch
// stays queued on every pass until an operator cancels it. Each one is
// listed in Report.UnknownBatches and logged at warn level.
func (e *Engine) Reconcile(ctx context.Context, rep *Report) error {
	const t = TransitionReconcile
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StateQueued},
	}, rep)
	if err != nil {
		return err
	}
	rep.NotDone, rep.Unknown, rep.UnknownBatches = 0, 0, nil

	for _, b := range batches {
		status, err := e.gateway.QueryStatus(ctx, b.JobNumber)
		if err != nil {
			rep.NotDone++
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		if !status.Terminal() {
			rep.NotDone++
			rep.unchanged(t)
			if status == scheduler.StatusUnknown {
				rep.Unknown++
				rep.UnknownBatches = append(rep.UnknownBatches, b.ID)
				e.logger.Warn("Scheduler status not recognised; batch left queued",
					zap.Int64("batch_id", b.ID),
					zap.String("job_number", b.JobNumber),
				)
				continue
			}
			e.logger.Debug("Batch not done",
				zap.Int64("batch_id", b.ID),
				zap.String("job_number", b.JobNumber),
				zap.Stringer("status", status),
			)
			continue
		}

		to, err := e.reconcileOne(ctx, b, status)
		if err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, to, rep, zap.Stringer("status", status))
	}

	if rep.NotDone > 0 {
		e.logger.Info("Batches still running",
			zap.Int("not_done", rep.NotDone),
			zap.Int("unknown", rep.Unknown),
		)
	}
	return nil
}

// reconcileOne judges every job before writing anything, so an artifact
// error leaves the batch untouched for the next pass.
func (e *Engine) reconcileOne(ctx context.Context, b batchstore.Batch, status scheduler.Status) (batchstore.State, error) {
	jobs, err := e.store.ListJobs(ctx, b.ID)
	if err != nil {
		return "", err
	}

	note := noteUnknown
	if status != scheduler.StatusCompleted {
		note = status.String()
	}

	outcome := make([]batchstore.State, len(jobs))
	allSucceeded := true
	for i, j := range jobs {
		done, err := e.artifacts.IsJobComplete(ctx, b.Path, j.Index)
		if err != nil {
			return "", err
		}
		if done {
			outcome[i] = batchstore.StateSuccess
		} else {
			outcome[i] = batchstore.StateFailed
			allSucceeded = false
		}
	}

	for i, j := range jobs {
		u := batchstore.JobUpdate{State: batchstore.StatePtr(outcome[i]), Note: batchstore.StringPtr(note)}
		if err := e.store.UpdateJob(ctx, b.ID, j.Index, u); err != nil {
			return "", err
		}
	}

	to := batchstore.StateFailed
	if status == scheduler.StatusCompleted && allSucceeded {
		to = batchstore.StateSuccess
	}
	if err := e.store.UpdateBatch(ctx, b.ID, batchstore.BatchUpdate{
		State: batchstore.StatePtr(to),
		Note:  batchstore.StringPtr(note),
	}); err != nil {
		return "", err
	}
	return to, nil
}
