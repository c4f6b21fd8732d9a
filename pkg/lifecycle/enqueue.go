package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
)

// Enqueue submits up to limit inputed batches, in insertion order, and
// records the scheduler job number. Submission is attempted once per batch
// per call; a failed submission leaves the batch inputed.
func (e *Engine) Enqueue(ctx context.Context, limit int, rep *Report) error {
	const t = TransitionEnqueue
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StateInputed},
		Limit:  limitOrAll(limit),
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		jobNumber, err := e.gateway.Submit(ctx, b.Path)
		if err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		if err := e.setBatchAndJobs(ctx, b.ID, batchstore.StateQueued, batchstore.StringPtr(jobNumber), nil); err != nil {
			// The job is running but unrecorded; surface the number so an
			// operator can cancel or adopt it.
			e.logger.Error("Submitted job not recorded",
				zap.Int64("batch_id", b.ID),
				zap.String("path", b.Path),
				zap.String("job_number", jobNumber),
				zap.Error(err),
			)
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, batchstore.StateQueued, rep, zap.String("job_number", jobNumber))
	}
	return nil
}
