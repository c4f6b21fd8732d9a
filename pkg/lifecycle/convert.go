package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
)

// Convert produces the archival artifact of each successful batch and
// packages its run directories. A job moves to archived once its run
// directory's archive is confirmed; the batch moves to netcdfized once every
// job is archived. A batch interrupted mid-way resumes without converting
// again.
func (e *Engine) Convert(ctx context.Context, limit int, rep *Report) error {
	const t = TransitionConvert
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StateSuccess},
		Limit:  limitOrAll(limit),
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		done, err := e.convertOne(ctx, b)
		if err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		if !done {
			rep.unchanged(t)
			continue
		}
		e.advanced(t, b, batchstore.StateNetcdfized, rep)
	}
	return nil
}

// convertOne returns true when the batch was moved to netcdfized. Job
// packaging failures are collected so the remaining jobs still progress.
func (e *Engine) convertOne(ctx context.Context, b batchstore.Batch) (bool, error) {
	jobs, err := e.store.ListJobs(ctx, b.ID)
	if err != nil {
		return false, err
	}

	resuming := false
	for _, j := range jobs {
		if j.State == batchstore.StateArchived {
			resuming = true
			break
		}
	}
	if resuming {
		e.logger.Info("Resuming conversion", zap.Int64("batch_id", b.ID), zap.String("path", b.Path))
	} else if err := e.artifacts.ConvertToArchival(ctx, b.Path); err != nil {
		return false, fmt.Errorf("convert to archival format: %w", err)
	}

	var firstErr error
	pending := 0
	for _, j := range jobs {
		if j.State == batchstore.StateArchived {
			continue
		}
		if err := e.packageJob(ctx, b, j); err != nil {
			if isFatal(err) {
				return false, err
			}
			pending++
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Warn("Job not packaged",
				zap.Int64("batch_id", b.ID),
				zap.Int("job_index", j.Index),
				zap.Error(err),
			)
		}
	}
	if pending > 0 {
		return false, fmt.Errorf("%d of %d jobs not packaged: %w", pending, len(jobs), firstErr)
	}

	if err := e.store.UpdateBatch(ctx, b.ID, batchstore.BatchUpdate{
		State: batchstore.StatePtr(batchstore.StateNetcdfized),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) packageJob(ctx context.Context, b batchstore.Batch, j batchstore.Job) error {
	dir, err := e.artifacts.JobDir(ctx, b.Path, j.Index)
	if err != nil {
		return err
	}
	archive, err := e.artifacts.PackageAndRemove(ctx, dir, true)
	if err != nil {
		return fmt.Errorf("job %d: %w", j.Index, err)
	}
	e.logger.Debug("Job packaged",
		zap.Int64("batch_id", b.ID),
		zap.Int("job_index", j.Index),
		zap.String("archive", archive),
	)
	return e.store.UpdateJob(ctx, b.ID, j.Index, batchstore.JobUpdate{
		State: batchstore.StatePtr(batchstore.StateArchived),
	})
}
