package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
)

// Archive retires netcdfized batches: the archival artifact is moved beside
// the batch directory, the directory is packaged as an uncompressed tarball
// and removed once the tarball is confirmed. With an offload sink, the
// tarball must also be confirmed remotely before the batch is archived.
func (e *Engine) Archive(ctx context.Context, limit int, rep *Report) error {
	const t = TransitionArchive
	batches, err := e.selectBatches(ctx, t, batchstore.Selection{
		States: []batchstore.State{batchstore.StateNetcdfized},
		Limit:  limitOrAll(limit),
	}, rep)
	if err != nil {
		return err
	}

	for _, b := range batches {
		fields, err := e.archiveOne(ctx, b)
		if err != nil {
			if fatal := e.fail(t, b, err, rep); fatal != nil {
				return fatal
			}
			continue
		}
		e.advanced(t, b, batchstore.StateArchived, rep, fields...)
	}
	return nil
}

// archiveOne is safe to repeat: relocation and packaging both recognise work
// already done. The local tarball is discarded only after the archived state
// is committed, so a failed commit leaves it in place for the retry.
func (e *Engine) archiveOne(ctx context.Context, b batchstore.Batch) ([]zap.Field, error) {
	archival, err := e.artifacts.RelocateArchival(ctx, b.Path)
	if err != nil {
		return nil, fmt.Errorf("relocate archival artifact: %w", err)
	}
	tarball, err := e.artifacts.PackageAndRemove(ctx, b.Path, false)
	if err != nil {
		return nil, fmt.Errorf("package batch directory: %w", err)
	}
	fields := []zap.Field{zap.String("archival", archival), zap.String("archive", tarball)}

	if e.offload != nil {
		res, err := e.offload.Offload(ctx, tarball)
		if err != nil {
			return nil, fmt.Errorf("offload %s: %w", tarball, err)
		}
		fields = append(fields, zap.String("offload_key", res.Key))
	}

	if err := e.store.UpdateBatch(ctx, b.ID, batchstore.BatchUpdate{
		State: batchstore.StatePtr(batchstore.StateArchived),
	}); err != nil {
		return nil, err
	}

	if e.offload != nil {
		removed, err := e.offload.DiscardLocal(tarball)
		if err != nil {
			e.logger.Warn("Offloaded tarball not removed",
				zap.Int64("batch_id", b.ID), zap.String("archive", tarball), zap.Error(err))
		}
		fields = append(fields, zap.Bool("local_removed", removed))
	}
	return fields, nil
}
