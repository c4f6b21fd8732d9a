// Package artifact inspects and transforms the on-disk artifacts of a batch:
// run directories, input and output files, archival output and tarballs.
package artifact

import "context"

// Operations is the artifact capability used by the lifecycle engine.
type Operations interface {
	// JobCount returns the number of runs in the batch layout.
	JobCount(ctx context.Context, batchPath string) (int, error)

	// GenerateInput produces input artifacts for every run of the batch.
	GenerateInput(ctx context.Context, batchPath string) error

	// InputsPresent reports whether the job's input artifacts exist.
	InputsPresent(ctx context.Context, batchPath string, job int) (bool, error)

	// IsJobComplete reports whether the job's output artifacts exist.
	IsJobComplete(ctx context.Context, batchPath string, job int) (bool, error)

	// ConvertToArchival produces <batch>/<name><ext> from the run outputs.
	ConvertToArchival(ctx context.Context, batchPath string) error

	// JobDir returns the run directory of a job.
	JobDir(ctx context.Context, batchPath string, job int) (string, error)

	// PackageAndRemove archives dir and removes it once the archive is
	// confirmed. On return, exactly one of archive and dir exists.
	PackageAndRemove(ctx context.Context, dir string, compressed bool) (string, error)

	// Package archives dir without removing it.
	Package(ctx context.Context, dir string, compressed bool) (string, error)

	// RelocateArchival moves <batch>/<name><ext> to <parent>/<name><ext>.
	RelocateArchival(ctx context.Context, batchPath string) (string, error)

	// RemoveDir removes a directory tree; a missing directory is not an error.
	RemoveDir(ctx context.Context, dir string) error
}
