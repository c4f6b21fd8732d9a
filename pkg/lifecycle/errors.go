package lifecycle

import (
	"errors"
	"fmt"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
)

// FatalGenerationError means input generation left a batch incomplete. The
// batch is not advanced; other batches are unaffected.
type FatalGenerationError struct {
	BatchID int64
	Path    string
	// MissingJobs lists job indices whose inputs were absent after generation.
	MissingJobs []int
	Err         error
}

func (e *FatalGenerationError) Error() string {
	if len(e.MissingJobs) > 0 {
		return fmt.Sprintf("input generation for batch %d (%s) incomplete: jobs %v have no inputs", e.BatchID, e.Path, e.MissingJobs)
	}
	return fmt.Sprintf("input generation for batch %d (%s) failed: %v", e.BatchID, e.Path, e.Err)
}

func (e *FatalGenerationError) Unwrap() error {
	return e.Err
}

// BatchError attributes a per-batch failure to a transition.
type BatchError struct {
	Transition Transition
	BatchID    int64
	Path       string
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %d (%s): %v", e.Transition, e.BatchID, e.Path, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// ErrNotConfirmed is returned by destructive operations called without
// operator confirmation.
var ErrNotConfirmed = errors.New("destructive operation requires confirmation")

// ErrEmptyFilter is returned by manual operations that refuse to act on
// every batch without an explicit filter.
var ErrEmptyFilter = errors.New("operation requires a filter")

// isFatal reports whether err must end the pass.
func isFatal(err error) bool {
	return batchstore.IsStoreError(err)
}
