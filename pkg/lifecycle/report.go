package lifecycle

import (
	"errors"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Transition names a lifecycle operation.
type Transition string

const (
	TransitionPrepare   Transition = "prepare"
	TransitionEnqueue   Transition = "enqueue"
	TransitionReconcile Transition = "reconcile"
	TransitionConvert   Transition = "convert"
	TransitionArchive   Transition = "archive"
	TransitionCancel    Transition = "cancel"
	TransitionHold      Transition = "hold"
	TransitionRelease   Transition = "release"
	TransitionTrash     Transition = "trash"
	TransitionTar       Transition = "tar"
	TransitionRegister  Transition = "register"
)

// Counts tallies what a transition did to its candidates.
type Counts struct {
	Selected  int `json:"selected"`
	Advanced  int `json:"advanced"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Report accumulates the outcome of one or more transitions. It is not safe
// for concurrent use; a pass is sequential.
type Report struct {
	Counts map[Transition]*Counts `json:"counts"`

	// NotDone counts queued batches whose scheduler status was not terminal
	// in the most recent reconcile.
	NotDone int `json:"not_done"`
	// Unknown counts how many of those reported an unrecognised status.
	Unknown int `json:"unknown"`
	// UnknownBatches lists the ids behind Unknown, in selection order.
	UnknownBatches []int64 `json:"unknown_batches,omitempty"`

	errs *multierror.Error
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{Counts: make(map[Transition]*Counts)}
}

func (r *Report) counts(t Transition) *Counts {
	c, ok := r.Counts[t]
	if !ok {
		c = &Counts{}
		r.Counts[t] = c
	}
	return c
}

func (r *Report) selected(t Transition, n int) { r.counts(t).Selected += n }
func (r *Report) advanced(t Transition)        { r.counts(t).Advanced++ }
func (r *Report) unchanged(t Transition)       { r.counts(t).Unchanged++ }

func (r *Report) failed(t Transition, err error) {
	r.counts(t).Failed++
	r.errs = multierror.Append(r.errs, err)
}

// Err returns the aggregated per-batch errors, or nil.
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}

// Errors returns the individual per-batch errors.
func (r *Report) Errors() []error {
	if r.errs == nil {
		return nil
	}
	return r.errs.WrappedErrors()
}

// ErrorsOf returns the per-batch errors recorded for t.
func (r *Report) ErrorsOf(t Transition) []*BatchError {
	var out []*BatchError
	for _, err := range r.Errors() {
		var be *BatchError
		if errors.As(err, &be) && be.Transition == t {
			out = append(out, be)
		}
	}
	return out
}

// Transitions lists the transitions present in the report, sorted.
func (r *Report) Transitions() []Transition {
	out := make([]Transition, 0, len(r.Counts))
	for t := range r.Counts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns the counts for t (zero if absent).
func (r *Report) Get(t Transition) Counts {
	if c, ok := r.Counts[t]; ok {
		return *c
	}
	return Counts{}
}
