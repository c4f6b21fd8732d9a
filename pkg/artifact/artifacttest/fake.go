// Package artifacttest provides an in-memory artifact.Operations for tests.
package artifacttest

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/3leaps/batchkeeper/pkg/artifact"
)

// Ops is an in-memory artifact.Operations. Directories and archives are
// tracked as sets of paths; batches are registered with AddBatch.
type Ops struct {
	mu sync.Mutex

	jobs     map[string]int
	inputs   map[string]bool
	outputs  map[string]bool
	dirs     map[string]bool
	archives map[string]bool
	archival map[string]bool

	// GenerateCreatesInputs makes GenerateInput mark every job's inputs present.
	GenerateCreatesInputs bool
	// MissingAfterGenerate lists jobs ("<batch>/runN") whose inputs stay
	// missing after generation.
	MissingAfterGenerate map[string]bool
	GenerateErr          map[string]error
	ConvertErr           map[string]error
	// SilentPackageFailure lists directories whose archive is never written
	// even though packaging reports no archiver error.
	SilentPackageFailure map[string]bool
	RemoveErr            map[string]error

	Generated []string
	Converted []string
	Packaged  []string
	Removed   []string
}

var _ artifact.Operations = (*Ops)(nil)

// New returns an empty fake.
func New() *Ops {
	return &Ops{
		jobs:                  make(map[string]int),
		inputs:                make(map[string]bool),
		outputs:               make(map[string]bool),
		dirs:                  make(map[string]bool),
		archives:              make(map[string]bool),
		archival:              make(map[string]bool),
		GenerateCreatesInputs: true,
		MissingAfterGenerate:  make(map[string]bool),
		GenerateErr:           make(map[string]error),
		ConvertErr:            make(map[string]error),
		SilentPackageFailure:  make(map[string]bool),
		RemoveErr:             make(map[string]error),
	}
}

// RunDir returns the directory of job i of batch.
func RunDir(batch string, i int) string {
	return path.Join(batch, fmt.Sprintf("run%d", i))
}

// AddBatch registers a batch directory with n run directories.
func (o *Ops) AddBatch(batch string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs[batch] = n
	o.dirs[batch] = true
	for i := 0; i < n; i++ {
		o.dirs[RunDir(batch, i)] = true
	}
}

// SetInputs marks a job's inputs present or missing.
func (o *Ops) SetInputs(batch string, job int, present bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inputs[RunDir(batch, job)] = present
}

// SetComplete marks a job's outputs present or missing.
func (o *Ops) SetComplete(batch string, job int, done bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outputs[RunDir(batch, job)] = done
}

// DirExists reports whether dir is present.
func (o *Ops) DirExists(dir string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirs[dir]
}

// ArchiveExists reports whether an archive has been written at p.
func (o *Ops) ArchiveExists(p string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.archives[p]
}

// ArchivalExists reports whether the batch's archival file exists in
// either location.
func (o *Ops) ArchivalExists(batch string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.archival[batch]
}

func (o *Ops) JobCount(_ context.Context, batch string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.jobs[batch]
	if !ok {
		return 0, fmt.Errorf("batch %s not found", batch)
	}
	return n, nil
}

func (o *Ops) JobDir(_ context.Context, batch string, job int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.jobs[batch]
	if !ok || job < 0 || job >= n {
		return "", fmt.Errorf("job %d of %s not found", job, batch)
	}
	return RunDir(batch, job), nil
}

func (o *Ops) GenerateInput(_ context.Context, batch string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Generated = append(o.Generated, batch)
	if err := o.GenerateErr[batch]; err != nil {
		return err
	}
	if o.GenerateCreatesInputs {
		for i := 0; i < o.jobs[batch]; i++ {
			dir := RunDir(batch, i)
			if !o.MissingAfterGenerate[dir] {
				o.inputs[dir] = true
			}
		}
	}
	return nil
}

func (o *Ops) InputsPresent(_ context.Context, batch string, job int) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inputs[RunDir(batch, job)], nil
}

func (o *Ops) IsJobComplete(_ context.Context, batch string, job int) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outputs[RunDir(batch, job)], nil
}

func (o *Ops) ConvertToArchival(_ context.Context, batch string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Converted = append(o.Converted, batch)
	if err := o.ConvertErr[batch]; err != nil {
		return err
	}
	o.archival[batch] = true
	return nil
}

func (o *Ops) PackageAndRemove(_ context.Context, dir string, compressed bool) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	archive := artifact.ArchivePath(dir, compressed)
	if !o.dirs[dir] {
		if o.archives[archive] {
			return archive, nil
		}
		return "", fmt.Errorf("%w: %s", artifact.ErrMissingSource, dir)
	}
	if o.SilentPackageFailure[dir] {
		return "", &artifact.ArtifactConfirmationError{Path: archive, Reason: "archiver produced no output"}
	}
	o.archives[archive] = true
	o.Packaged = append(o.Packaged, dir)
	o.removeTree(dir)
	return archive, nil
}

func (o *Ops) Package(_ context.Context, dir string, compressed bool) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.dirs[dir] {
		return "", fmt.Errorf("%w: %s", artifact.ErrMissingSource, dir)
	}
	archive := artifact.ArchivePath(dir, compressed)
	if o.SilentPackageFailure[dir] {
		return "", &artifact.ArtifactConfirmationError{Path: archive, Reason: "archiver produced no output"}
	}
	o.archives[archive] = true
	o.Packaged = append(o.Packaged, dir)
	return archive, nil
}

func (o *Ops) RelocateArchival(_ context.Context, batch string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.archival[batch] {
		return "", fmt.Errorf("%w: %s", artifact.ErrArchivalMissing, batch)
	}
	return path.Join(path.Dir(batch), path.Base(batch)+".nc"), nil
}

func (o *Ops) RemoveDir(_ context.Context, dir string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.RemoveErr[dir]; err != nil {
		return err
	}
	o.Removed = append(o.Removed, dir)
	o.removeTree(dir)
	return nil
}

func (o *Ops) removeTree(dir string) {
	for d := range o.dirs {
		if d == dir || (len(d) > len(dir) && d[:len(dir)+1] == dir+"/") {
			delete(o.dirs, d)
		}
	}
}
