package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultManifestName is the per-batch layout file.
const DefaultManifestName = "batch.yaml"

// Layout describes the run directories of a batch, one per job.
//
// Example batch.yaml:
//
//	runs:
//	  - dir: run000
//	    inputs: ["input/*.bin"]
//	    outputs: ["output/primitive/*.dat"]
//	  - dir: run001
type Layout struct {
	Runs []Run `yaml:"runs"`
}

// Run is one job's directory and the artifact patterns that prove its
// inputs and outputs exist. Patterns are doublestar globs relative to Dir.
type Run struct {
	Dir     string   `yaml:"dir"`
	Inputs  []string `yaml:"inputs,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`
}

// LoadLayout reads <batchPath>/<manifestName>. When the manifest does not
// exist, runs are the sorted immediate subdirectories of the batch, plus any
// run already packaged as <name>.tar.gz, so job indices stay stable after
// run directories have been removed.
func LoadLayout(batchPath, manifestName string, defaultInputs, defaultOutputs []string) (*Layout, error) {
	if manifestName == "" {
		manifestName = DefaultManifestName
	}

	data, err := os.ReadFile(filepath.Join(batchPath, manifestName))
	switch {
	case err == nil:
		return parseLayout(data, batchPath, defaultInputs, defaultOutputs)
	case errors.Is(err, os.ErrNotExist):
		return scanLayout(batchPath, defaultInputs, defaultOutputs)
	default:
		return nil, fmt.Errorf("read batch layout: %w", err)
	}
}

func parseLayout(data []byte, batchPath string, defaultInputs, defaultOutputs []string) (*Layout, error) {
	if err := ValidateLayoutYAML(data); err != nil {
		return nil, fmt.Errorf("batch layout in %s: %w", batchPath, err)
	}
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse batch layout in %s: %w", batchPath, err)
	}
	if len(l.Runs) == 0 {
		return nil, fmt.Errorf("batch layout in %s lists no runs", batchPath)
	}

	seen := make(map[string]bool, len(l.Runs))
	for i := range l.Runs {
		r := &l.Runs[i]
		r.Dir = filepath.Clean(strings.TrimSpace(r.Dir))
		if r.Dir == "." || r.Dir == "" || filepath.IsAbs(r.Dir) || strings.HasPrefix(r.Dir, "..") {
			return nil, fmt.Errorf("run %d: dir must be a relative path inside the batch, got %q", i, r.Dir)
		}
		if seen[r.Dir] {
			return nil, fmt.Errorf("run %d: duplicate dir %q", i, r.Dir)
		}
		seen[r.Dir] = true
		if len(r.Inputs) == 0 {
			r.Inputs = defaultInputs
		}
		if len(r.Outputs) == 0 {
			r.Outputs = defaultOutputs
		}
	}
	if err := l.validatePatterns(); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLayout(batchPath string, defaultInputs, defaultOutputs []string) (*Layout, error) {
	entries, err := os.ReadDir(batchPath)
	if err != nil {
		return nil, fmt.Errorf("scan batch directory: %w", err)
	}

	names := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		switch {
		case e.IsDir():
			names[name] = true
		case strings.HasSuffix(name, ".tar.gz"):
			names[strings.TrimSuffix(name, ".tar.gz")] = true
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("batch %s has no run directories", batchPath)
	}

	dirs := make([]string, 0, len(names))
	for name := range names {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)

	l := &Layout{Runs: make([]Run, 0, len(dirs))}
	for _, d := range dirs {
		l.Runs = append(l.Runs, Run{Dir: d, Inputs: defaultInputs, Outputs: defaultOutputs})
	}
	if err := l.validatePatterns(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) validatePatterns() error {
	for i, r := range l.Runs {
		for _, p := range append(append([]string{}, r.Inputs...), r.Outputs...) {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("run %d: invalid pattern %q", i, p)
			}
		}
	}
	return nil
}

// Run returns the run at index job.
func (l *Layout) Run(job int) (Run, error) {
	if job < 0 || job >= len(l.Runs) {
		return Run{}, fmt.Errorf("job index %d out of range (batch has %d runs)", job, len(l.Runs))
	}
	return l.Runs[job], nil
}

// allMatch reports whether every pattern matches at least one regular file
// under dir. A run with no patterns never matches.
func allMatch(dir string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return false, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	fsys := os.DirFS(dir)
	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return false, fmt.Errorf("match %q in %s: %w", p, dir, err)
		}
		if len(matches) == 0 {
			return false, nil
		}
	}
	return true, nil
}
