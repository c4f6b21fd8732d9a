package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchPlaceholder is replaced by the batch path in collaborator commands.
const BatchPlaceholder = "{batch}"

// Config configures filesystem artifact operations.
type Config struct {
	// ManifestName is the per-batch layout file name.
	ManifestName string
	// DefaultInputs and DefaultOutputs apply to runs that declare no patterns.
	DefaultInputs  []string
	DefaultOutputs []string
	// GenerateCommand produces inputs. Empty means inputs are pre-generated.
	GenerateCommand []string
	// ConvertCommand produces the archival file. Empty disables conversion.
	ConvertCommand []string
	// ArchivalExt is the archival file extension, including the dot.
	ArchivalExt string
	// CommandTimeout bounds each collaborator command (0 = no bound).
	CommandTimeout time.Duration
}

// DefaultConfig returns defaults for a gyrokinetic parameter scan layout.
func DefaultConfig() Config {
	return Config{
		ManifestName:   DefaultManifestName,
		DefaultInputs:  []string{"input/*.bin"},
		DefaultOutputs: []string{"output/*.dat"},
		ArchivalExt:    ".nc",
		CommandTimeout: 6 * time.Hour,
	}
}

// CommandRunner runs argv in dir.
type CommandRunner func(ctx context.Context, dir string, argv []string) error

// ExecCommand runs argv with os/exec, capturing stderr into the error.
func ExecCommand(ctx context.Context, dir string, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	// #nosec G204 -- argv comes from operator configuration
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

// FS implements Operations on the local filesystem.
type FS struct {
	cfg      Config
	logger   *zap.Logger
	archiver Archiver
	run      CommandRunner
}

var _ Operations = (*FS)(nil)

// NewFS creates filesystem artifact operations.
func NewFS(cfg Config, logger *zap.Logger) *FS {
	def := DefaultConfig()
	if cfg.ManifestName == "" {
		cfg.ManifestName = def.ManifestName
	}
	if len(cfg.DefaultInputs) == 0 {
		cfg.DefaultInputs = def.DefaultInputs
	}
	if len(cfg.DefaultOutputs) == 0 {
		cfg.DefaultOutputs = def.DefaultOutputs
	}
	if cfg.ArchivalExt == "" {
		cfg.ArchivalExt = def.ArchivalExt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FS{cfg: cfg, logger: logger, archiver: TarArchiver, run: ExecCommand}
}

// WithArchiver replaces the archiver.
func (f *FS) WithArchiver(a Archiver) *FS {
	f.archiver = a
	return f
}

// WithCommandRunner replaces the collaborator command runner.
func (f *FS) WithCommandRunner(r CommandRunner) *FS {
	f.run = r
	return f
}

func (f *FS) layout(batchPath string) (*Layout, error) {
	return LoadLayout(batchPath, f.cfg.ManifestName, f.cfg.DefaultInputs, f.cfg.DefaultOutputs)
}

func (f *FS) JobCount(_ context.Context, batchPath string) (int, error) {
	l, err := f.layout(batchPath)
	if err != nil {
		return 0, err
	}
	return len(l.Runs), nil
}

func (f *FS) JobDir(_ context.Context, batchPath string, job int) (string, error) {
	l, err := f.layout(batchPath)
	if err != nil {
		return "", err
	}
	r, err := l.Run(job)
	if err != nil {
		return "", err
	}
	return filepath.Join(batchPath, r.Dir), nil
}

func (f *FS) GenerateInput(ctx context.Context, batchPath string) error {
	if len(f.cfg.GenerateCommand) == 0 {
		f.logger.Debug("No input generator configured", zap.String("batch", batchPath))
		return nil
	}
	return f.command(ctx, batchPath, f.cfg.GenerateCommand)
}

func (f *FS) InputsPresent(_ context.Context, batchPath string, job int) (bool, error) {
	l, err := f.layout(batchPath)
	if err != nil {
		return false, err
	}
	r, err := l.Run(job)
	if err != nil {
		return false, err
	}
	return allMatch(filepath.Join(batchPath, r.Dir), r.Inputs)
}

func (f *FS) IsJobComplete(_ context.Context, batchPath string, job int) (bool, error) {
	l, err := f.layout(batchPath)
	if err != nil {
		return false, err
	}
	r, err := l.Run(job)
	if err != nil {
		return false, err
	}
	return allMatch(filepath.Join(batchPath, r.Dir), r.Outputs)
}

// ConvertToArchival always rebuilds <batch>/<name><ext>: a file left by an
// interrupted converter is removed first, and the new one must exist and be
// non-empty before the call succeeds.
func (f *FS) ConvertToArchival(ctx context.Context, batchPath string) error {
	if len(f.cfg.ConvertCommand) == 0 {
		f.logger.Debug("No converter configured", zap.String("batch", batchPath))
		return nil
	}
	inBatch, _ := f.archivalPaths(batchPath)
	if err := os.Remove(inBatch); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale archival file: %w", err)
	}
	if err := f.command(ctx, batchPath, f.cfg.ConvertCommand); err != nil {
		return err
	}
	if !nonEmptyFile(inBatch) {
		return &ArtifactConfirmationError{Path: inBatch, Reason: "converter produced no output"}
	}
	return nil
}

func (f *FS) archivalPaths(batchPath string) (inBatch, relocated string) {
	batchPath = filepath.Clean(batchPath)
	name := filepath.Base(batchPath) + f.cfg.ArchivalExt
	return filepath.Join(batchPath, name), filepath.Join(filepath.Dir(batchPath), name)
}

// RelocateArchival is idempotent: if the file was already moved, the
// relocated path is returned.
func (f *FS) RelocateArchival(_ context.Context, batchPath string) (string, error) {
	src, dst := f.archivalPaths(batchPath)
	if fileExists(src) {
		if err := os.Rename(src, dst); err != nil {
			return "", fmt.Errorf("relocate archival file: %w", err)
		}
		return dst, nil
	}
	if fileExists(dst) {
		return dst, nil
	}
	return "", fmt.Errorf("%w: %s", ErrArchivalMissing, src)
}

func (f *FS) Package(ctx context.Context, dir string, compressed bool) (string, error) {
	dir = filepath.Clean(dir)
	if !dirExists(dir) {
		return "", fmt.Errorf("%w: %s", ErrMissingSource, dir)
	}
	return f.writeArchive(ctx, dir, compressed)
}

// PackageAndRemove writes the archive to a temporary sibling, renames it
// into place and removes dir only after the final archive is observed to
// exist and be non-empty. When dir is already gone and the archive exists,
// the call is a no-op.
func (f *FS) PackageAndRemove(ctx context.Context, dir string, compressed bool) (string, error) {
	dir = filepath.Clean(dir)
	final := ArchivePath(dir, compressed)

	if !dirExists(dir) {
		if nonEmptyFile(final) {
			return final, nil
		}
		return "", fmt.Errorf("%w: %s", ErrMissingSource, dir)
	}

	archive, err := f.writeArchive(ctx, dir, compressed)
	if err != nil {
		return "", err
	}

	if err := os.RemoveAll(dir); err != nil {
		return archive, fmt.Errorf("remove %s after packaging: %w", dir, err)
	}
	f.logger.Debug("Packaged directory", zap.String("dir", dir), zap.String("archive", archive))
	return archive, nil
}

func (f *FS) writeArchive(ctx context.Context, dir string, compressed bool) (string, error) {
	final := ArchivePath(dir, compressed)
	tmp := filepath.Join(filepath.Dir(final), "."+filepath.Base(final)+"."+uuid.NewString()+".tmp")

	if err := f.archiver(ctx, dir, tmp, compressed); err != nil {
		_ = os.Remove(tmp)
		return "", &ArtifactConfirmationError{Path: final, Reason: "archiver failed", Err: err}
	}
	if !nonEmptyFile(tmp) {
		_ = os.Remove(tmp)
		return "", &ArtifactConfirmationError{Path: final, Reason: "archiver produced no output"}
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", &ArtifactConfirmationError{Path: final, Reason: "rename into place", Err: err}
	}
	if !nonEmptyFile(final) {
		return "", &ArtifactConfirmationError{Path: final, Reason: "archive missing or empty after rename"}
	}
	return final, nil
}

func (f *FS) RemoveDir(_ context.Context, dir string) error {
	dir = filepath.Clean(dir)
	if !dirExists(dir) {
		f.logger.Warn("Directory already gone", zap.String("dir", dir))
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

func (f *FS) command(ctx context.Context, batchPath string, tmpl []string) error {
	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = strings.ReplaceAll(a, BatchPlaceholder, batchPath)
	}
	if f.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.CommandTimeout)
		defer cancel()
	}
	return f.run(ctx, batchPath, argv)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
