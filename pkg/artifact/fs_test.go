package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// makeBatch creates <tmp>/scan/<name> with n run directories.
func makeBatch(t *testing.T, name string, n int, withInputs, withOutputs bool) string {
	t.Helper()
	batch := filepath.Join(t.TempDir(), "scan", name)
	for i := 0; i < n; i++ {
		run := filepath.Join(batch, "run"+string(rune('0'+i)))
		require.NoError(t, os.MkdirAll(run, 0o755))
		if withInputs {
			writeFile(t, filepath.Join(run, "input", "x.bin"), "in")
		}
		if withOutputs {
			writeFile(t, filepath.Join(run, "output", "gam.dat"), "out")
		}
	}
	return batch
}

func tarNames(t *testing.T, path string, compressed bool) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		defer func() { _ = gz.Close() }()
		r = gz
	}
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func TestLoadLayout_Scan(t *testing.T) {
	batch := makeBatch(t, "b1", 3, false, false)
	writeFile(t, filepath.Join(batch, "notes.txt"), "ignored")
	require.NoError(t, os.MkdirAll(filepath.Join(batch, ".hidden"), 0o755))

	l, err := LoadLayout(batch, "", []string{"input/*.bin"}, []string{"output/*.dat"})
	require.NoError(t, err)
	require.Len(t, l.Runs, 3)
	assert.Equal(t, "run0", l.Runs[0].Dir)
	assert.Equal(t, "run2", l.Runs[2].Dir)
	assert.Equal(t, []string{"input/*.bin"}, l.Runs[1].Inputs)
}

func TestLoadLayout_ScanKeepsPackagedRuns(t *testing.T) {
	batch := makeBatch(t, "b1", 3, false, false)
	require.NoError(t, os.RemoveAll(filepath.Join(batch, "run0")))
	writeFile(t, filepath.Join(batch, "run0.tar.gz"), "packed")

	l, err := LoadLayout(batch, "", nil, nil)
	require.NoError(t, err)
	require.Len(t, l.Runs, 3)
	assert.Equal(t, "run0", l.Runs[0].Dir)
}

func TestLoadLayout_Manifest(t *testing.T) {
	batch := filepath.Join(t.TempDir(), "b1")
	writeFile(t, filepath.Join(batch, "batch.yaml"), `
runs:
  - dir: zeta
    inputs: ["in/**/*.bin"]
  - dir: alpha
    outputs: ["out/*.nc"]
`)

	l, err := LoadLayout(batch, "batch.yaml", []string{"input/*.bin"}, []string{"output/*.dat"})
	require.NoError(t, err)
	require.Len(t, l.Runs, 2)
	assert.Equal(t, "zeta", l.Runs[0].Dir)
	assert.Equal(t, []string{"in/**/*.bin"}, l.Runs[0].Inputs)
	assert.Equal(t, []string{"output/*.dat"}, l.Runs[0].Outputs)
	assert.Equal(t, []string{"input/*.bin"}, l.Runs[1].Inputs)
	assert.Equal(t, []string{"out/*.nc"}, l.Runs[1].Outputs)

	_, err = l.Run(2)
	require.Error(t, err)
}

func TestLoadLayout_ManifestRejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "runs: []\n",
		"escape":    "runs:\n  - dir: ../other\n",
		"absolute":  "runs:\n  - dir: /etc\n",
		"duplicate": "runs:\n  - dir: a\n  - dir: a/\n",
		"bad glob":  "runs:\n  - dir: a\n    inputs: [\"[\"]\n",
		"not yaml":  "runs: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			batch := filepath.Join(t.TempDir(), "b")
			writeFile(t, filepath.Join(batch, "batch.yaml"), content)
			_, err := LoadLayout(batch, "batch.yaml", nil, nil)
			require.Error(t, err)
		})
	}
}

func TestInputsAndCompletion(t *testing.T) {
	ctx := context.Background()
	fs := NewFS(DefaultConfig(), nil)

	batch := makeBatch(t, "b1", 2, true, false)
	writeFile(t, filepath.Join(batch, "run1", "output", "gam.dat"), "done")

	ok, err := fs.InputsPresent(ctx, batch, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fs.IsJobComplete(ctx, batch, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = fs.IsJobComplete(ctx, batch, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := fs.JobCount(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = fs.InputsPresent(ctx, batch, 5)
	require.Error(t, err)
}

func TestPackageAndRemove(t *testing.T) {
	ctx := context.Background()
	fs := NewFS(DefaultConfig(), nil)
	batch := makeBatch(t, "b1", 1, true, true)
	dir := filepath.Join(batch, "run0")

	archive, err := fs.PackageAndRemove(ctx, dir, true)
	require.NoError(t, err)
	assert.Equal(t, dir+".tar.gz", archive)
	assert.NoDirExists(t, dir)
	assert.FileExists(t, archive)
	assert.Equal(t, []string{"run0/", "run0/input/", "run0/input/x.bin", "run0/output/", "run0/output/gam.dat"},
		tarNames(t, archive, true))

	// Re-running after success is a no-op.
	again, err := fs.PackageAndRemove(ctx, dir, true)
	require.NoError(t, err)
	assert.Equal(t, archive, again)

	// No temp files are left behind.
	entries, err := os.ReadDir(batch)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestPackageAndRemove_SilentArchiverFailureKeepsDir(t *testing.T) {
	ctx := context.Background()
	silent := func(context.Context, string, string, bool) error { return nil }
	fs := NewFS(DefaultConfig(), nil).WithArchiver(silent)

	batch := makeBatch(t, "b1", 1, true, true)
	dir := filepath.Join(batch, "run0")

	_, err := fs.PackageAndRemove(ctx, dir, true)
	require.Error(t, err)
	assert.True(t, IsConfirmationError(err))
	assert.DirExists(t, dir)
	assert.NoFileExists(t, dir+".tar.gz")
}

func TestPackageAndRemove_ArchiverErrorKeepsDir(t *testing.T) {
	ctx := context.Background()
	failing := func(_ context.Context, _ string, dst string, _ bool) error {
		_ = os.WriteFile(dst, []byte("partial"), 0o644)
		return errors.New("disk full")
	}
	fs := NewFS(DefaultConfig(), nil).WithArchiver(failing)

	batch := makeBatch(t, "b1", 1, true, true)
	dir := filepath.Join(batch, "run0")

	_, err := fs.PackageAndRemove(ctx, dir, false)
	require.Error(t, err)
	assert.True(t, IsConfirmationError(err))
	assert.DirExists(t, dir)
	assert.NoFileExists(t, dir+".tar")

	entries, err := os.ReadDir(batch)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPackageAndRemove_MissingSource(t *testing.T) {
	fs := NewFS(DefaultConfig(), nil)
	_, err := fs.PackageAndRemove(context.Background(), filepath.Join(t.TempDir(), "gone"), true)
	require.ErrorIs(t, err, ErrMissingSource)
}

func TestPackage_KeepsDir(t *testing.T) {
	fs := NewFS(DefaultConfig(), nil)
	batch := makeBatch(t, "b1", 1, true, false)

	archive, err := fs.Package(context.Background(), batch, true)
	require.NoError(t, err)
	assert.Equal(t, batch+".tar.gz", archive)
	assert.DirExists(t, batch)
	assert.Contains(t, tarNames(t, archive, true), "b1/run0/input/x.bin")
}

func TestRelocateArchival(t *testing.T) {
	ctx := context.Background()
	fs := NewFS(DefaultConfig(), nil)
	batch := makeBatch(t, "b1", 1, false, false)
	writeFile(t, filepath.Join(batch, "b1.nc"), "netcdf")

	dst, err := fs.RelocateArchival(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(batch), "b1.nc"), dst)
	assert.FileExists(t, dst)
	assert.NoFileExists(t, filepath.Join(batch, "b1.nc"))

	again, err := fs.RelocateArchival(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, dst, again)

	other := makeBatch(t, "b2", 1, false, false)
	_, err = fs.RelocateArchival(ctx, other)
	require.ErrorIs(t, err, ErrArchivalMissing)
}

func TestCollaboratorCommands(t *testing.T) {
	ctx := context.Background()
	var got [][]string
	var dirs []string
	runner := func(_ context.Context, dir string, argv []string) error {
		dirs = append(dirs, dir)
		got = append(got, argv)
		if argv[0] == "qlk-netcdf" {
			return os.WriteFile(filepath.Join(dir, filepath.Base(dir)+".nc"), []byte("netcdf"), 0o600)
		}
		return nil
	}

	cfg := DefaultConfig()
	cfg.GenerateCommand = []string{"qlk-generate", "--batch", "{batch}"}
	cfg.ConvertCommand = []string{"qlk-netcdf", "{batch}/out"}
	fs := NewFS(cfg, nil).WithCommandRunner(runner)

	batch := makeBatch(t, "b1", 1, false, false)
	require.NoError(t, fs.GenerateInput(ctx, batch))
	require.NoError(t, fs.ConvertToArchival(ctx, batch))

	require.Len(t, got, 2)
	assert.Equal(t, []string{"qlk-generate", "--batch", batch}, got[0])
	assert.Equal(t, []string{"qlk-netcdf", batch + "/out"}, got[1])
	assert.Equal(t, []string{batch, batch}, dirs)

	// Re-running converts again.
	require.NoError(t, fs.ConvertToArchival(ctx, batch))
	assert.Len(t, got, 3)
}

func TestConvertToArchival_RebuildsTruncatedFile(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cfg := DefaultConfig()
	cfg.ConvertCommand = []string{"qlk-netcdf"}
	fs := NewFS(cfg, nil).WithCommandRunner(func(_ context.Context, dir string, _ []string) error {
		calls++
		return os.WriteFile(filepath.Join(dir, "b1.nc"), []byte("netcdf"), 0o600)
	})

	batch := makeBatch(t, "b1", 1, false, false)
	nc := filepath.Join(batch, "b1.nc")
	writeFile(t, nc, "")

	require.NoError(t, fs.ConvertToArchival(ctx, batch))
	assert.Equal(t, 1, calls)
	data, err := os.ReadFile(nc)
	require.NoError(t, err)
	assert.Equal(t, "netcdf", string(data))
}

func TestConvertToArchival_ConverterWithoutOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConvertCommand = []string{"qlk-netcdf"}
	fs := NewFS(cfg, nil).WithCommandRunner(func(context.Context, string, []string) error { return nil })

	batch := makeBatch(t, "b1", 1, false, false)
	writeFile(t, filepath.Join(batch, "b1.nc"), "stale partial output")

	err := fs.ConvertToArchival(context.Background(), batch)
	var confirm *ArtifactConfirmationError
	require.True(t, errors.As(err, &confirm))
	assert.NoFileExists(t, filepath.Join(batch, "b1.nc"))
}

func TestCollaboratorCommands_Unconfigured(t *testing.T) {
	called := false
	fs := NewFS(DefaultConfig(), nil).WithCommandRunner(func(context.Context, string, []string) error {
		called = true
		return nil
	})
	batch := makeBatch(t, "b1", 1, false, false)
	require.NoError(t, fs.GenerateInput(context.Background(), batch))
	require.NoError(t, fs.ConvertToArchival(context.Background(), batch))
	assert.False(t, called)
}

func TestRemoveDir(t *testing.T) {
	fs := NewFS(DefaultConfig(), nil)
	batch := makeBatch(t, "b1", 1, false, false)

	require.NoError(t, fs.RemoveDir(context.Background(), batch))
	assert.NoDirExists(t, batch)
	require.NoError(t, fs.RemoveDir(context.Background(), batch))
}
