package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchkeeper/internal/config"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/coordinator"
	"github.com/3leaps/batchkeeper/pkg/lifecycle"
)

type cliEnv struct {
	t    *testing.T
	dir  string
	db   string
	lock string
}

// newCLIEnv isolates config lookup and points the scheduler commands at
// stand-ins: an empty queue, a submitter printing job 4242 and an accounting
// query that never answers.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, ".local", "share"))

	e := &cliEnv{
		t:    t,
		dir:  dir,
		db:   filepath.Join(dir, "jobdb.sqlite3"),
		lock: filepath.Join(dir, "batchkeeper.lock"),
	}
	t.Setenv("BATCHKEEPER_RUN_LOCK_PATH", e.lock)
	t.Setenv("BATCHKEEPER_SCHEDULER_QUEUE_COMMAND", "true")
	t.Setenv("BATCHKEEPER_SCHEDULER_SUBMIT_COMMAND", "echo 4242")
	t.Setenv("BATCHKEEPER_SCHEDULER_ACCOUNTING_COMMAND", "true")
	t.Setenv("BATCHKEEPER_SCHEDULER_ATTEMPTS", "1")
	t.Setenv("BATCHKEEPER_LOGGING_LEVEL", "error")

	config.SetConfigFile("")
	t.Cleanup(func() { config.SetConfigFile("") })
	return e
}

// batchDir creates a batch directory with n run directories; inputs writes
// the default input file into each.
func (e *cliEnv) batchDir(name string, n int, inputs bool) string {
	e.t.Helper()
	batch := filepath.Join(e.dir, "scan", name)
	for i := 0; i < n; i++ {
		run := filepath.Join(batch, "run"+string(rune('0'+i)))
		require.NoError(e.t, os.MkdirAll(filepath.Join(run, "input"), 0o755))
		if inputs {
			require.NoError(e.t, os.WriteFile(filepath.Join(run, "input", "plasma.bin"), []byte{1}, 0o644))
		}
	}
	return batch
}

func (e *cliEnv) run(stdin string, args ...string) (string, error) {
	e.t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--db", e.db}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run("", args...)
	require.NoError(e.t, err, out)
	return out
}

func (e *cliEnv) batches(args ...string) []batchstore.Batch {
	e.t.Helper()
	out := e.mustRun(append([]string{"batch", "list", "--json"}, args...)...)
	var bs []batchstore.Batch
	require.NoError(e.t, json.Unmarshal([]byte(out), &bs), out)
	return bs
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *exitCodeError
	require.ErrorAs(t, err, &ee)
	return ee.code
}

func TestCLI_DBInit(t *testing.T) {
	e := newCLIEnv(t)
	out := e.mustRun("db", "init")
	assert.Contains(t, out, "db="+e.db)
	_, err := os.Stat(e.db)
	assert.NoError(t, err)
}

func TestCLI_BatchAddListShow(t *testing.T) {
	e := newCLIEnv(t)
	low := e.batchDir("b0", 2, false)
	high := e.batchDir("b1", 3, false)

	out := e.mustRun("batch", "add", low, "--param", "Ti_Te_rel=0.25")
	assert.Contains(t, out, "state=prepared")
	e.mustRun("batch", "add", high, "--param", "Ti_Te_rel=0.75")

	all := e.batches()
	require.Len(t, all, 2)
	assert.Equal(t, low, all[0].Path)

	filtered := e.batches("--filter", "Ti_Te_rel>0.5")
	require.Len(t, filtered, 1)
	assert.Equal(t, high, filtered[0].Path)

	out = e.mustRun("batch", "show", "2", "--json")
	var detail struct {
		Path   string             `json:"path"`
		Jobs   []batchstore.Job   `json:"jobs"`
		Params map[string]float64 `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &detail), out)
	assert.Equal(t, high, detail.Path)
	assert.Len(t, detail.Jobs, 3)
	assert.Equal(t, 0.75, detail.Params["Ti_Te_rel"])

	out = e.mustRun("batch", "show", "1")
	assert.Contains(t, out, "Ti_Te_rel = 0.25")

	_, err := e.run("", "batch", "show", "99")
	assert.Equal(t, foundry.ExitFileNotFound, exitCode(t, err))

	_, err = e.run("", "batch", "add", low, "--param", "Ti_Te_rel=half")
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
}

func TestCLI_HoldAndRelease(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("batch", "add", e.batchDir("b0", 1, true), "--param", "Ti_Te_rel=0.25")
	e.mustRun("batch", "add", e.batchDir("b1", 1, false), "--param", "Ti_Te_rel=0.75")

	e.mustRun("hold", "--all")
	assert.Len(t, e.batches("--state", "hold"), 2)

	e.mustRun("release", "--filter", "Ti_Te_rel<=0.5")
	inputed := e.batches("--state", "inputed")
	require.Len(t, inputed, 1, "b0 has every input and returns to inputed")
	assert.Len(t, e.batches("--state", "hold"), 1)

	e.mustRun("release", "--all")
	assert.Len(t, e.batches("--state", "prepared"), 1, "b1 has no inputs and returns to prepared")
	assert.Empty(t, e.batches("--state", "hold"))
}

func TestCLI_ManualOperationsRequireScope(t *testing.T) {
	e := newCLIEnv(t)
	for _, op := range []string{"cancel", "hold", "release", "tar"} {
		t.Run(op, func(t *testing.T) {
			_, err := e.run("", op)
			require.Error(t, err)
			assert.ErrorIs(t, err, lifecycle.ErrEmptyFilter)
			assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
		})
	}

	_, err := e.run("", "cancel", "--filter", "path;rm -rf")
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
}

func TestCLI_Trash(t *testing.T) {
	e := newCLIEnv(t)
	dir := e.batchDir("b0", 2, false)
	e.mustRun("batch", "add", dir)

	t.Run("declined", func(t *testing.T) {
		_, err := e.run("n\n", "trash")
		require.ErrorIs(t, err, lifecycle.ErrNotConfirmed)
		assert.DirExists(t, dir)
		assert.Len(t, e.batches("--state", "prepared"), 1)
	})

	t.Run("empty answer is no", func(t *testing.T) {
		_, err := e.run("\n", "trash")
		require.ErrorIs(t, err, lifecycle.ErrNotConfirmed)
		assert.DirExists(t, dir)
	})

	t.Run("confirmed", func(t *testing.T) {
		out, err := e.run("y\n", "trash")
		require.NoError(t, err, out)
		assert.NoDirExists(t, dir)
		assert.Len(t, e.batches("--state", "thrashed"), 1)
	})
}

func TestCLI_Run(t *testing.T) {
	e := newCLIEnv(t)
	ready := e.batchDir("b0", 2, true)
	missing := e.batchDir("b1", 2, false)
	e.mustRun("batch", "add", ready)
	e.mustRun("batch", "add", missing)

	out := e.mustRun("run", "--json")
	var sum struct {
		Capacity int               `json:"capacity"`
		Report   *lifecycle.Report `json:"report"`
		Errors   []string          `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sum), out)
	assert.Equal(t, 200, sum.Capacity)
	assert.Equal(t, 1, sum.Report.NotDone, "the submitted batch has no accounting record yet")
	assert.Len(t, sum.Errors, 1, "b1 has no inputs")

	queued := e.batches("--state", "queued")
	require.Len(t, queued, 1)
	assert.Equal(t, ready, queued[0].Path)
	assert.Equal(t, "4242", queued[0].JobNumber)
	assert.Len(t, e.batches("--state", "prepared"), 1)
	assert.NoFileExists(t, e.lock, "lock released after the pass")

	t.Run("queue limit zero submits nothing", func(t *testing.T) {
		out := e.mustRun("run", "--queue-limit", "0")
		assert.Contains(t, out, "capacity=0")
	})
}

func TestCLI_RunLockHeld(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("db", "init")

	cfg, err := currentConfig()
	require.NoError(t, err)
	held := newLock(cfg)
	require.NoError(t, held.Acquire())
	defer func() { _ = held.Release() }()

	_, err = e.run("", "run")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, exitCode(t, err))

	out := e.mustRun("lock", "show")
	assert.Contains(t, out, "held=true stale=false")

	_, err = e.run("", "lock", "break")
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(t, err))
	e.mustRun("lock", "break", "--force")
	assert.NoFileExists(t, e.lock)
}

func TestCLI_Version(t *testing.T) {
	e := newCLIEnv(t)
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc123", "2026-10-01")

	out := e.mustRun("version")
	assert.Equal(t, "batchkeeper 1.2.3 (commit abc123, built 2026-10-01)\n", out)
}

func TestPassError(t *testing.T) {
	assert.NoError(t, passError(nil))
	assert.Equal(t, foundry.ExitSignalInt, exitCode(t, passError(coordinator.ErrCancelled)))
	assert.Equal(t, foundry.ExitFileWriteError,
		exitCode(t, passError(&batchstore.StoreError{Op: "update batch", Err: os.ErrPermission})))
}
