package slurm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchkeeper/pkg/scheduler"
)

type call struct {
	dir  string
	argv []string
}

type scriptedRunner struct {
	calls   []call
	outputs [][]byte
	errs    []error
}

func (r *scriptedRunner) run(_ context.Context, dir string, argv []string) ([]byte, error) {
	i := len(r.calls)
	r.calls = append(r.calls, call{dir: dir, argv: argv})
	var out []byte
	var err error
	if i < len(r.outputs) {
		out = r.outputs[i]
	}
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return out, err
}

func newTestGateway(r *scriptedRunner) *Gateway {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.AccountingRate = 0
	return New(cfg, nil).WithRunner(r.run)
}

func TestCountQueued(t *testing.T) {
	r := &scriptedRunner{outputs: [][]byte{[]byte("101 normal batch R\n102 normal batch PD\n\n")}}
	g := newTestGateway(r)

	n, err := g.CountQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"squeue", "--me", "--noheader"}, r.calls[0].argv)
}

func TestCountQueued_HeaderLines(t *testing.T) {
	r := &scriptedRunner{outputs: [][]byte{[]byte("JOBID PARTITION\n101 normal\n")}}
	cfg := DefaultConfig()
	cfg.QueueCommand = []string{"sqs"}
	cfg.QueueHeaderLines = 1
	g := New(cfg, nil).WithRunner(r.run)

	n, err := g.CountQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r2 := &scriptedRunner{outputs: [][]byte{nil}}
	g = New(cfg, nil).WithRunner(r2.run)
	_, err = g.CountQueued(context.Background())
	require.Error(t, err)
	assert.True(t, scheduler.IsGatewayError(err))
}

func TestCountQueued_RetriesThenFails(t *testing.T) {
	boom := errors.New("slurmctld unreachable")
	r := &scriptedRunner{errs: []error{boom, boom, boom}}
	g := newTestGateway(r)

	_, err := g.CountQueued(context.Background())
	require.Error(t, err)
	assert.True(t, scheduler.IsGatewayError(err))
	assert.Len(t, r.calls, 3)
}

func TestCountQueued_RetrySucceeds(t *testing.T) {
	r := &scriptedRunner{
		outputs: [][]byte{nil, []byte("1\n")},
		errs:    []error{errors.New("transient"), nil},
	}
	g := newTestGateway(r)

	n, err := g.CountQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueryStatus(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want scheduler.Status
	}{
		{"completed", "4242|COMPLETED|0:0\n4242.batch|COMPLETED|0:0\n", scheduler.StatusCompleted},
		{"running", "4242|RUNNING|0:0\n", scheduler.StatusRunning},
		{"cancelled by user", "4242|CANCELLED by 1001|0:15\n", scheduler.StatusCancelled},
		{"timeout", "4242|TIMEOUT|0:0\n", scheduler.StatusTimeout},
		{"failed is not a recognised outcome", "4242|FAILED|1:0\n", scheduler.StatusUnknown},
		{"empty output", "", scheduler.StatusUnknown},
		{"malformed", "garbage\n", scheduler.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRunner{outputs: [][]byte{[]byte(tt.out)}}
			g := newTestGateway(r)

			got, err := g.QueryStatus(context.Background(), "4242")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "4242", r.calls[0].argv[len(r.calls[0].argv)-1])
			assert.Contains(t, strings.Join(r.calls[0].argv, " "), "--parsable2")
		})
	}
}

func TestQueryStatus_Errors(t *testing.T) {
	g := newTestGateway(&scriptedRunner{})
	_, err := g.QueryStatus(context.Background(), " ")
	require.Error(t, err)

	boom := errors.New("sacct down")
	g = newTestGateway(&scriptedRunner{errs: []error{boom, boom, boom}})
	st, err := g.QueryStatus(context.Background(), "1")
	require.Error(t, err)
	assert.Equal(t, scheduler.StatusUnknown, st)
	assert.True(t, scheduler.IsGatewayError(err))
}

func TestSubmit(t *testing.T) {
	r := &scriptedRunner{outputs: [][]byte{[]byte("98765;cluster\n")}}
	g := newTestGateway(r)

	jobNumber, err := g.Submit(context.Background(), "/scratch/b1")
	require.NoError(t, err)
	assert.Equal(t, "98765", jobNumber)
	assert.Equal(t, "/scratch/b1", r.calls[0].dir)
}

func TestSubmit_NotRetried(t *testing.T) {
	r := &scriptedRunner{errs: []error{errors.New("sbatch: error: invalid partition")}}
	g := newTestGateway(r)

	_, err := g.Submit(context.Background(), "/scratch/b1")
	require.Error(t, err)
	assert.True(t, scheduler.IsSubmissionError(err))
	assert.Len(t, r.calls, 1)
}

func TestSubmit_NoJobNumber(t *testing.T) {
	g := newTestGateway(&scriptedRunner{outputs: [][]byte{[]byte("\n")}})
	_, err := g.Submit(context.Background(), "/b")
	require.ErrorIs(t, err, scheduler.ErrNoJobNumber)

	g = newTestGateway(&scriptedRunner{outputs: [][]byte{[]byte("queued, maybe")}})
	_, err = g.Submit(context.Background(), "/b")
	require.ErrorIs(t, err, scheduler.ErrNoJobNumber)
}

func TestCancel(t *testing.T) {
	r := &scriptedRunner{}
	g := newTestGateway(r)

	require.NoError(t, g.Cancel(context.Background(), "55"))
	assert.Equal(t, []string{"scancel", "55"}, r.calls[0].argv)

	require.Error(t, g.Cancel(context.Background(), ""))
}

func TestParseJobNumber(t *testing.T) {
	assert.Equal(t, "123", parseJobNumber([]byte("123")))
	assert.Equal(t, "123", parseJobNumber([]byte("Submitted batch job 123\n")))
	assert.Equal(t, "123", parseJobNumber([]byte("123;gpu\n")))
	assert.Equal(t, "", parseJobNumber([]byte("error")))
}
