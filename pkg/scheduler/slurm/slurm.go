// Package slurm implements scheduler.Gateway by shelling out to the SLURM
// command line tools.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/batchkeeper/pkg/scheduler"
)

// Config holds the command lines and call limits for the adapter.
type Config struct {
	// QueueCommand lists the caller's queued and running jobs, one per line.
	QueueCommand []string
	// QueueHeaderLines is the number of header lines QueueCommand prints.
	QueueHeaderLines int
	// AccountingCommand is run with the job number appended.
	AccountingCommand []string
	// SubmitCommand is run inside the batch directory.
	SubmitCommand []string
	// CancelCommand is run with the job number appended.
	CancelCommand []string

	// Timeout bounds each scheduler call.
	Timeout time.Duration
	// Attempts is the number of tries for read-only calls and cancel.
	// Submission is never retried.
	Attempts uint
	// RetryDelay is the base backoff between attempts.
	RetryDelay time.Duration
	// AccountingRate limits accounting queries per second (0 = unlimited).
	AccountingRate float64
}

// DefaultConfig returns settings for a stock SLURM installation.
func DefaultConfig() Config {
	return Config{
		QueueCommand:      []string{"squeue", "--me", "--noheader"},
		QueueHeaderLines:  0,
		AccountingCommand: []string{"sacct", "--brief", "--noheader", "--parsable2", "--job"},
		SubmitCommand:     []string{"sbatch", "--parsable", "jobscript.sh"},
		CancelCommand:     []string{"scancel"},
		Timeout:           30 * time.Second,
		Attempts:          3,
		RetryDelay:        2 * time.Second,
		AccountingRate:    5,
	}
}

// Runner executes a command in dir and returns its standard output.
type Runner func(ctx context.Context, dir string, argv []string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir string, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	// #nosec G204 -- argv comes from operator configuration
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return out, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, nil
}

// Gateway talks to SLURM.
type Gateway struct {
	cfg     Config
	run     Runner
	logger  *zap.Logger
	limiter *rate.Limiter
}

var _ scheduler.Gateway = (*Gateway)(nil)

// New creates a SLURM gateway. Zero-valued fields of cfg fall back to
// DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Gateway {
	def := DefaultConfig()
	if len(cfg.QueueCommand) == 0 {
		cfg.QueueCommand = def.QueueCommand
		cfg.QueueHeaderLines = def.QueueHeaderLines
	}
	if len(cfg.AccountingCommand) == 0 {
		cfg.AccountingCommand = def.AccountingCommand
	}
	if len(cfg.SubmitCommand) == 0 {
		cfg.SubmitCommand = def.SubmitCommand
	}
	if len(cfg.CancelCommand) == 0 {
		cfg.CancelCommand = def.CancelCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{cfg: cfg, run: ExecRunner, logger: logger}
	if cfg.AccountingRate > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.AccountingRate), 1)
	}
	return g
}

// WithRunner replaces the command runner. Used by tests.
func (g *Gateway) WithRunner(r Runner) *Gateway {
	g.run = r
	return g
}

// CountQueued returns the number of jobs listed by QueueCommand.
func (g *Gateway) CountQueued(ctx context.Context) (int, error) {
	var out []byte
	err := g.retry(ctx, "count queued", func() error {
		var err error
		out, err = g.call(ctx, "", g.cfg.QueueCommand)
		return err
	})
	if err != nil {
		return 0, &scheduler.GatewayError{Op: "count queued", Err: err}
	}

	lines := nonEmptyLines(out)
	n := len(lines) - g.cfg.QueueHeaderLines
	if n < 0 {
		return 0, &scheduler.GatewayError{
			Op:  "count queued",
			Err: fmt.Errorf("expected at least %d header lines, got %d", g.cfg.QueueHeaderLines, len(lines)),
		}
	}
	return n, nil
}

// QueryStatus reads the first accounting record for jobNumber.
//
// An empty accounting response is StatusUnknown: the job may simply not have
// reached the accounting database yet.
func (g *Gateway) QueryStatus(ctx context.Context, jobNumber string) (scheduler.Status, error) {
	jobNumber = strings.TrimSpace(jobNumber)
	if jobNumber == "" {
		return scheduler.StatusUnknown, &scheduler.GatewayError{Op: "query status", Err: errors.New("empty job number")}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return scheduler.StatusUnknown, &scheduler.GatewayError{Op: "query status", Err: err}
		}
	}

	argv := append(append([]string{}, g.cfg.AccountingCommand...), jobNumber)
	var out []byte
	err := g.retry(ctx, "query status", func() error {
		var err error
		out, err = g.call(ctx, "", argv)
		return err
	})
	if err != nil {
		return scheduler.StatusUnknown, &scheduler.GatewayError{Op: "query status", Err: err}
	}

	token := statusToken(out)
	status := scheduler.ParseStatus(token)
	if status == scheduler.StatusUnknown && token != "" {
		g.logger.Warn("Unrecognised accounting status",
			zap.String("job_number", jobNumber),
			zap.String("status", token),
		)
	}
	return status, nil
}

// Submit runs SubmitCommand inside batchPath and parses the job number.
func (g *Gateway) Submit(ctx context.Context, batchPath string) (string, error) {
	out, err := g.call(ctx, batchPath, g.cfg.SubmitCommand)
	if err != nil {
		return "", &scheduler.SubmissionError{BatchPath: batchPath, Err: err}
	}
	jobNumber := parseJobNumber(out)
	if jobNumber == "" {
		return "", &scheduler.SubmissionError{BatchPath: batchPath, Err: scheduler.ErrNoJobNumber}
	}
	return jobNumber, nil
}

// Cancel runs CancelCommand for jobNumber.
func (g *Gateway) Cancel(ctx context.Context, jobNumber string) error {
	jobNumber = strings.TrimSpace(jobNumber)
	if jobNumber == "" {
		return &scheduler.GatewayError{Op: "cancel", Err: errors.New("empty job number")}
	}
	argv := append(append([]string{}, g.cfg.CancelCommand...), jobNumber)
	err := g.retry(ctx, "cancel", func() error {
		_, err := g.call(ctx, "", argv)
		return err
	})
	if err != nil {
		return &scheduler.GatewayError{Op: "cancel", Err: err}
	}
	return nil
}

func (g *Gateway) call(ctx context.Context, dir string, argv []string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.run(callCtx, dir, argv)
}

func (g *Gateway) retry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(g.cfg.Attempts),
		retry.Delay(g.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Debug("Retrying scheduler call",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

func nonEmptyLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// statusToken returns the state column of the first accounting record.
// Records look like "12345|COMPLETED|0:0".
func statusToken(out []byte) string {
	lines := nonEmptyLines(out)
	if len(lines) == 0 {
		return ""
	}
	fields := strings.Split(strings.TrimSpace(lines[0]), "|")
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// parseJobNumber handles "12345" and "12345;cluster" from --parsable, and
// the human form "Submitted batch job 12345".
func parseJobNumber(out []byte) string {
	lines := nonEmptyLines(out)
	if len(lines) == 0 {
		return ""
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if i := strings.IndexByte(last, ';'); i >= 0 {
		last = last[:i]
	}
	fields := strings.Fields(last)
	if len(fields) == 0 {
		return ""
	}
	candidate := fields[len(fields)-1]
	for _, r := range candidate {
		if (r < '0' || r > '9') && r != '_' {
			return ""
		}
	}
	return candidate
}
