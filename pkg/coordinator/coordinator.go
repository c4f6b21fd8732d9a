// Package coordinator runs one lifecycle pass under the run lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/lifecycle"
	"github.com/3leaps/batchkeeper/pkg/runlock"
	"github.com/3leaps/batchkeeper/pkg/scheduler"
)

// Locker is the run lock held for the duration of a pass.
type Locker interface {
	Acquire() error
	StartHeartbeat(ctx context.Context) func()
	Release() error
}

var _ Locker = (*runlock.Lock)(nil)

// Observer receives pass metrics.
type Observer interface {
	ObserveReport(rep *lifecycle.Report)
	ObservePass(result string, started, finished time.Time)
	SetCapacity(n int)
	LockContended()
	SetStateCounts(counts map[batchstore.State]int)
}

// StateCounter reports how many batches are in each state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[batchstore.State]int, error)
}

// Config controls what a pass does.
type Config struct {
	// QueueLimit is the number of scheduler jobs this user may have queued.
	QueueLimit int
	// PrepareOrder selects which prepared batches get inputs first.
	PrepareOrder batchstore.Order
	// ConvertLimit and ArchiveLimit bound those transitions; zero means all.
	ConvertLimit int
	Archive      bool
	ArchiveLimit int
}

// Summary describes a finished pass.
type Summary struct {
	PassID   string            `json:"pass_id"`
	Capacity int               `json:"capacity"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Report   *lifecycle.Report `json:"report"`
}

// ErrCancelled is returned when the context ends between transitions.
var ErrCancelled = errors.New("pass cancelled")

// Coordinator sequences the transitions of a pass.
type Coordinator struct {
	cfg      Config
	engine   *lifecycle.Engine
	gateway  scheduler.Gateway
	lock     Locker
	observer Observer
	counter  StateCounter
	clock    clock.PassiveClock
	logger   *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver feeds pass metrics to o.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithStateCounter refreshes per-state gauges at the end of each pass.
func WithStateCounter(sc StateCounter) Option {
	return func(c *Coordinator) { c.counter = sc }
}

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Coordinator.
func New(cfg Config, engine *lifecycle.Engine, gateway scheduler.Gateway, lock Locker, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		engine:  engine,
		gateway: gateway,
		lock:    lock,
		clock:   clock.RealClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type step struct {
	name string
	run  func(ctx context.Context, rep *lifecycle.Report) error
}

// Run performs one pass. Cancellation of ctx is honoured between
// transitions; a transition that has started runs to completion.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		PassID:  uuid.NewString(),
		Started: c.clock.Now(),
		Report:  lifecycle.NewReport(),
	}
	logger := c.logger.With(zap.String("pass_id", sum.PassID))

	if err := c.lock.Acquire(); err != nil {
		if errors.Is(err, runlock.ErrHeld) && c.observer != nil {
			c.observer.LockContended()
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	// Transitions run detached from ctx so a signal never interrupts one
	// half way. The heartbeat shares that context and lives until release.
	work := context.WithoutCancel(ctx)

	stopHeartbeat := c.lock.StartHeartbeat(work)
	defer func() {
		stopHeartbeat()
		if err := c.lock.Release(); err != nil {
			logger.Error("Failed to release run lock", zap.Error(err))
		}
	}()

	sum.Capacity = c.capacity(work, logger)
	steps := c.steps(sum.Capacity)

	logger.Info("Pass started",
		zap.Int("capacity", sum.Capacity),
		zap.Int("steps", len(steps)),
	)

	var passErr error
	for _, s := range steps {
		if ctx.Err() != nil {
			logger.Warn("Pass cancelled", zap.String("before", s.name))
			passErr = fmt.Errorf("%w before %s: %v", ErrCancelled, s.name, ctx.Err())
			break
		}
		if err := s.run(work, sum.Report); err != nil {
			logger.Error("Transition aborted", zap.String("transition", s.name), zap.Error(err))
			passErr = err
			break
		}
	}

	sum.Finished = c.clock.Now()
	c.observe(work, sum, passErr, logger)

	fields := []zap.Field{
		zap.Int("not_done", sum.Report.NotDone),
		zap.Int("unknown_status", sum.Report.Unknown),
		zap.Int("batch_errors", len(sum.Report.Errors())),
		zap.Duration("duration", sum.Finished.Sub(sum.Started)),
	}
	if passErr != nil {
		logger.Warn("Pass ended early", append(fields, zap.Error(passErr))...)
		return sum, passErr
	}
	logger.Info("Pass completed", fields...)
	return sum, nil
}

func (c *Coordinator) steps(capacity int) []step {
	var steps []step
	if capacity > 0 {
		steps = append(steps,
			step{string(lifecycle.TransitionPrepare), func(ctx context.Context, rep *lifecycle.Report) error {
				return c.engine.PrepareInput(ctx, lifecycle.PrepareOptions{Limit: capacity, Order: c.cfg.PrepareOrder}, rep)
			}},
			step{string(lifecycle.TransitionEnqueue), func(ctx context.Context, rep *lifecycle.Report) error {
				return c.engine.Enqueue(ctx, capacity, rep)
			}},
		)
	}
	steps = append(steps,
		step{string(lifecycle.TransitionReconcile), c.engine.Reconcile},
		step{string(lifecycle.TransitionConvert), func(ctx context.Context, rep *lifecycle.Report) error {
			return c.engine.Convert(ctx, c.cfg.ConvertLimit, rep)
		}},
		step{string(lifecycle.TransitionReconcile), c.engine.Reconcile},
	)
	if c.cfg.Archive {
		steps = append(steps, step{string(lifecycle.TransitionArchive), func(ctx context.Context, rep *lifecycle.Report) error {
			return c.engine.Archive(ctx, c.cfg.ArchiveLimit, rep)
		}})
	}
	return steps
}

// capacity is the number of new submissions this pass may make. A gateway
// failure yields zero so that nothing is submitted blind.
func (c *Coordinator) capacity(ctx context.Context, logger *zap.Logger) int {
	queued, err := c.gateway.CountQueued(ctx)
	if err != nil {
		logger.Warn("Failed to count queued jobs; skipping submission", zap.Error(err))
		return 0
	}
	return Capacity(c.cfg.QueueLimit, queued)
}

// Capacity returns max(0, limit-queued).
func Capacity(limit, queued int) int {
	if n := limit - queued; n > 0 {
		return n
	}
	return 0
}

func (c *Coordinator) observe(ctx context.Context, sum *Summary, passErr error, logger *zap.Logger) {
	if c.observer == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(passErr, ErrCancelled):
		result = "cancelled"
	case passErr != nil:
		result = "failed"
	}
	c.observer.SetCapacity(sum.Capacity)
	c.observer.ObserveReport(sum.Report)
	c.observer.ObservePass(result, sum.Started, sum.Finished)

	if c.counter == nil {
		return
	}
	counts, err := c.counter.CountByState(ctx)
	if err != nil {
		logger.Warn("Failed to count batches by state", zap.Error(err))
		return
	}
	c.observer.SetStateCounts(counts)
}
