// Package runlock provides cross-process mutual exclusion for coordinator
// passes using a lock file with an owner id, a heartbeat and a TTL.
package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Record is the persistent content of the lock file.
//
// NOTE: The JSON shape is read by `batchkeeper lock show` and by other
// processes deciding staleness; extend it additively.
type Record struct {
	Owner       string    `json:"owner"`
	PID         int       `json:"pid"`
	Host        string    `json:"host"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	TTLSeconds  int64     `json:"ttl_seconds"`
}

// TTL returns the record's time-to-live.
func (r Record) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

var (
	// ErrHeld is returned when another live owner holds the lock.
	ErrHeld = errors.New("run lock is held by another process")
	// ErrNotOwner is returned when the lock file belongs to someone else.
	ErrNotOwner = errors.New("run lock is not owned by this process")
)

// HeldError describes the current holder when acquisition fails.
type HeldError struct {
	Path   string
	Holder Record
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%v: %s (owner %s, pid %d on %s, heartbeat %s)",
		ErrHeld, e.Path, e.Holder.Owner, e.Holder.PID, e.Holder.Host, e.Holder.HeartbeatAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error {
	return ErrHeld
}

// Options configures a Lock.
type Options struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
	Clock             clock.WithTicker
	Logger            *zap.Logger
}

const (
	DefaultTTL               = 10 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

// Lock is one process's handle on a lock file.
type Lock struct {
	path     string
	owner    string
	pid      int
	host     string
	ttl      time.Duration
	interval time.Duration
	clock    clock.WithTicker
	logger   *zap.Logger

	// alive reports whether pid is running on this host.
	alive func(pid int) bool

	mu     sync.Mutex
	record *Record
}

// New returns an unacquired lock for path.
func New(path string, opts Options) *Lock {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	return &Lock{
		path:     filepath.Clean(path),
		owner:    uuid.NewString(),
		pid:      os.Getpid(),
		host:     host,
		ttl:      opts.TTL,
		interval: opts.HeartbeatInterval,
		clock:    opts.Clock,
		logger:   opts.Logger,
		alive:    isProcessAlive,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Owner returns this handle's owner id.
func (l *Lock) Owner() string { return l.owner }

// Acquire takes the lock, reclaiming it first if the current holder is stale.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	now := l.clock.Now().UTC()
	rec := &Record{
		Owner:       l.owner,
		PID:         l.pid,
		Host:        l.host,
		AcquiredAt:  now,
		HeartbeatAt: now,
		TTLSeconds:  int64(l.ttl / time.Second),
	}

	err := l.create(rec)
	if err == nil {
		l.record = rec
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return err
	}

	holder, readErr := readRecord(l.path)
	switch {
	case errors.Is(readErr, os.ErrNotExist):
		return l.retryCreate(rec)
	case errors.Is(readErr, errUnreadable):
		if !l.unreadableIsStale() {
			return fmt.Errorf("%w: %s is being written", ErrHeld, l.path)
		}
		holder = nil
	case readErr != nil:
		return readErr
	case !l.isStale(holder):
		return &HeldError{Path: l.path, Holder: *holder}
	}

	if err := l.reclaim(holder); err != nil {
		return err
	}
	l.logger.Warn("Reclaimed stale run lock", zap.String("path", l.path), zap.Any("previous", holder))
	return l.retryCreate(rec)
}

func (l *Lock) retryCreate(rec *Record) error {
	if err := l.create(rec); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s was taken concurrently", ErrHeld, l.path)
		}
		return err
	}
	l.record = rec
	return nil
}

// create writes rec to the lock path only if the path does not exist.
func (l *Lock) create(rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	b = append(b, '\n')

	// #nosec G304 -- lock path comes from configuration
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// reclaim moves the stale lock aside and checks that what was moved is the
// record judged stale. If a new owner slipped in, its lock is put back.
func (l *Lock) reclaim(stale *Record) error {
	aside := fmt.Sprintf("%s.stale.%s", l.path, uuid.NewString())
	if err := os.Rename(l.path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reclaim run lock: %w", err)
	}
	defer func() { _ = os.Remove(aside) }()

	moved, err := readRecord(aside)
	if stale == nil || err != nil || moved.Owner == stale.Owner {
		return nil
	}
	if linkErr := os.Link(aside, l.path); linkErr != nil && !errors.Is(linkErr, os.ErrExist) {
		l.logger.Warn("Could not restore concurrently acquired lock", zap.String("path", l.path), zap.Error(linkErr))
	}
	return &HeldError{Path: l.path, Holder: *moved}
}

func (l *Lock) isStale(r *Record) bool {
	ttl := r.TTL()
	if ttl <= 0 {
		ttl = l.ttl
	}
	if l.clock.Since(r.HeartbeatAt) > ttl {
		return true
	}
	return r.Host == l.host && r.PID > 0 && !l.alive(r.PID)
}

// unreadableIsStale treats an empty or corrupt lock file as stale once it
// has not been modified for a full TTL.
func (l *Lock) unreadableIsStale() bool {
	st, err := os.Stat(l.path)
	if err != nil {
		return true
	}
	return l.clock.Since(st.ModTime()) > l.ttl
}

// Heartbeat refreshes the heartbeat timestamp. It fails with ErrNotOwner if
// the lock was reclaimed by another process.
func (l *Lock) Heartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.record == nil {
		return ErrNotOwner
	}
	current, err := readRecord(l.path)
	if err != nil {
		return fmt.Errorf("read lock for heartbeat: %w", err)
	}
	if current.Owner != l.owner {
		return fmt.Errorf("%w: now held by %s", ErrNotOwner, current.Owner)
	}

	rec := *l.record
	rec.HeartbeatAt = l.clock.Now().UTC()
	if err := writeRecordAtomic(l.path, &rec); err != nil {
		return err
	}
	l.record = &rec
	return nil
}

// StartHeartbeat refreshes the lock every heartbeat interval until ctx is
// done or the returned stop function is called.
func (l *Lock) StartHeartbeat(ctx context.Context) func() {
	t := l.clock.NewTicker(l.interval)
	stopCh := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-t.C():
				if err := l.Heartbeat(); err != nil {
					l.logger.Warn("Run lock heartbeat failed", zap.String("path", l.path), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(stopCh)
			<-stopped
		})
	}
}

// Release removes the lock file if this handle still owns it.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.record == nil {
		return nil
	}
	current, err := readRecord(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.record = nil
		return nil
	case err != nil:
		return fmt.Errorf("read lock for release: %w", err)
	case current.Owner != l.owner:
		l.record = nil
		return fmt.Errorf("%w: now held by %s", ErrNotOwner, current.Owner)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	l.record = nil
	return nil
}

// Status describes a lock file for operators.
type Status struct {
	Path   string  `json:"path"`
	Held   bool    `json:"held"`
	Stale  bool    `json:"stale"`
	Record *Record `json:"record,omitempty"`
}

// Inspect reports the current state of the lock file without changing it.
func (l *Lock) Inspect() (*Status, error) {
	st := &Status{Path: l.path}
	rec, err := readRecord(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return st, nil
	case errors.Is(err, errUnreadable):
		st.Held = true
		st.Stale = l.unreadableIsStale()
		return st, nil
	case err != nil:
		return nil, err
	}
	st.Held = true
	st.Record = rec
	st.Stale = l.isStale(rec)
	return st, nil
}

// Break removes the lock file regardless of owner. Only stale locks are
// removed unless force is set.
func (l *Lock) Break(force bool) error {
	st, err := l.Inspect()
	if err != nil {
		return err
	}
	if !st.Held {
		return nil
	}
	if !st.Stale && !force {
		if st.Record != nil {
			return &HeldError{Path: l.path, Holder: *st.Record}
		}
		return fmt.Errorf("%w: %s", ErrHeld, l.path)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

var errUnreadable = errors.New("lock file unreadable")

func readRecord(path string) (*Record, error) {
	// #nosec G304 -- lock path comes from configuration
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", errUnreadable)
	}
	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if rec.Owner == "" {
		return nil, fmt.Errorf("%w: no owner", errUnreadable)
	}
	return &rec, nil
}

func writeRecordAtomic(path string, rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp lock file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return errors.Is(err, syscall.EPERM)
	}
	return true
}
