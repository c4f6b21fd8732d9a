// Package offload copies archived batch tarballs to object storage and
// confirms each copy before anything local is removed.
package offload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/3leaps/batchkeeper/pkg/provider"
)

// Sink receives archived batch tarballs. The local file is never touched by
// Offload; callers discard it once the copy has been recorded.
type Sink interface {
	// Offload copies localPath to the store and confirms it with a Head.
	Offload(ctx context.Context, localPath string) (*Result, error)

	// DiscardLocal removes localPath when the sink is configured to, and
	// reports whether it did.
	DiscardLocal(localPath string) (bool, error)
}

// Result describes a confirmed copy.
type Result struct {
	Key  string
	Size int64
}

// ErrUnconfirmed is returned when the uploaded object cannot be confirmed
// to match the local file.
var ErrUnconfirmed = errors.New("offloaded object not confirmed")

// Config configures a provider-backed Sink.
type Config struct {
	// Prefix is prepended to every key.
	Prefix string
	// KeepParents is the number of parent directory names of the local file
	// kept in the key, e.g. 1 maps /scratch/scan07/b12.tar to scan07/b12.tar.
	KeepParents int
	// RemoveLocal makes DiscardLocal delete the local file.
	RemoveLocal bool
	// Attempts bounds retries of throttled or unavailable uploads.
	Attempts   uint
	RetryDelay time.Duration
}

// ProviderSink offloads through a provider.Provider.
type ProviderSink struct {
	p      provider.Provider
	cfg    Config
	logger *zap.Logger
}

var _ Sink = (*ProviderSink)(nil)

// New creates a provider-backed sink.
func New(p provider.Provider, cfg Config, logger *zap.Logger) *ProviderSink {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderSink{p: p, cfg: cfg, logger: logger}
}

// Key returns the object key for localPath.
func (s *ProviderSink) Key(localPath string) string {
	clean := filepath.Clean(localPath)
	parts := []string{filepath.Base(clean)}
	dir := filepath.Dir(clean)
	for i := 0; i < s.cfg.KeepParents; i++ {
		base := filepath.Base(dir)
		if base == "." || base == string(filepath.Separator) {
			break
		}
		parts = append([]string{base}, parts...)
		dir = filepath.Dir(dir)
	}
	key := path.Join(parts...)
	if prefix := strings.Trim(s.cfg.Prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// Offload uploads localPath, then confirms the remote size matches.
func (s *ProviderSink) Offload(ctx context.Context, localPath string) (*Result, error) {
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("offload %s: %w", localPath, err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("offload %s: not a regular file", localPath)
	}
	key := s.Key(localPath)

	err = retry.Do(
		func() error {
			// #nosec G304 -- localPath is an archive produced by this process
			f, err := os.Open(localPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			return s.p.PutObject(ctx, key, f, st.Size())
		},
		retry.RetryIf(provider.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("Retrying offload", zap.String("key", key), zap.Uint("attempt", n+1), zap.Error(err))
		}),
		retry.Context(ctx),
		retry.Attempts(s.cfg.Attempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("offload %s: %w", localPath, err)
	}

	meta, err := s.p.Head(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnconfirmed, key, err)
	}
	if meta.Size != st.Size() {
		return nil, fmt.Errorf("%w: %s: remote size %d, local size %d", ErrUnconfirmed, key, meta.Size, st.Size())
	}

	s.logger.Info("Offloaded archive",
		zap.String("path", localPath),
		zap.String("key", key),
		zap.Int64("bytes", meta.Size),
	)
	return &Result{Key: key, Size: meta.Size}, nil
}

// DiscardLocal is a no-op unless RemoveLocal is set. A file that is already
// gone counts as removed.
func (s *ProviderSink) DiscardLocal(localPath string) (bool, error) {
	if !s.cfg.RemoveLocal {
		return false, nil
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove offloaded %s: %w", localPath, err)
	}
	return true, nil
}
