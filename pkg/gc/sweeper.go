// Package gc reclaims abandoned files from incoming directories.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jacktea/mailblob/pkg/incoming"
	"github.com/jacktea/mailblob/pkg/xerrors"
)

// DefaultMaxAge is used when Options.MaxAge is unset. It must comfortably
// exceed the time between storing and staging a blob.
const DefaultMaxAge = 8 * time.Hour

// DefaultInterval is used when Options.Interval is unset.
const DefaultInterval = time.Minute

// Options configures a Sweeper.
type Options struct {
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Sweeper deletes incoming files whose modification time is older than
// MaxAge.
type Sweeper struct {
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	dirs []*incoming.Directory

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSweeper returns a sweeper with no registered directories.
func NewSweeper(opts Options) *Sweeper {
	s := &Sweeper{
		maxAge:   opts.MaxAge,
		interval: opts.Interval,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// MaxAge returns the configured age threshold.
func (s *Sweeper) MaxAge() time.Duration { return s.maxAge }

// Register adds dir to the set inspected on every cycle. Registering the
// same path twice is a no-op.
func (s *Sweeper) Register(dir *incoming.Directory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dirs {
		if d.Path() == dir.Path() {
			return
		}
	}
	s.dirs = append(s.dirs, dir)
}

// Directories returns the registered directories.
func (s *Sweeper) Directories() []*incoming.Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*incoming.Directory(nil), s.dirs...)
}

// Sweep performs one pass over every registered directory and returns the
// number of files deleted. Deletion failures are logged and left for the
// next cycle. ctx is checked between files.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	var total int
	for _, dir := range s.Directories() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		entries, err := dir.List()
		if err != nil {
			s.logger.Warn("incoming sweep: list failed", "dir", dir.Path(), "err", err)
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if !entry.ModTime.Before(cutoff) {
				continue
			}
			if err := os.Remove(entry.Path); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					s.logger.Warn("incoming sweep: delete failed", "path", entry.Path, "err", xerrors.WrapIO("Sweep", entry.Path, err))
				}
				continue
			}
			total++
		}
	}
	s.logger.Debug("incoming sweep complete", "deleted", total)
	return total, nil
}

// Start launches the background loop, which sweeps immediately and then
// every Interval until ctx is canceled or Stop is called. The returned
// function is Stop. Calling Start on a running sweeper does not start a
// second loop.
func (s *Sweeper) Start(ctx context.Context) context.CancelFunc {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return s.Stop
	}
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	s.cancel = cancel
	s.stopped = stopped
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("incoming sweep", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return s.Stop
}

// Stop signals the loop to exit and waits for it. It is safe to call when
// the sweeper is not running.
func (s *Sweeper) Stop() {
	s.runMu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Running reports whether the background loop is active.
func (s *Sweeper) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}
