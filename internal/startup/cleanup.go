// Package startup provides the session cache sweeps run at startup and on a
// schedule.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/chunkrelay/internal/metrics"
	"github.com/jmylchreest/chunkrelay/internal/observability"
)

// DefaultCleanupAge is the default minimum age of an orphaned session directory.
const DefaultCleanupAge = 1 * time.Hour

// LiveFunc reports whether a session currently has a controller.
type LiveFunc func(sessionID string) bool

// CleanupOrphanedSessionDirs removes session working directories under
// cacheDir that belong to no live session and were not modified within
// maxAge. live may be nil, in which case every directory is a candidate.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedSessionDirs(logger *slog.Logger, cacheDir string, maxAge time.Duration, live LiveFunc) (int, error) {
	entries, err := os.ReadDir(cacheDir)
	if os.IsNotExist(err) {
		logger.Debug("cache directory does not exist, skipping cleanup",
			slog.String("path", cacheDir),
		)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cache directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sid := entry.Name()
		dirPath := filepath.Join(cacheDir, sid)

		if live != nil && live(sid) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent session directory",
				slog.String("path", dirPath),
				slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
			)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned session directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Info("removed orphaned session directory",
			slog.String("session_id", sid),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
		)
		metrics.OrphansRemoved.Inc()
		removed++
	}

	return removed, nil
}

// Sweeper runs CleanupOrphanedSessionDirs on a cron schedule.
type Sweeper struct {
	cacheDir string
	maxAge   time.Duration
	live     LiveFunc
	logger   *slog.Logger

	parser cron.Parser

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper for cacheDir. maxAge <= 0 selects DefaultCleanupAge.
func NewSweeper(cacheDir string, maxAge time.Duration, live LiveFunc, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAge <= 0 {
		maxAge = DefaultCleanupAge
	}
	return &Sweeper{
		cacheDir: cacheDir,
		maxAge:   maxAge,
		live:     live,
		logger:   logger.With(slog.String("component", "sweeper")),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateSchedule reports whether spec is a usable cron expression.
func (s *Sweeper) ValidateSchedule(spec string) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Sweep runs one sweep immediately.
func (s *Sweeper) Sweep() int {
	defer observability.TimedOperation(context.Background(), s.logger, "sweep_session_cache")()
	n, err := CleanupOrphanedSessionDirs(s.logger, s.cacheDir, s.maxAge, s.live)
	if err != nil {
		s.logger.Error("sweeping session cache failed", slog.String("error", err.Error()))
	}
	return n
}

// Start schedules sweeps per spec. An empty spec leaves the sweeper idle.
func (s *Sweeper) Start(spec string) error {
	if spec == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(spec, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("session cache sweeper started",
		slog.String("schedule", spec),
		slog.Duration("max_age", s.maxAge),
	)
	return nil
}

// Stop cancels future sweeps and waits for a running one until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("session cache sweeper stopped")
}
