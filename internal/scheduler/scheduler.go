// Package scheduler runs background maintenance: daily session history
// pruning and a periodic room statistics log.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/db"
	"github.com/energizer-project/relay/internal/util"
)

// Store is the part of the history store the scheduler drives.
type Store interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
	Totals(ctx context.Context) (db.Totals, error)
}

// Counter reports live room and client counts.
type Counter interface {
	Counts() (rooms, clients int)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	history config.HistoryConfig
	stats   time.Duration
	store   Store
	lobby   Counter
	logger  zerolog.Logger
}

// NewScheduler creates a task scheduler. statsInterval of zero disables the
// stats log.
func NewScheduler(history config.HistoryConfig, statsInterval time.Duration, store Store, lobby Counter) *Scheduler {
	return &Scheduler{
		history: history,
		stats:   statsInterval,
		store:   store,
		lobby:   lobby,
		logger:  util.ComponentLogger("scheduler"),
	}
}

// Start runs the tasks and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	if s.history.Enabled && s.store != nil {
		go s.runPruneLoop(ctx)
	}
	if s.stats > 0 {
		go s.runStatsLoop(ctx)
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		next := nextRun(time.Now(), s.history.CleanupTime)
		sleep := time.Until(next)
		s.logger.Info().Time("next_run", next).Dur("sleep", sleep).Msg("history pruning scheduled")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	retention := time.Duration(s.history.RetentionDays) * 24 * time.Hour
	n, err := s.store.Prune(ctx, retention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("history pruning failed")
		return
	}
	s.logger.Info().Int64("removed", n).Str("retention", formatDuration(retention)).Msg("history pruning completed")
}

func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.stats)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats(ctx)
		}
	}
}

func (s *Scheduler) collectStats(ctx context.Context) {
	ev := s.logger.Info()
	if s.lobby != nil {
		rooms, clients := s.lobby.Counts()
		ev = ev.Int("rooms", rooms).Int("clients", clients)
	}
	if s.store != nil {
		if t, err := s.store.Totals(ctx); err == nil {
			ev = ev.Int("sessions", t.Sessions).Int("total_joins", t.Joins).Int("max_peak", t.MaxPeak)
		} else {
			s.logger.Warn().Err(err).Msg("failed to read history totals")
		}
	}
	ev.Msg("relay stats")
}

// nextRun returns the next occurrence of the HH:MM clock time after now.
// Malformed values fall back to 04:00.
func nextRun(now time.Time, clock string) time.Time {
	hour, minute := 4, 0
	if t, err := time.Parse("15:04", clock); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatDuration renders d as days and hours for logs.
func formatDuration(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	if days > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dh", hours)
}
