package task

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"transitdepot.dev/depot/storage"
)

const (
	// A running task untouched this long has lost its worker.
	staleRunningAfter = 30 * time.Minute

	// A pending task this old was dispatched into the void.
	stalePendingAfter = time.Hour

	// Terminal tasks are kept for inspection, then purged.
	taskRetention = 30 * 24 * time.Hour

	orphanSweepInterval = 10 * time.Minute
	cleanupInterval     = 24 * time.Hour
)

// Sweeper reconciles task rows whose workers disappeared and purges
// old terminal rows.
type Sweeper struct {
	store *storage.Store
	log   zerolog.Logger
}

func NewSweeper(store *storage.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: store, log: log}
}

// CheckOrphaned fails running tasks stuck past the running cutoff and
// pending tasks stuck past the pending cutoff. Orphaned tasks are
// marked retryable, their inputs untouched. Returns the number of
// tasks reconciled.
func (s *Sweeper) CheckOrphaned(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	running, err := s.store.StaleRunningTasks(ctx, now.Add(-staleRunningAfter))
	if err != nil {
		return 0, err
	}
	pending, err := s.store.StalePendingTasks(ctx, now.Add(-stalePendingAfter))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range append(running, pending...) {
		wasRunning := t.Status == storage.TaskRunning

		t.Status = storage.TaskFailed
		if wasRunning {
			t.ErrorMessage = "task orphaned: worker stopped reporting"
		} else {
			t.ErrorMessage = "task orphaned: never picked up by a worker"
		}
		if t.ResultData == nil {
			t.ResultData = storage.JSONMap{}
		}
		t.ResultData["orphaned"] = true
		t.ResultData["can_retry"] = true

		if err := s.store.FinishTask(ctx, t); err != nil {
			return count, err
		}
		s.log.Warn().Int64("task_id", t.ID).Str("kind", t.Kind).
			Bool("was_running", wasRunning).Msg("orphaned task reconciled")
		count++
	}
	return count, nil
}

// CleanupOldTasks purges terminal tasks past the retention window.
func (s *Sweeper) CleanupOldTasks(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-taskRetention)
	n, err := s.store.DeleteTerminalTasksBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("purged old terminal tasks")
	}
	return n, nil
}

// Start runs both sweeps on their tickers until ctx is done. One pass
// of each runs immediately at startup.
func (s *Sweeper) Start(ctx context.Context) {
	s.sweep(ctx)

	orphanTicker := time.NewTicker(orphanSweepInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer orphanTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-orphanTicker.C:
			if _, err := s.CheckOrphaned(ctx); err != nil {
				s.log.Error().Err(err).Msg("orphan sweep failed")
			}
		case <-cleanupTicker.C:
			if _, err := s.CleanupOldTasks(ctx); err != nil {
				s.log.Error().Err(err).Msg("task cleanup failed")
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.CheckOrphaned(ctx); err != nil {
		s.log.Error().Err(err).Msg("orphan sweep failed")
	}
	if _, err := s.CleanupOldTasks(ctx); err != nil {
		s.log.Error().Err(err).Msg("task cleanup failed")
	}
}
