package task

import (
	"context"
	"time"

	"github.com/openchainlab/eventpipe/internal/metrics"
)

const (
	defaultSweepInterval  = 5 * time.Minute
	defaultStaleThreshold = 60 * time.Minute
)

// Sweeper periodically fails running tasks whose heartbeat has gone stale.
// It is the backstop for tasks whose process died without a terminal write.
type Sweeper struct {
	manager   *Manager
	interval  time.Duration
	threshold time.Duration
}

func NewSweeper(manager *Manager, interval, threshold time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if threshold <= 0 {
		threshold = defaultStaleThreshold
	}
	return &Sweeper{manager: manager, interval: interval, threshold: threshold}
}

// Run sweeps until the context ends. One sweep failure is logged and the
// loop continues; the next tick retries.
func (s *Sweeper) Run(ctx context.Context) error {
	log := s.manager.logger.With("component", "task_sweeper")
	log.Info("sweeper started", "interval", s.interval, "threshold", s.threshold)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				log.Error("sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	cutoff := s.manager.now().UTC().Add(-s.threshold)
	failed, err := s.manager.tasks.FailStale(ctx, cutoff, "task timed out: no heartbeat within threshold")
	if err != nil {
		return err
	}
	for _, t := range failed {
		metrics.TasksTimedOutTotal.Inc()
		s.manager.logger.Warn("task timed out",
			"task_id", t.ID,
			"pipeline_id", t.PipelineID,
			"last_heartbeat", t.LastHeartbeat,
			"created_at", t.CreatedAt,
		)
	}
	return nil
}
