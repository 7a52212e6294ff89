// Package task supervises pipeline runs: each run gets a database record
// whose status moves Running to Succeeded or Failed exactly once, kept
// fresh by heartbeats and reaped by the timeout sweeper when it goes quiet.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/metrics"
	"github.com/openchainlab/eventpipe/internal/store"
)

const defaultHeartbeatInterval = 30 * time.Second

type Manager struct {
	tasks             store.TaskRepository
	logger            *slog.Logger
	heartbeatInterval time.Duration
	now               func() time.Time
}

type Option func(*Manager)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

func NewManager(tasks store.TaskRepository, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		tasks:             tasks,
		logger:            logger.With("component", "task_manager"),
		heartbeatInterval: defaultHeartbeatInterval,
		now:               time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Supervise runs fn under a task record. The terminal status is written
// exactly once, after the heartbeat loop has fully stopped, so a heartbeat
// can never land on a finished task.
func (m *Manager) Supervise(ctx context.Context, pipelineID uuid.UUID, pipelineName, logPath string, fn func(ctx context.Context) error) (runErr error) {
	record := &model.TaskRecord{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		Status:     model.TaskStatusRunning,
		LogPath:    logPath,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.tasks.Create(ctx, record); err != nil {
		return fmt.Errorf("create task record: %w", err)
	}
	metrics.TasksStartedTotal.WithLabelValues(pipelineName).Inc()

	log := m.logger.With("task_id", record.ID, "pipeline", pipelineName)
	log.Info("task started")

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go m.heartbeatLoop(hbCtx, hbDone, record.ID, pipelineName, log)

	// The terminal write happens in the defer so a panicking run still
	// stops its heartbeat and lands in Failed instead of lingering as a
	// running orphan.
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("task panicked: %v", r)
			log.Error("task panicked", "panic", r)
		}

		stopHeartbeat()
		<-hbDone

		status := model.TaskStatusSucceeded
		var errMsg *string
		if runErr != nil {
			status = model.TaskStatusFailed
			msg := runErr.Error()
			errMsg = &msg
		}

		// Finish with a background-derived context: a cancelled run still
		// needs its terminal write.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		updated, err := m.tasks.Finish(finishCtx, record.ID, status, errMsg, m.now().UTC())
		if err != nil {
			log.Error("terminal status write failed", "status", status, "error", err)
		} else if !updated {
			// The sweep got there first; the stored failure stands.
			log.Warn("task already finished elsewhere", "intended_status", status)
		} else {
			metrics.TasksFinishedTotal.WithLabelValues(pipelineName, status.String()).Inc()
			log.Info("task finished", "status", status)
		}
	}()

	runErr = fn(ctx)
	return runErr
}

func (m *Manager) heartbeatLoop(ctx context.Context, done chan<- struct{}, taskID uuid.UUID, pipelineName string, log *slog.Logger) {
	defer close(done)

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			updated, err := m.tasks.Heartbeat(hbCtx, taskID, m.now().UTC())
			cancel()
			if err != nil {
				log.Warn("heartbeat write failed", "error", err)
				continue
			}
			if !updated {
				// Task reached a terminal state underneath us; stop beating.
				log.Warn("heartbeat skipped, task no longer running")
				return
			}
			metrics.HeartbeatWritesTotal.WithLabelValues(pipelineName).Inc()
		}
	}
}

// RecoverOrphans fails every task still marked running. Called once at
// startup, before any new task is created, so leftovers from a crashed
// process cannot masquerade as live runs.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	running, err := m.tasks.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	recovered := 0
	for _, t := range running {
		msg := "orphaned by process restart"
		updated, err := m.tasks.Finish(ctx, t.ID, model.TaskStatusFailed, &msg, m.now().UTC())
		if err != nil {
			return recovered, fmt.Errorf("fail orphan %s: %w", t.ID, err)
		}
		if updated {
			recovered++
			metrics.TasksOrphansRecovered.Inc()
			m.logger.Warn("recovered orphaned task",
				"task_id", t.ID,
				"pipeline_id", t.PipelineID,
				"created_at", t.CreatedAt,
			)
		}
	}
	return recovered, nil
}
