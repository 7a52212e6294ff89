package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus follows the persisted wire encoding: 0 running, 1 succeeded,
// 2 failed. Running is the only non-terminal state; a task never re-enters it.
type TaskStatus int16

const (
	TaskStatusRunning   TaskStatus = 0
	TaskStatusSucceeded TaskStatus = 1
	TaskStatusFailed    TaskStatus = 2
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusRunning:
		return "running"
	case TaskStatusSucceeded:
		return "succeeded"
	case TaskStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// TaskRecord is one supervised pipeline run. It is mutated only by its own
// run's lifecycle writes and by the global timeout sweep.
type TaskRecord struct {
	ID            uuid.UUID  `db:"id"`
	PipelineID    uuid.UUID  `db:"pipeline_id"`
	Status        TaskStatus `db:"status"`
	LogPath       string     `db:"log_path"`
	ErrorMessage  *string    `db:"error_message"`
	CreatedAt     time.Time  `db:"created_at"`
	LastHeartbeat *time.Time `db:"last_heartbeat"`
	FinishedAt    *time.Time `db:"finished_at"`
}

// TaskStats aggregates task counts for the control plane.
type TaskStats struct {
	Running    int64
	Succeeded  int64
	Failed     int64
	Recent24h  int64
	CheckedAt  time.Time
}
