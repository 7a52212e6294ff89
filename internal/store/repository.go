package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// PipelineRepository provides access to stored pipeline definitions.
type PipelineRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.PipelineDefinition, error)
	GetByName(ctx context.Context, name string) (*model.PipelineDefinition, error)
	ListActive(ctx context.Context) ([]*model.PipelineDefinition, error)
	Upsert(ctx context.Context, def *model.PipelineDefinition) error
}

// TaskRepository provides access to supervised task run records. Heartbeat
// and terminal updates are guarded on the running status so a late writer
// can never resurrect a finished task.
type TaskRepository interface {
	Create(ctx context.Context, task *model.TaskRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.TaskRecord, error)
	// Heartbeat stamps last_heartbeat if the task is still running. The
	// boolean reports whether a row was updated.
	Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// Finish moves a running task to a terminal status. It is a no-op when
	// the task already reached a terminal state.
	Finish(ctx context.Context, id uuid.UUID, status model.TaskStatus, errMsg *string, at time.Time) (bool, error)
	// ListRunning returns every task still marked running.
	ListRunning(ctx context.Context) ([]*model.TaskRecord, error)
	// FailStale fails running tasks whose last heartbeat (or created_at when
	// no heartbeat was ever written) is older than the cutoff. It returns
	// the tasks transitioned.
	FailStale(ctx context.Context, cutoff time.Time, reason string) ([]*model.TaskRecord, error)
	Stats(ctx context.Context) (*model.TaskStats, error)
}

// CursorRepository persists per-pipeline block cursors for realtime sources.
type CursorRepository interface {
	Get(ctx context.Context, pipelineID uuid.UUID) (uint64, bool, error)
	Upsert(ctx context.Context, pipelineID uuid.UUID, block uint64) error
}

// CallAuditRepository records contract call attempts. Writes are best
// effort; callers log and continue on failure.
type CallAuditRepository interface {
	Record(ctx context.Context, rec *model.CallAudit) error
	ListRecent(ctx context.Context, pipelineID uuid.UUID, limit int) ([]*model.CallAudit, error)
}
