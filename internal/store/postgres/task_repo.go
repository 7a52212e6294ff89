package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

type TaskRepo struct {
	db *DB
}

func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

func (r *TaskRepo) Create(ctx context.Context, task *model.TaskRecord) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_tasks (id, pipeline_id, status, log_path, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, task.ID, task.PipelineID, task.Status, task.LogPath, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.TaskRecord, error) {
	var t model.TaskRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, status, log_path, error_message, created_at, last_heartbeat, finished_at
		FROM pipeline_tasks
		WHERE id = $1
	`, id).Scan(
		&t.ID, &t.PipelineID, &t.Status, &t.LogPath,
		&t.ErrorMessage, &t.CreatedAt, &t.LastHeartbeat, &t.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// Heartbeat only touches rows still in the running state, so a heartbeat
// that races a terminal transition loses and reports false.
func (r *TaskRepo) Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_tasks
		SET last_heartbeat = $2
		WHERE id = $1 AND status = $3
	`, id, at, model.TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *TaskRepo) Finish(ctx context.Context, id uuid.UUID, status model.TaskStatus, errMsg *string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish task: status %s is not terminal", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_tasks
		SET status = $2, error_message = $3, finished_at = $4
		WHERE id = $1 AND status = $5
	`, id, status, errMsg, at, model.TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *TaskRepo) ListRunning(ctx context.Context) ([]*model.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, pipeline_id, status, log_path, error_message, created_at, last_heartbeat, finished_at
		FROM pipeline_tasks
		WHERE status = $1
		ORDER BY created_at
	`, model.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// FailStale uses created_at as the staleness reference for tasks that never
// wrote a heartbeat, so a task that died before its first beat still times
// out.
func (r *TaskRepo) FailStale(ctx context.Context, cutoff time.Time, reason string) ([]*model.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE pipeline_tasks
		SET status = $1, error_message = $2, finished_at = now()
		WHERE status = $3 AND COALESCE(last_heartbeat, created_at) < $4
		RETURNING id, pipeline_id, status, log_path, error_message, created_at, last_heartbeat, finished_at
	`, model.TaskStatusFailed, reason, model.TaskStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fail stale tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (r *TaskRepo) Stats(ctx context.Context) (*model.TaskStats, error) {
	stats := &model.TaskStats{CheckedAt: time.Now().UTC()}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 0),
			COUNT(*) FILTER (WHERE status = 1),
			COUNT(*) FILTER (WHERE status = 2),
			COUNT(*) FILTER (WHERE created_at > now() - INTERVAL '24 hours')
		FROM pipeline_tasks
	`).Scan(&stats.Running, &stats.Succeeded, &stats.Failed, &stats.Recent24h)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

func scanTasks(rows *sql.Rows) ([]*model.TaskRecord, error) {
	var tasks []*model.TaskRecord
	for rows.Next() {
		var t model.TaskRecord
		if err := rows.Scan(
			&t.ID, &t.PipelineID, &t.Status, &t.LogPath,
			&t.ErrorMessage, &t.CreatedAt, &t.LastHeartbeat, &t.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
