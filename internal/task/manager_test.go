package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*model.TaskRecord

	createErr error
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[uuid.UUID]*model.TaskRecord)}
}

func (r *memTaskRepo) Create(_ context.Context, task *model.TaskRecord) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *memTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*model.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (r *memTaskRepo) Heartbeat(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != model.TaskStatusRunning {
		return false, nil
	}
	stamped := at
	t.LastHeartbeat = &stamped
	return true, nil
}

func (r *memTaskRepo) Finish(_ context.Context, id uuid.UUID, status model.TaskStatus, errMsg *string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != model.TaskStatusRunning {
		return false, nil
	}
	t.Status = status
	t.ErrorMessage = errMsg
	finished := at
	t.FinishedAt = &finished
	return true, nil
}

func (r *memTaskRepo) ListRunning(context.Context) ([]*model.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.TaskRecord
	for _, t := range r.tasks {
		if t.Status == model.TaskStatusRunning {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memTaskRepo) FailStale(_ context.Context, cutoff time.Time, reason string) ([]*model.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.TaskRecord
	for _, t := range r.tasks {
		if t.Status != model.TaskStatusRunning {
			continue
		}
		ref := t.CreatedAt
		if t.LastHeartbeat != nil {
			ref = *t.LastHeartbeat
		}
		if ref.Before(cutoff) {
			t.Status = model.TaskStatusFailed
			msg := reason
			t.ErrorMessage = &msg
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memTaskRepo) Stats(context.Context) (*model.TaskStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &model.TaskStats{CheckedAt: time.Now()}
	for _, t := range r.tasks {
		switch t.Status {
		case model.TaskStatusRunning:
			stats.Running++
		case model.TaskStatusSucceeded:
			stats.Succeeded++
		case model.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (r *memTaskRepo) single(t *testing.T) *model.TaskRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.tasks, 1)
	for _, task := range r.tasks {
		copied := *task
		return &copied
	}
	return nil
}

func TestSupervise_Success(t *testing.T) {
	repo := newMemTaskRepo()
	m := NewManager(repo, nil)

	err := m.Supervise(context.Background(), uuid.New(), "p1", "/logs/p1.log", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	task := repo.single(t)
	assert.Equal(t, model.TaskStatusSucceeded, task.Status)
	assert.Nil(t, task.ErrorMessage)
	assert.NotNil(t, task.FinishedAt)
	assert.Equal(t, "/logs/p1.log", task.LogPath)
}

func TestSupervise_Failure(t *testing.T) {
	repo := newMemTaskRepo()
	m := NewManager(repo, nil)

	err := m.Supervise(context.Background(), uuid.New(), "p1", "", func(context.Context) error {
		return errors.New("stage blew up")
	})
	require.Error(t, err)

	task := repo.single(t)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "stage blew up")
}

func TestSupervise_PanicMarksFailed(t *testing.T) {
	repo := newMemTaskRepo()
	m := NewManager(repo, nil)

	err := m.Supervise(context.Background(), uuid.New(), "p1", "", func(context.Context) error {
		panic("nil map write")
	})
	require.Error(t, err, "a panicking run surfaces as an error, not a crash")
	assert.Contains(t, err.Error(), "nil map write")

	task := repo.single(t)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "nil map write")
	assert.NotNil(t, task.FinishedAt, "the terminal write still lands after a panic")
}

func TestSupervise_HeartbeatsWhileRunning(t *testing.T) {
	repo := newMemTaskRepo()
	m := NewManager(repo, nil, WithHeartbeatInterval(5*time.Millisecond))

	err := m.Supervise(context.Background(), uuid.New(), "p1", "", func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	task := repo.single(t)
	assert.NotNil(t, task.LastHeartbeat, "heartbeats must land while the run is in flight")
	assert.Equal(t, model.TaskStatusSucceeded, task.Status)
}

func TestSupervise_HeartbeatNeverResurrectsTerminalTask(t *testing.T) {
	repo := newMemTaskRepo()
	m := NewManager(repo, nil, WithHeartbeatInterval(20*time.Millisecond))

	started := make(chan uuid.UUID, 1)
	err := m.Supervise(context.Background(), uuid.New(), "p1", "", func(context.Context) error {
		task := repo.single(t)
		started <- task.ID
		// Simulate the sweeper failing the task mid-run.
		updated, err := repo.Finish(context.Background(), task.ID, model.TaskStatusFailed, nil, time.Now())
		require.NoError(t, err)
		require.True(t, updated)
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	require.NoError(t, err, "the run itself still completes")

	id := <-started
	task, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status, "terminal status is immutable")
	assert.Nil(t, task.LastHeartbeat, "no heartbeat after the terminal write")
}

func TestSupervise_CreateFailureAborts(t *testing.T) {
	repo := newMemTaskRepo()
	repo.createErr = errors.New("db down")
	m := NewManager(repo, nil)

	ran := false
	err := m.Supervise(context.Background(), uuid.New(), "p1", "", func(context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, ran, "fn must not run without a task record")
}

func TestRecoverOrphans(t *testing.T) {
	repo := newMemTaskRepo()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(context.Background(), &model.TaskRecord{
			ID:         uuid.New(),
			PipelineID: uuid.New(),
			Status:     model.TaskStatusRunning,
			CreatedAt:  time.Now().Add(-time.Hour),
		}))
	}
	require.NoError(t, repo.Create(context.Background(), &model.TaskRecord{
		ID:         uuid.New(),
		PipelineID: uuid.New(),
		Status:     model.TaskStatusSucceeded,
		CreatedAt:  time.Now(),
	}))

	m := NewManager(repo, nil)
	recovered, err := m.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, recovered)

	running, err := repo.ListRunning(context.Background())
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestSweeper_FailsStaleTasks(t *testing.T) {
	repo := newMemTaskRepo()

	stale := time.Now().Add(-2 * time.Hour)
	staleBeat := &model.TaskRecord{ID: uuid.New(), PipelineID: uuid.New(), Status: model.TaskStatusRunning, CreatedAt: stale}
	hb := stale
	staleBeat.LastHeartbeat = &hb
	require.NoError(t, repo.Create(context.Background(), staleBeat))

	// Never heartbeated: created_at is the staleness reference.
	neverBeat := &model.TaskRecord{ID: uuid.New(), PipelineID: uuid.New(), Status: model.TaskStatusRunning, CreatedAt: stale}
	require.NoError(t, repo.Create(context.Background(), neverBeat))

	fresh := &model.TaskRecord{ID: uuid.New(), PipelineID: uuid.New(), Status: model.TaskStatusRunning, CreatedAt: time.Now()}
	require.NoError(t, repo.Create(context.Background(), fresh))

	m := NewManager(repo, nil)
	s := NewSweeper(m, time.Minute, time.Hour)
	require.NoError(t, s.sweepOnce(context.Background()))

	for _, id := range []uuid.UUID{staleBeat.ID, neverBeat.ID} {
		task, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, task.Status)
		require.NotNil(t, task.ErrorMessage)
		assert.Contains(t, *task.ErrorMessage, "timed out")
	}

	freshTask, err := repo.GetByID(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, freshTask.Status)
}

func TestSweeper_Defaults(t *testing.T) {
	s := NewSweeper(NewManager(newMemTaskRepo(), nil), 0, 0)
	assert.Equal(t, defaultSweepInterval, s.interval)
	assert.Equal(t, defaultStaleThreshold, s.threshold)
}
