package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, pipelineID uuid.UUID) (uint64, bool, error) {
	var block int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_block FROM pipeline_cursors WHERE pipeline_id = $1
	`, pipelineID).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return uint64(block), true, nil
}

func (r *CursorRepo) Upsert(ctx context.Context, pipelineID uuid.UUID, block uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_cursors (pipeline_id, last_block)
		VALUES ($1, $2)
		ON CONFLICT (pipeline_id) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = now()
	`, pipelineID, int64(block))
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
