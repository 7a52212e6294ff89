package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

type PipelineRepo struct {
	db *DB
}

func NewPipelineRepo(db *DB) *PipelineRepo {
	return &PipelineRepo{db: db}
}

func (r *PipelineRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.PipelineDefinition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, chain_name, source, components, created_at, updated_at
		FROM pipelines
		WHERE id = $1
	`, id)
	return scanPipeline(row)
}

func (r *PipelineRepo) GetByName(ctx context.Context, name string) (*model.PipelineDefinition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, chain_name, source, components, created_at, updated_at
		FROM pipelines
		WHERE name = $1
	`, name)
	return scanPipeline(row)
}

func (r *PipelineRepo) ListActive(ctx context.Context) ([]*model.PipelineDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, chain_name, source, components, created_at, updated_at
		FROM pipelines
		WHERE is_active
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var defs []*model.PipelineDefinition
	for rows.Next() {
		def, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}
	return defs, nil
}

func (r *PipelineRepo) Upsert(ctx context.Context, def *model.PipelineDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	source, err := json.Marshal(def.Source)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	components, err := json.Marshal(def.Stages)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, chain_name, source, components)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			chain_name = EXCLUDED.chain_name,
			source = EXCLUDED.source,
			components = EXCLUDED.components,
			updated_at = now()
	`, def.ID, def.Name, def.Chain, source, components)
	if err != nil {
		return fmt.Errorf("upsert pipeline: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*model.PipelineDefinition, error) {
	var (
		def        model.PipelineDefinition
		source     []byte
		components []byte
		created    time.Time
		updated    time.Time
	)
	err := row.Scan(&def.ID, &def.Name, &def.Chain, &source, &components, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}
	if err := json.Unmarshal(source, &def.Source); err != nil {
		return nil, fmt.Errorf("decode pipeline %q source: %w", def.Name, err)
	}
	if err := json.Unmarshal(components, &def.Stages); err != nil {
		return nil, fmt.Errorf("decode pipeline %q components: %w", def.Name, err)
	}
	def.CreatedAt = created
	def.UpdatedAt = updated
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("stored pipeline invalid: %w", err)
	}
	return &def, nil
}
