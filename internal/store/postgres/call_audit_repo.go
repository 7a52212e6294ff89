package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

type CallAuditRepo struct {
	db *DB
}

func NewCallAuditRepo(db *DB) *CallAuditRepo {
	return &CallAuditRepo{db: db}
}

func (r *CallAuditRepo) Record(ctx context.Context, rec *model.CallAudit) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contract_call_audits
			(id, pipeline_id, chain_name, contract_address, method_name, params, result, success, error_message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.PipelineID, rec.Chain, rec.ContractAddress, rec.MethodName,
		nullableJSON(rec.Params), nullableJSON(rec.Result), rec.Success, rec.ErrorMessage, rec.DurationMs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record call audit: %w", err)
	}
	return nil
}

func (r *CallAuditRepo) ListRecent(ctx context.Context, pipelineID uuid.UUID, limit int) ([]*model.CallAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, pipeline_id, chain_name, contract_address, method_name, params, result, success, error_message, duration_ms, created_at
		FROM contract_call_audits
		WHERE pipeline_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("list call audits: %w", err)
	}
	defer rows.Close()

	var audits []*model.CallAudit
	for rows.Next() {
		var a model.CallAudit
		if err := rows.Scan(
			&a.ID, &a.PipelineID, &a.Chain, &a.ContractAddress, &a.MethodName,
			&a.Params, &a.Result, &a.Success, &a.ErrorMessage, &a.DurationMs, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan call audit: %w", err)
		}
		audits = append(audits, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call audits: %w", err)
	}
	return audits, nil
}

// nullableJSON keeps empty payloads as SQL NULL instead of invalid jsonb.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
