package model

import (
	"time"

	"github.com/google/uuid"
)

// CallAudit records one contract method invocation attempt. Audit writes
// never fail the pipeline; a lost record only loses observability.
type CallAudit struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PipelineID      uuid.UUID `db:"pipeline_id" json:"pipeline_id"`
	Chain           Chain     `db:"chain_name" json:"chain_name"`
	ContractAddress string    `db:"contract_address" json:"contract_address"`
	MethodName      string    `db:"method_name" json:"method_name"`
	Params          []byte    `db:"params" json:"params"`
	Result          []byte    `db:"result" json:"result"`
	Success         bool      `db:"success" json:"success"`
	ErrorMessage    *string   `db:"error_message" json:"error_message,omitempty"`
	DurationMs      int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
