package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

const (
	auditStreamKey    = "eventpipe:call_audits"
	auditStreamMaxLen = 100_000
)

// AuditStream mirrors contract call audit records onto a capped Redis
// stream for live tailing, alongside the durable Postgres copy.
type AuditStream struct {
	client *Client
}

func NewAuditStream(client *Client) *AuditStream {
	return &AuditStream{client: client}
}

func (s *AuditStream) Record(ctx context.Context, rec *model.CallAudit) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	err = s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: auditStreamKey,
		MaxLen: auditStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"pipeline_id": rec.PipelineID.String(),
			"method":      rec.MethodName,
			"payload":     payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd audit: %w", err)
	}
	return nil
}
