package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openchainlab/eventpipe/internal/metrics"
	"github.com/openchainlab/eventpipe/internal/store"
)

const checkpointTTL = 24 * time.Hour

// CheckpointCache fronts a durable cursor repository with Redis. Reads try
// Redis first and fall back to Postgres; writes go to both, Redis first so
// a crash between the two replays at most one poll window.
type CheckpointCache struct {
	client *Client
	inner  store.CursorRepository
}

var _ store.CursorRepository = (*CheckpointCache)(nil)

func NewCheckpointCache(client *Client, inner store.CursorRepository) *CheckpointCache {
	return &CheckpointCache{client: client, inner: inner}
}

func (c *CheckpointCache) Get(ctx context.Context, pipelineID uuid.UUID) (uint64, bool, error) {
	key := checkpointKey(pipelineID)
	val, err := c.client.rdb.Get(ctx, key).Result()
	if err == nil {
		block, parseErr := strconv.ParseUint(val, 10, 64)
		if parseErr == nil {
			metrics.CheckpointCacheHits.WithLabelValues(pipelineID.String()).Inc()
			return block, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return 0, false, fmt.Errorf("checkpoint get: %w", err)
	}

	metrics.CheckpointCacheMisses.WithLabelValues(pipelineID.String()).Inc()
	block, ok, err := c.inner.Get(ctx, pipelineID)
	if err != nil || !ok {
		return block, ok, err
	}
	// Repopulate so the next restart reads warm.
	c.client.rdb.Set(ctx, key, strconv.FormatUint(block, 10), checkpointTTL)
	return block, true, nil
}

func (c *CheckpointCache) Upsert(ctx context.Context, pipelineID uuid.UUID, block uint64) error {
	if err := c.client.rdb.Set(ctx, checkpointKey(pipelineID), strconv.FormatUint(block, 10), checkpointTTL).Err(); err != nil {
		return fmt.Errorf("checkpoint set: %w", err)
	}
	return c.inner.Upsert(ctx, pipelineID, block)
}

func checkpointKey(pipelineID uuid.UUID) string {
	return "eventpipe:checkpoint:" + pipelineID.String()
}
