package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openchainlab/eventpipe/internal/broker"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/metrics"
	"github.com/openchainlab/eventpipe/internal/pipeline/resolve"
)

// envelope is the wire shape for published contexts.
type envelope struct {
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
}

// BatchResult summarizes a batch publish.
type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// PublishStage ships the pipeline context to a Kafka topic, either waiting
// for delivery (sync) or fire-and-forget (async).
type PublishStage struct {
	name     string
	chain    model.Chain
	pipeline string
	producer broker.Producer
	cfg      model.PublishConfig
	logger   *slog.Logger
	now      func() time.Time

	// pending buffers contexts when batch_size > 1; guarded by mu because
	// Cleanup can race a final Execute on shutdown.
	mu      sync.Mutex
	pending []map[string]any
}

func NewPublishStage(
	name string,
	chainName model.Chain,
	pipelineName string,
	producer broker.Producer,
	cfg model.PublishConfig,
	logger *slog.Logger,
) *PublishStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishStage{
		name:     name,
		chain:    chainName,
		pipeline: pipelineName,
		producer: producer,
		cfg:      cfg,
		logger:   logger.With("component", "publish_stage", "stage", name, "topic", cfg.Topic),
		now:      time.Now,
	}
}

func (s *PublishStage) Name() string          { return s.name }
func (s *PublishStage) Kind() model.StageKind { return model.StagePublish }

func (s *PublishStage) Initialize(_ context.Context) error {
	if s.cfg.Topic == "" {
		return fmt.Errorf("no topic configured")
	}
	switch s.cfg.Mode {
	case model.PublishSync, model.PublishAsync:
	case "":
		s.cfg.Mode = model.PublishSync
	default:
		return fmt.Errorf("unknown publish mode %q", s.cfg.Mode)
	}
	return nil
}

// Execute ships the context immediately, or buffers it until batch_size
// contexts have accumulated and ships them together.
func (s *PublishStage) Execute(ctx context.Context, pctx map[string]any) (map[string]any, error) {
	if s.cfg.BatchSize <= 1 {
		if err := s.publishOne(ctx, pctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, pctx)
	if len(s.pending) < s.cfg.BatchSize {
		s.mu.Unlock()
		return nil, nil
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	result := s.PublishBatch(ctx, batch)
	if result.Failed > 0 {
		return nil, fmt.Errorf("batch publish: %d of %d messages failed", result.Failed, len(batch))
	}
	return nil, nil
}

// Cleanup ships whatever is still buffered before draining the producer.
func (s *PublishStage) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) > 0 {
		if result := s.PublishBatch(ctx, batch); result.Failed > 0 {
			s.logger.Warn("final batch incomplete", "failed", result.Failed, "total", len(batch))
		}
	}

	if remaining := s.producer.Flush(10 * time.Second); remaining > 0 {
		return fmt.Errorf("flush left %d undelivered messages", remaining)
	}
	return nil
}

// PublishBatch sends a slice of contexts with the configured inter-message
// delay. Per-message failures are counted, not fatal; a cancelled context
// marks all remaining messages failed.
func (s *PublishStage) PublishBatch(ctx context.Context, contexts []map[string]any) BatchResult {
	var result BatchResult
	for i, pctx := range contexts {
		if ctx.Err() != nil {
			result.Failed += len(contexts) - i
			break
		}
		if err := s.publishOne(ctx, pctx); err != nil {
			s.logger.Error("batch publish", "index", i, "error", err)
			result.Failed++
		} else {
			result.Success++
		}
		if delay := time.Duration(s.cfg.BatchDelayMs) * time.Millisecond; delay > 0 && i < len(contexts)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}
	if s.cfg.FlushAfterBatch {
		if remaining := s.producer.Flush(10 * time.Second); remaining > 0 {
			s.logger.Warn("batch flush incomplete", "remaining", remaining)
		}
	}
	return result
}

func (s *PublishStage) publishOne(ctx context.Context, pctx map[string]any) error {
	payload, err := json.Marshal(envelope{
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Source:    s.pipeline,
		Data:      pctx,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &broker.Message{
		Topic:     s.cfg.Topic,
		Key:       s.messageKey(pctx),
		Value:     payload,
		Timestamp: s.now(),
	}

	labels := []string{s.chain.String(), s.pipeline, s.cfg.Topic}
	start := time.Now()

	if s.cfg.Mode == model.PublishAsync {
		err = s.producer.PublishAsync(ctx, msg)
	} else {
		err = s.producer.Publish(ctx, msg)
	}

	metrics.PublishMessagesTotal.WithLabelValues(labels...).Inc()
	metrics.PublishLatency.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PublishFailuresTotal.WithLabelValues(labels...).Inc()
		return fmt.Errorf("publish to %s: %w", s.cfg.Topic, err)
	}
	return nil
}

// messageKey keys partitioning on the transaction hash when present so one
// transaction's events stay ordered.
func (s *PublishStage) messageKey(pctx map[string]any) string {
	if key, ok := resolve.String(pctx, "transaction_hash"); ok {
		return key
	}
	return ""
}
