package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openchainlab/eventpipe/internal/broker"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/metrics"
)

// MessageSource feeds a pipeline from a broker topic instead of chain RPC,
// for replaying events another pipeline already decoded and published.
type MessageSource struct {
	chainName model.Chain
	pipeline  string
	consumer  broker.Consumer
	logger    *slog.Logger
}

func NewMessageSource(chainName model.Chain, pipelineName string, consumer broker.Consumer, logger *slog.Logger) *MessageSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageSource{
		chainName: chainName,
		pipeline:  pipelineName,
		consumer:  consumer,
		logger:    logger.With("component", "message_source", "pipeline", pipelineName),
	}
}

// Run consumes until the context ends. Malformed payloads are dropped with
// a committed offset; redelivering them would fail identically.
func (s *MessageSource) Run(ctx context.Context, handler Handler) error {
	return s.consumer.Run(ctx, func(ctx context.Context, msg *broker.Message) error {
		var ev model.EventRecord
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			metrics.SourceLogsSkipped.WithLabelValues(s.chainName.String(), s.pipeline).Inc()
			s.logger.Warn("drop malformed event payload", "topic", msg.Topic, "error", err)
			return nil
		}
		if ev.EventName == "" {
			metrics.SourceLogsSkipped.WithLabelValues(s.chainName.String(), s.pipeline).Inc()
			s.logger.Warn("drop event without name", "topic", msg.Topic)
			return nil
		}

		metrics.SourceEventsDecoded.WithLabelValues(s.chainName.String(), s.pipeline).Inc()
		if err := handler(ctx, &ev); err != nil {
			return fmt.Errorf("handle consumed event %s: %w", ev.EventName, err)
		}
		return nil
	})
}

func (s *MessageSource) Close() error {
	return s.consumer.Close()
}
