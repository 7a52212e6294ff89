package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/openchainlab/eventpipe/internal/broker"
)

const pollTimeout = 500 * time.Millisecond

// Consumer reads from Kafka topics with manual offset commits: an offset is
// stored only after the handler returns nil, so failed messages redeliver.
type Consumer struct {
	consumer *kafka.Consumer
	topics   []string
	logger   *slog.Logger
}

var _ broker.Consumer = (*Consumer)(nil)

func NewConsumer(cfg *Config, topics []string, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka config: consumer needs a group id")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka consumer: no topics")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cm := cfg.configMap("-consumer")
	cm["group.id"] = cfg.GroupID
	cm["session.timeout.ms"] = 6000
	cm["auto.offset.reset"] = "earliest"
	cm["enable.auto.commit"] = true
	cm["enable.auto.offset.store"] = false

	c, err := kafka.NewConsumer(&cm)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics(topics, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %v: %w", topics, err)
	}

	return &Consumer{
		consumer: c,
		topics:   topics,
		logger:   logger.With("component", "kafka_consumer", "topics", topics),
	}, nil
}

func (c *Consumer) Run(ctx context.Context, handler broker.Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := c.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Warn("read message", "error", err)
			continue
		}

		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}

		incoming := &broker.Message{
			Topic:     topicName(msg),
			Key:       string(msg.Key),
			Headers:   headers,
			Value:     msg.Value,
			Timestamp: msg.Timestamp,
		}

		if err := handler(ctx, incoming); err != nil {
			c.logger.Error("handler failed, offset not stored",
				"topic", incoming.Topic,
				"partition", msg.TopicPartition.Partition,
				"offset", msg.TopicPartition.Offset,
				"error", err,
			)
			continue
		}

		if _, err := c.consumer.StoreMessage(msg); err != nil {
			c.logger.Error("store offset", "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
