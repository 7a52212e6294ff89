package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/openchainlab/eventpipe/internal/broker"
)

// Producer wraps a confluent producer. Sync publishes wait on a per-message
// delivery channel; async publishes rely on the shared event drain.
type Producer struct {
	producer *kafka.Producer
	cfg      *Config
	logger   *slog.Logger
	done     chan struct{}
}

var _ broker.Producer = (*Producer)(nil)

func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	cm := cfg.configMap("-producer")
	cm["enable.idempotence"] = true
	cm["acks"] = "all"

	p, err := kafka.NewProducer(&cm)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	prod := &Producer{
		producer: p,
		cfg:      cfg,
		logger:   logger.With("component", "kafka_producer"),
		done:     make(chan struct{}),
	}
	go prod.drainEvents()
	return prod, nil
}

// drainEvents consumes delivery reports for async publishes. Failures are
// logged; the caller already moved on.
func (p *Producer) drainEvents() {
	defer close(p.done)
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("async delivery failed",
					"topic", topicName(ev),
					"error", ev.TopicPartition.Error,
				)
			}
		case kafka.Error:
			p.logger.Warn("kafka producer event", "code", ev.Code(), "error", ev)
		}
	}
}

func (p *Producer) Publish(ctx context.Context, msg *broker.Message) error {
	kafkaMsg := buildMessage(msg)

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(kafkaMsg, deliveryChan); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("produce to %s: unexpected event %T", msg.Topic, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery to %s failed: %w", msg.Topic, m.TopicPartition.Error)
		}
		return nil
	}
}

func (p *Producer) PublishAsync(_ context.Context, msg *broker.Message) error {
	if err := p.producer.Produce(buildMessage(msg), nil); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *Producer) Flush(timeout time.Duration) int {
	return p.producer.Flush(int(timeout.Milliseconds()))
}

func (p *Producer) Close() {
	p.producer.Flush(int(p.cfg.flushTimeout().Milliseconds()))
	p.producer.Close()
	<-p.done
}

func buildMessage(msg *broker.Message) *kafka.Message {
	topic := msg.Topic
	kafkaMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if msg.Key != "" {
		kafkaMsg.Key = []byte(msg.Key)
	}
	if len(msg.Headers) > 0 {
		headers := make([]kafka.Header, 0, len(msg.Headers))
		for key, value := range msg.Headers {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}
		kafkaMsg.Headers = headers
	}
	return kafkaMsg
}

func topicName(m *kafka.Message) string {
	if m.TopicPartition.Topic == nil {
		return ""
	}
	return *m.TopicPartition.Topic
}
