// Package broker defines the messaging surface the publish stage and the
// message-driven event source depend on. The Kafka implementation lives in
// the kafka subpackage.
package broker

import (
	"context"
	"time"
)

// Message is one payload bound for a topic.
type Message struct {
	Topic     string
	Key       string
	Headers   map[string]string
	Value     []byte
	Timestamp time.Time
}

// Producer publishes messages. Publish blocks until the broker confirms
// delivery; PublishAsync enqueues and reports failures through logs and
// metrics only.
type Producer interface {
	Publish(ctx context.Context, msg *Message) error
	PublishAsync(ctx context.Context, msg *Message) error
	// Flush waits up to timeout for queued async messages and returns how
	// many remain undelivered.
	Flush(timeout time.Duration) int
	Close()
}

// Handler processes one consumed message. A non-nil error leaves the offset
// uncommitted so the message redelivers.
type Handler func(ctx context.Context, msg *Message) error

// Consumer reads messages from subscribed topics until its context ends.
type Consumer interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}
