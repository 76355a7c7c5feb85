// Package queue defines the broker-facing contracts the worker depends on.
// Implementations live in subpackages: rabbitmq for production and
// queuetest for an in-memory broker used by tests.
package queue

import (
	"context"
	"errors"
)

// Header names set by the worker when it re-publishes or dead-letters a job.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderFailureReason = "x-failure-reason"
	HeaderJobID         = "x-job-id"
	// HeaderDeath is set by RabbitMQ when a message is dead-lettered.
	HeaderDeath = "x-death"
)

// ErrClosed is returned by operations on a closed broker connection.
var ErrClosed = errors.New("queue: connection closed")

// Delivery is one message received from the work queue awaiting settlement.
// Ack and Reject must be called at most once between them.
type Delivery interface {
	Body() []byte
	Headers() Headers
	Redelivered() bool
	Ack() error
	Reject(requeue bool) error
}

// Message is an outbound or peeked message.
type Message struct {
	Body    []byte
	Headers Headers
}

// Source yields deliveries until ctx is cancelled or the connection drops,
// at which point the channel is closed.
type Source interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// Publisher writes messages back to the work queue or to the dead-letter queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	PublishDeadLetter(ctx context.Context, msg Message) error
}

// DeadLetterReader inspects the dead-letter queue without consuming it.
type DeadLetterReader interface {
	Peek(ctx context.Context, limit int) ([]Message, error)
	Depth(ctx context.Context) (int, error)
}

// Broker is the full surface the worker uses.
type Broker interface {
	Source
	Publisher
	DeadLetterReader
	Close() error
}
