// Package queue implements the publish side of the supervisor's event bus
// (internal/events): a small transport-selection layer over NATS JetStream,
// Redis Streams, Kafka, or an in-memory channel, chosen at startup by
// config.QueueConfig.Type. Nothing in this tree consumes its own published
// events, so there is deliberately no Subscribe surface here.
package queue

import "context"

// Publisher hands an encoded event off to a message transport. Bus.publish
// (internal/events) is the sole caller; every implementation below treats
// subject as an opaque routing key, not a queue name it also drains.
type Publisher interface {
	// Publish delivers data under subject. Delivery semantics (at-most-once
	// for memory and NATS core publish, broker-durable for JetStream/Kafka/
	// Redis streams) are a property of the chosen transport, not this
	// interface.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases the transport's underlying connection or resources.
	Close() error
}
