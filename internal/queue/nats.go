package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsPublisher publishes events onto a NATS JetStream subject.
type natsPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func newNATSQueue(url string) (*natsPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &natsPublisher{conn: conn, js: js}, nil
}

// Publish hands subject/data to JetStream's async publisher. It does not
// wait for the broker's ack; PublishAsyncComplete is not exposed here
// because nothing in this tree needs batch-level confirmation.
func (p *natsPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	return nil
}

func (p *natsPublisher) Close() error {
	p.conn.Close()
	return nil
}
