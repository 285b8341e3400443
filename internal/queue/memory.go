package queue

import (
	"context"
	"fmt"
	"sync"
)

// memoryPublisher fans events into per-subject in-memory channels. It has
// no consumer of its own; the buffered channel exists so Publish never
// blocks on a slow or absent reader, up to its capacity.
type memoryPublisher struct {
	channels map[string]chan []byte
	mu       sync.RWMutex
}

func newMemoryQueue() *memoryPublisher {
	return &memoryPublisher{channels: make(map[string]chan []byte)}
}

func (p *memoryPublisher) getOrCreateChannel(subject string) chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, exists := p.channels[subject]; exists {
		return ch
	}
	ch := make(chan []byte, 10000)
	p.channels[subject] = ch
	return ch
}

func (p *memoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	ch := p.getOrCreateChannel(subject)

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case ch <- dataCopy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("channel full for subject: %s", subject)
	}
}

func (p *memoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for subject, ch := range p.channels {
		close(ch)
		delete(p.channels, subject)
	}
	return nil
}

// pendingCount reports how many messages are buffered for subject, used by
// tests to assert a publish actually landed somewhere observable.
func (p *memoryPublisher) pendingCount(subject string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if ch, exists := p.channels[subject]; exists {
		return len(ch)
	}
	return 0
}
