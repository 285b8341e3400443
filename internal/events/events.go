// Package events publishes supervisor lifecycle notifications onto the
// configured message queue (internal/queue), so external observers can
// react to ticks, health transitions, and job state changes without polling
// the agency directly.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soltixdb/agencyd/internal/queue"
)

const (
	// SubjectTick fires once per completed supervisor loop iteration.
	SubjectTick = "supervisor.tick"

	// SubjectHealthChange fires whenever a server's Supervision/Health
	// status transitions (GOOD -> BAD -> FAILED or back to GOOD).
	SubjectHealthChange = "supervisor.health.change"

	// SubjectJobState fires whenever a job transitions between ToDo,
	// Pending, Finished, and Failed.
	SubjectJobState = "supervisor.job.state"
)

// TickEvent reports the outcome of one supervisor loop iteration.
type TickEvent struct {
	Index      uint64        `json:"index"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	JobsDone   int           `json:"jobs_done"`
	JobsFailed int           `json:"jobs_failed"`
	Error      string        `json:"error,omitempty"`
}

// HealthChangeEvent reports a server's Supervision/Health status transition.
type HealthChangeEvent struct {
	ServerID  string    `json:"server_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// JobStateEvent reports a job's state-machine transition.
type JobStateEvent struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes supervisor lifecycle events onto a queue.Publisher. A nil
// Bus (or one built over a nil publisher) is valid and simply drops events;
// event publication is an observability aid, never load-bearing for
// correctness of the supervisor loop itself.
type Bus struct {
	publisher queue.Publisher
}

// NewBus wraps publisher. Passing nil yields a Bus whose Publish* methods
// are no-ops.
func NewBus(publisher queue.Publisher) *Bus {
	return &Bus{publisher: publisher}
}

func (b *Bus) publish(ctx context.Context, subject string, payload interface{}) error {
	if b == nil || b.publisher == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}
	if err := b.publisher.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", subject, err)
	}
	return nil
}

// PublishTick publishes a TickEvent.
func (b *Bus) PublishTick(ctx context.Context, ev TickEvent) error {
	return b.publish(ctx, SubjectTick, ev)
}

// PublishHealthChange publishes a HealthChangeEvent.
func (b *Bus) PublishHealthChange(ctx context.Context, ev HealthChangeEvent) error {
	return b.publish(ctx, SubjectHealthChange, ev)
}

// PublishJobState publishes a JobStateEvent.
func (b *Bus) PublishJobState(ctx context.Context, ev JobStateEvent) error {
	return b.publish(ctx, SubjectJobState, ev)
}

// Close releases the underlying publisher, if any.
func (b *Bus) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}
	return b.publisher.Close()
}
