package utils

import "time"

// =============================================================================
// Timeout Constants
// =============================================================================

const (
	// DefaultRequestTimeout is the default timeout for the ambient status HTTP surface
	DefaultRequestTimeout = 30 * time.Second

	// ValidationTimeout is the timeout for input validation operations
	ValidationTimeout = 5 * time.Second

	// AgencyRequestTimeout is the default timeout for a single agency read/write
	AgencyRequestTimeout = 5 * time.Second
)

// =============================================================================
// Retry and Backoff Constants
// =============================================================================

const (
	// DefaultMaxRetries is the default number of retry attempts for a job's start transaction
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the default backoff duration between retries
	DefaultRetryBackoff = 100 * time.Millisecond

	// MaxRetryBackoff is the maximum backoff duration
	MaxRetryBackoff = 5 * time.Second
)

// =============================================================================
// Buffer and Batch Size Constants
// =============================================================================

const (
	// DefaultBufferSize is the default buffer size for event-bus channels
	DefaultBufferSize = 100

	// DefaultJobIDBatchSize is the number of job ids allocated per /Sync/LatestID increment
	DefaultJobIDBatchSize = 10000
)

// =============================================================================
// Queue Type Constants
// =============================================================================

// QueueType represents the type of message queue backing the event bus
type QueueType string

const (
	// QueueTypeNATS represents NATS JetStream queue (default)
	QueueTypeNATS QueueType = "nats"

	// QueueTypeRedis represents Redis Streams queue
	QueueTypeRedis QueueType = "redis"

	// QueueTypeKafka represents Apache Kafka queue
	QueueTypeKafka QueueType = "kafka"

	// QueueTypeMemory represents in-memory queue (for testing)
	QueueTypeMemory QueueType = "memory"
)
