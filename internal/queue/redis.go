package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams publisher.
type RedisConfig struct {
	URL      string // Redis URL (e.g., redis://localhost:6379)
	Password string // Optional password
	DB       int    // Database number (default: 0)
	Stream   string // Stream prefix (default: "agencyd")
}

// redisPublisher publishes events as entries on a Redis stream, one stream
// per subject under the configured prefix.
type redisPublisher struct {
	client *redis.Client
	config RedisConfig
}

func newRedisQueue(cfg RedisConfig) (*redisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opts = &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.Stream == "" {
		cfg.Stream = "agencyd"
	}

	return &redisPublisher{client: client, config: cfg}, nil
}

func (p *redisPublisher) streamName(subject string) string {
	return fmt.Sprintf("%s:%s", p.config.Stream, subject)
}

// Publish appends data to the subject's stream with an auto-generated
// entry ID; the supervisor never reads these streams back, so no consumer
// group bookkeeping happens here.
func (p *redisPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	stream := p.streamName(subject)

	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to Redis stream %s: %w", stream, err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
