package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"atelier/api/internal/store"
)

// RedisPublisher appends events to a redis stream, the channel downstream
// consumers (activity feeds, notification fan-out) read from.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisPublisher(redisURL, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{client: client, stream: stream}, nil
}

// NewRedisPublisherWithClient builds a publisher from an existing client,
// used by tests running against miniredis.
func NewRedisPublisherWithClient(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

func (p *RedisPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":   event.EventID,
			"event_type": event.EventType,
			"actor_id":   event.ActorID,
			"payload":    string(event.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.EventID, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
