package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/payroll-engine/metrics"
	"github.com/warp/payroll-engine/payroll"
)

// DefaultStream is the Redis stream activation events are appended to.
const DefaultStream = "payroll:structure-activations"

// StreamAdder is the part of *redis.Client the publisher needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends activation events to a Redis stream. Each stream
// entry has the fields "type", "id" and "payload" (the JSON event).
type RedisPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// NewRedisPublisher creates a publisher writing to stream.
func NewRedisPublisher(client StreamAdder, stream string, logger *slog.Logger) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: 10000, logger: logger}
}

// PublishStructureActivated implements payroll.Publisher.
func (p *RedisPublisher) PublishStructureActivated(ctx context.Context, ev payroll.StructureActivated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    payroll.EventStructureActivated,
			"id":      ev.EventID,
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		metrics.ObserveEventPublish("redis", "error")
		return fmt.Errorf("failed to publish event %s: %w", ev.EventID, err)
	}

	metrics.ObserveEventPublish("redis", "success")
	p.logger.Debug("activation event published",
		slog.String("stream", p.stream), slog.String("entry", id), slog.String("event_id", ev.EventID))
	return nil
}
