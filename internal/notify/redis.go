package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/ptytee/internal/config"
)

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink creates a sink for cfg. The connection is established
// lazily on the first publish.
func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisSinkFromClient(client, cfg.Channel)
}

// NewRedisSinkFromClient wraps an existing client.
func NewRedisSinkFromClient(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "ptytee.sessions"
	}
	return &RedisSink{client: client, channel: channel}
}

func (r *RedisSink) Name() string { return "redis " + r.channel }

func (r *RedisSink) Accepts(string) bool { return true }

// Send publishes the event. Having no subscribers is not an error.
func (r *RedisSink) Send(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
