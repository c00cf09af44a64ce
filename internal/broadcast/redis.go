// SPDX-License-Identifier: MIT

package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Topic    string // pub/sub channel the stop command is published on
}

// RedisTransport publishes the stop command on a Redis pub/sub channel.
type RedisTransport struct {
	client *redis.Client
	topic  string
	logger zerolog.Logger
}

// NewRedisTransport connects to Redis and verifies the connection with a
// bounded ping before returning the transport.
func NewRedisTransport(cfg RedisConfig, logger zerolog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("topic", cfg.Topic).
		Msg("connected to Redis broadcast channel")

	return &RedisTransport{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

func (t *RedisTransport) Name() string { return "redis" }

// Publish pushes the payload to every subscriber of the configured channel.
func (t *RedisTransport) Publish(ctx context.Context, p Payload) error {
	data, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res := t.client.Publish(ctx, t.topic, data)
	if err := res.Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	t.logger.Debug().
		Str("event", "broadcast.published").
		Str("topic", t.topic).
		Str("event_id", p.EventID).
		Int64("receivers", res.Val()).
		Msg("stop command published")
	return nil
}

// HealthCheck reports whether the Redis connection is usable.
func (t *RedisTransport) HealthCheck(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
