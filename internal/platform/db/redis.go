package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v9"
	"github.com/rs/zerolog"
)

// NewRedisClient connects to the server named by redisURL
// (redis://[:password@]host:port/db) and waits for it to answer PING.
func NewRedisClient(ctx context.Context, redisURL string, logger zerolog.Logger) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	err = backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, connectBackOff(ctx, DefaultConnectTimeout), func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Msg("redis not ready")
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisCheck reports whether Redis answers PING.
func RedisCheck(client redis.UniversalClient) HealthCheck {
	return func(ctx context.Context) (interface{}, error) {
		return nil, client.Ping(ctx).Err()
	}
}
