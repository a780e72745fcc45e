// Package redis backs the relay's message store, presence and signal fan-out
// with a shared Redis so several relay instances can serve one deployment.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/lza051119/chat8/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyNamespace = "chat8"

type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// connectBackoff covers a Redis that starts alongside the relay.
var connectBackoff = retry.Backoff{
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
	MaxAttempts:  2,
}

// Connect dials Redis, waits for it to answer and brings the key schema up
// to date. The client is closed again if either step fails.
func Connect(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := retry.Do(ctx, connectBackoff, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis schema migration: %w", err)
	}

	logger.Infow("connected to redis", "address", opts.Address, "db", opts.DB, "pool_size", opts.PoolSize)
	return client, nil
}

// Close tolerates a nil client.
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
