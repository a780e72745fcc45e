package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyNamespace + ":schema:version"
	currentSchemaVersion = 2
)

// Migration represents a schema migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// ensureType deletes key when it holds something other than want.
func ensureType(ctx context.Context, client *redis.Client, key, want string) error {
	typ, err := client.Type(ctx, key).Result()
	if err != nil {
		return err
	}
	if typ != "none" && typ != want {
		return client.Del(ctx, key).Err()
	}
	return nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: the expiry index must be a sorted set.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return ensureType(ctx, client, keyNamespace+":message:expiry", "zset")
			},
		},
		{
			// 2: presence moved from a plain "online" set to per-peer alive
			// keys. Peers in the old set reconnect and heartbeat, so it is
			// simply dropped.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				return client.Del(ctx, keyNamespace+":presence:online").Err()
			},
		},
	}
}
