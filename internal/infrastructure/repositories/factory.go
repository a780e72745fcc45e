package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/internal/infrastructure/repositories/memory"
	redisrepo "github.com/lza051119/chat8/internal/infrastructure/repositories/redis"
	"github.com/lza051119/chat8/internal/infrastructure/repositories/sqlite"
	"github.com/lza051119/chat8/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	backend     string
	sqlitePath  string
	redisClient *redis.Client
	sqliteRepo  *sqlite.MessageRepository
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when it is enabled or selected as
// the store backend. A failed Redis connection falls back to memory unless
// Redis was the chosen backend.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend:    cfg.Store.Backend,
		sqlitePath: cfg.Store.SQLitePath,
		logger:     logger,
	}

	if cfg.Redis.Enabled || cfg.Store.Backend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redisrepo.Connect(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		cancel()
		switch {
		case err == nil:
			factory.redisClient = client
		case cfg.Store.Backend == "redis":
			return nil, err
		default:
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		}
	}

	logger.Infow("repository backend selected", "backend", factory.backend, "redis", factory.redisClient != nil)
	return factory, nil
}

// CreateMessageRepository returns the configured message store. The sqlite
// repository is opened once and shared.
func (f *RepositoryFactory) CreateMessageRepository() (ports.MessageRepository, error) {
	switch f.backend {
	case "sqlite":
		if f.sqliteRepo == nil {
			repo, err := sqlite.Open(f.sqlitePath)
			if err != nil {
				return nil, err
			}
			f.sqliteRepo = repo
		}
		return f.sqliteRepo, nil
	case "redis":
		return redisrepo.NewMessageRepository(f.redisClient), nil
	case "", "memory":
		return memory.NewMessageRepository(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", f.backend)
	}
}

// CreatePresenceRepository shares presence through Redis when connected, so
// every relay instance sees the same online set.
func (f *RepositoryFactory) CreatePresenceRepository(ttl time.Duration) ports.PresenceRepository {
	if f.redisClient != nil {
		return redisrepo.NewPresenceRepository(f.redisClient, ttl)
	}
	return memory.NewPresenceRepository(ttl)
}

// RedisClient is nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes the Redis connection and the sqlite file if used
func (f *RepositoryFactory) Close() error {
	var firstErr error
	if f.sqliteRepo != nil {
		firstErr = f.sqliteRepo.Close()
	}
	if err := redisrepo.Close(f.redisClient); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// HealthCheck pings whichever backends are open
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if f.sqliteRepo != nil {
		if err := f.sqliteRepo.Ping(ctx); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}
	return nil
}
