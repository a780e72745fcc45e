package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/infrastructure/repositories/memory"
	"github.com/lza051119/chat8/internal/infrastructure/repositories/sqlite"
	"github.com/lza051119/chat8/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	factory, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer factory.Close()

	repo, err := factory.CreateMessageRepository()
	require.NoError(t, err)
	assert.IsType(t, &memory.MessageRepository{}, repo)
	assert.IsType(t, &memory.PresenceRepository{}, factory.CreatePresenceRepository(time.Minute))
	assert.Nil(t, factory.RedisClient())
	assert.NoError(t, factory.HealthCheck(context.Background()))
}

func TestRepositoryFactory_SQLiteIsShared(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "chat8.db")

	factory, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	first, err := factory.CreateMessageRepository()
	require.NoError(t, err)
	second, err := factory.CreateMessageRepository()
	require.NoError(t, err)
	assert.IsType(t, &sqlite.MessageRepository{}, first)
	assert.Same(t, first, second)

	ctx := context.Background()
	require.NoError(t, first.AddMessage(ctx, &domain.MessageRecord{
		ID: "m1", From: "alice", To: "bob", Content: "hi", Timestamp: time.Now(),
	}))
	assert.NoError(t, factory.HealthCheck(ctx))
	assert.NoError(t, factory.Close())
}

func TestRepositoryFactory_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "etcd"

	factory, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = factory.CreateMessageRepository()
	assert.Error(t, err)
}

func TestRepositoryFactory_RedisBackendRequiresConnection(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "redis"
	cfg.Redis.Address = "127.0.0.1:1"

	_, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestRepositoryFactory_RedisFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	factory, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Nil(t, factory.RedisClient())
	assert.IsType(t, &memory.PresenceRepository{}, factory.CreatePresenceRepository(time.Minute))
}
