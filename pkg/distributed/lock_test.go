package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *LockManager {
	t.Helper()
	addr := os.Getenv("CHAT8_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAT8_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return NewLockManager(client, "chat8test:lock:"+uuid.NewString()+":")
}

func TestLock_Exclusive(t *testing.T) {
	lm := testManager(t)
	ctx := context.Background()

	first := lm.Lock("purge", time.Second)
	second := lm.Lock("purge", time.Second)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, second.Unlock(ctx), ErrNotHeld)

	require.NoError(t, first.Unlock(ctx))
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx))
}

func TestLock_RenewedWhileHeld(t *testing.T) {
	lm := testManager(t)
	ctx := context.Background()

	held := lm.Lock("renew", 200*time.Millisecond)
	ok, err := held.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(500 * time.Millisecond)
	ok, err = lm.Lock("renew", time.Second).TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease should still be held")
	require.NoError(t, held.Unlock(ctx))
}

func TestLockManager_RunExclusive(t *testing.T) {
	lm := testManager(t)
	ctx := context.Background()

	blocker := lm.Lock("job", time.Second)
	ok, err := blocker.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := lm.RunExclusive(ctx, "job", time.Second, func(context.Context) error {
		t.Fatal("ran while another holder had the lock")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, blocker.Unlock(ctx))
	ran, err = lm.RunExclusive(ctx, "job", time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}
