package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestCache_Expiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[bool](10*time.Second, 0).WithClock(clock.now)
	defer c.Stop()

	c.Set("alice", true)
	v, ok := c.Get("alice")
	require.True(t, ok)
	assert.True(t, v)

	clock.advance(11 * time.Second)
	_, ok = c.Get("alice")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Invalidate(""))
	assert.Equal(t, 0, c.Len())
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[int](time.Minute, 0)
	defer c.Stop()

	c.Set("status:alice", 1)
	c.Set("status:bob", 2)
	c.Set("history:alice", 3)

	assert.Equal(t, 2, c.Invalidate("status:"))
	_, ok := c.Get("history:alice")
	assert.True(t, ok)
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[string](time.Minute, 0)
	defer c.Stop()

	calls := 0
	load := func(context.Context) (string, error) {
		calls++
		return "online", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), "bob", load)
		require.NoError(t, err)
		assert.Equal(t, "online", v)
	}
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string](time.Minute, 0)
	defer c.Stop()

	boom := errors.New("relay down")
	_, err := c.GetOrLoad(context.Background(), "bob", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestCache_StopTwice(t *testing.T) {
	c := New[int](time.Minute, time.Millisecond)
	c.Stop()
	assert.NotPanics(t, c.Stop)
}
