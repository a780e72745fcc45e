package distributed

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CHAT8_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAT8_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

type inbox struct {
	mu     sync.Mutex
	frames map[domain.PeerID][]string
}

func (i *inbox) deliver(peer domain.PeerID, frame []byte) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.frames == nil {
		i.frames = make(map[domain.PeerID][]string)
	}
	i.frames[peer] = append(i.frames[peer], string(frame))
	return true
}

func (i *inbox) get(peer domain.PeerID) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.frames[peer]...)
}

func TestSessionRegistry_BindLookupRelease(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()
	peer := domain.PeerID("user-" + uuid.NewString())

	a := NewSessionRegistry(client, "a-"+uuid.NewString(), time.Minute, logger)
	b := NewSessionRegistry(client, "b-"+uuid.NewString(), time.Minute, logger)

	_, err := a.Lookup(ctx, peer)
	assert.ErrorIs(t, err, domain.ErrPeerOffline)

	require.NoError(t, a.Bind(ctx, peer))
	require.NoError(t, b.Bind(ctx, peer))

	// a's late release must not evict b's newer session.
	require.NoError(t, a.Release(ctx, peer))
	owner, err := a.Lookup(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, b.InstanceID(), owner)

	require.NoError(t, b.Release(ctx, peer))
	_, err = a.Lookup(ctx, peer)
	assert.ErrorIs(t, err, domain.ErrPeerOffline)
}

func TestEventBus_ForwardsToOwningInstance(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zaptest.NewLogger(t).Sugar()

	regA := NewSessionRegistry(client, "a-"+uuid.NewString(), time.Minute, logger)
	regB := NewSessionRegistry(client, "b-"+uuid.NewString(), time.Minute, logger)
	busA := NewEventBus(client, regA, logger)
	busB := NewEventBus(client, regB, logger)

	var received inbox
	go busB.Subscribe(ctx, received.deliver)
	require.Eventually(t, func() bool {
		subs, err := client.PubSubNumSub(ctx, channelFor(regB.InstanceID())).Result()
		return err == nil && subs[channelFor(regB.InstanceID())] == 1
	}, 2*time.Second, 10*time.Millisecond)

	bob := domain.PeerID("bob-" + uuid.NewString())
	require.NoError(t, regB.Bind(ctx, bob))
	t.Cleanup(func() { regB.Release(context.Background(), bob) })

	require.NoError(t, busA.Forward(ctx, bob, []byte(`{"type":"webrtc_offer"}`)))
	require.Eventually(t, func() bool {
		return len(received.get(bob)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"type":"webrtc_offer"}`, received.get(bob)[0])

	// Unknown users and sessions pointing back at the sender are offline.
	assert.ErrorIs(t, busA.Forward(ctx, "nobody-"+domain.PeerID(uuid.NewString()), []byte(`{}`)), domain.ErrPeerOffline)
	assert.ErrorIs(t, busB.Forward(ctx, bob, []byte(`{}`)), domain.ErrPeerOffline)
}
