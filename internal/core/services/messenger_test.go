package services

import (
	"context"
	"testing"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type messengerFixture struct {
	m         *Messenger
	signaling *fakeSignaling
	links     *fakeLinks
	relay     *MockRelayAPI
	store     *fakeStore
	factory   *fakeMediaFactory
	notes     <-chan domain.Notification
}

func newMessengerFixture(t *testing.T) *messengerFixture {
	t.Helper()

	f := &messengerFixture{
		signaling: newFakeSignaling(),
		links:     newFakeLinks(),
		relay:     &MockRelayAPI{},
		store:     newFakeStore(),
		factory:   &fakeMediaFactory{},
	}
	f.relay.On("RegisterCapability", mock.Anything, true, mock.Anything).Return(nil)

	f.m = NewMessenger(MessengerConfig{
		Self:           "alice",
		Status:         "online",
		Capabilities:   map[string]bool{"p2p": true, "voice": true},
		MaxAttempts:    3,
		AttemptWindow:  time.Minute,
		AttemptTTL:     5 * time.Minute,
		Calls:          CallControllerConfig{SetupTimeout: 18 * time.Second, KeySize: 32, EncryptAudio: true},
		HealthInterval: time.Hour,
		QueueSize:      16,
		WriteTimeout:   time.Second,
		StatusCacheTTL: time.Minute,
	}, MessengerDeps{
		Signaling: f.signaling,
		Links:     f.links,
		Relay:     f.relay,
		Store:     f.store,
		Media:     f.factory,
		Metrics:   nopMetrics{},
		Logger:    zaptest.NewLogger(t),
	})

	notes, cancel := f.m.Subscribe()
	f.notes = notes

	require.NoError(t, f.m.Start(context.Background()))
	t.Cleanup(func() {
		cancel()
		_ = f.m.Close(context.Background())
	})

	f.waitFor(t, func(n domain.Notification) bool {
		cs, ok := n.(domain.ChannelStateChanged)
		return ok && cs.State == string(ports.ChannelOpen)
	})
	return f
}

// waitFor consumes notifications until match returns true.
func (f *messengerFixture) waitFor(t *testing.T, match func(domain.Notification) bool) domain.Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-f.notes:
			if match(n) {
				return n
			}
		case <-timeout:
			t.Fatal("timed out waiting for notification")
			return nil
		}
	}
}

func TestMessenger_RegistersCapabilitiesOnStart(t *testing.T) {
	f := newMessengerFixture(t)

	f.relay.AssertCalled(t, "RegisterCapability", mock.Anything, true, map[string]bool{"p2p": true, "voice": true})
	assert.Error(t, f.m.Start(context.Background()), "second start is rejected")
}

func TestMessenger_ZeroConfigGetsDefaults(t *testing.T) {
	relay := &MockRelayAPI{}
	relay.On("RegisterCapability", mock.Anything, true, mock.Anything).Return(nil)

	m := NewMessenger(MessengerConfig{Self: "alice"}, MessengerDeps{
		Signaling: newFakeSignaling(),
		Links:     newFakeLinks(),
		Relay:     relay,
		Store:     newFakeStore(),
		Media:     &fakeMediaFactory{},
		Metrics:   nopMetrics{},
		Logger:    zaptest.NewLogger(t),
	})

	assert.Equal(t, 60*time.Second, m.cfg.HealthInterval)
	assert.Equal(t, 256, m.cfg.QueueSize)
	assert.Equal(t, 5*time.Second, m.cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, m.cfg.StatusCacheTTL)
	assert.Equal(t, 3, m.cfg.MaxAttempts)
	assert.Equal(t, 18*time.Second, m.cfg.Calls.SetupTimeout)
	assert.Equal(t, 32, m.cfg.Calls.KeySize)

	require.NotPanics(t, func() {
		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.Close(context.Background()))
	})
}

func TestMessenger_ChannelLossTearsDownLinksAndCall(t *testing.T) {
	f := newMessengerFixture(t)

	_, err := f.m.StartCall(context.Background(), "bob")
	require.NoError(t, err)
	_, active := f.m.CurrentCall()
	require.True(t, active)

	f.signaling.setState(ports.ChannelReconnecting)

	f.waitFor(t, func(n domain.Notification) bool {
		cs, ok := n.(domain.ChannelStateChanged)
		return ok && cs.State == string(ports.ChannelReconnecting)
	})

	// Both teardowns happen in the dispatch step that publishes the state.
	assert.Equal(t, 1, f.links.closeAllCount())
	_, active = f.m.CurrentCall()
	assert.False(t, active)
	assert.True(t, f.factory.last().isClosed())
}

func TestMessenger_InboundRelayMessage(t *testing.T) {
	f := newMessengerFixture(t)

	f.signaling.emit(&domain.RelayMessageEvent{
		EventHeader: domain.EventHeader{From: "bob", To: "alice"},
		ID:          "srv-9",
		Content:     "from the server",
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		BurnAfter:   time.Minute,
	})

	n := f.waitFor(t, func(n domain.Notification) bool {
		_, ok := n.(domain.MessageReceived)
		return ok
	})
	msg := n.(domain.MessageReceived).Message
	assert.Equal(t, "srv-9", msg.ID)
	assert.Equal(t, domain.MethodRelay, msg.Method)
	assert.Equal(t, domain.PeerID("alice"), msg.To)
	assert.Equal(t, domain.MessageTypeText, msg.MessageType)
	require.NotNil(t, msg.DestroyAfter)

	require.Eventually(t, func() bool {
		_, err := f.store.GetMessage(context.Background(), "srv-9")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMessenger_InboundDirectMessage(t *testing.T) {
	f := newMessengerFixture(t)

	f.links.inbound.Publish(domain.DirectMessage{
		Type:      domain.DirectMessageType,
		ID:        "d-1",
		From:      "bob",
		Content:   "over the data channel",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})

	n := f.waitFor(t, func(n domain.Notification) bool {
		_, ok := n.(domain.MessageReceived)
		return ok
	})
	msg := n.(domain.MessageReceived).Message
	assert.Equal(t, domain.MethodDirect, msg.Method)
	assert.Equal(t, domain.PeerID("bob"), msg.From)
	assert.Nil(t, msg.DestroyAfter)
}

func TestMessenger_DispatchesLinkAndPresenceEvents(t *testing.T) {
	f := newMessengerFixture(t)

	f.signaling.emit(&domain.OfferEvent{
		EventHeader: domain.EventHeader{From: "bob"},
		Description: domain.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	f.signaling.emit(&domain.PresenceEvent{
		EventHeader:  domain.EventHeader{From: "carol"},
		Online:       true,
		Status:       "online",
		Capabilities: map[string]bool{"p2p": true},
	})

	n := f.waitFor(t, func(n domain.Notification) bool {
		pc, ok := n.(domain.PresenceChanged)
		return ok && pc.Record.Peer == "carol"
	})
	assert.True(t, n.(domain.PresenceChanged).Record.SupportsDirect)

	f.links.mu.Lock()
	offers := len(f.links.offers)
	f.links.mu.Unlock()
	assert.Equal(t, 1, offers, "offer dispatched before the later presence event")

	f.links.states.Publish(ports.LinkEvent{Peer: "dave", State: domain.LinkConnected})
	f.waitFor(t, func(n domain.Notification) bool {
		ls, ok := n.(domain.LinkStateChanged)
		return ok && ls.Peer == "dave"
	})
	rec, ok := f.m.Presence("dave")
	require.True(t, ok)
	assert.True(t, rec.SupportsDirect)
}

func TestMessenger_HeartbeatAck(t *testing.T) {
	f := newMessengerFixture(t)
	assert.True(t, f.m.LastHeartbeatAck().IsZero())

	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	f.signaling.emit(&domain.HeartbeatEvent{Timestamp: ts, Response: true})

	require.Eventually(t, func() bool {
		return f.m.LastHeartbeatAck().Equal(ts)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMessenger_RefreshPresenceIsCached(t *testing.T) {
	f := newMessengerFixture(t)
	f.relay.On("UserStatus", mock.Anything, domain.PeerID("bob")).
		Return(&domain.PresenceRecord{Peer: "bob", Online: true, SupportsDirect: true, Status: "busy"}, nil).
		Once()

	rec, err := f.m.RefreshPresence(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, rec.Online)
	assert.Equal(t, "busy", rec.Status)

	_, err = f.m.RefreshPresence(context.Background(), "bob")
	require.NoError(t, err)
	f.relay.AssertNumberOfCalls(t, "UserStatus", 1)
}

func TestMessenger_FetchRemoteHistoryMerges(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, f.store.AddMessage(ctx, &domain.MessageRecord{ID: "h1", From: "alice", To: "bob", Content: "local", Timestamp: base}))

	remote := []*domain.MessageRecord{
		{ID: "h1", From: "alice", To: "bob", Content: "remote copy", Timestamp: base},
		{ID: "h2", From: "bob", To: "alice", Content: "new", Timestamp: base.Add(time.Second)},
	}
	f.relay.On("History", mock.Anything, domain.PeerID("bob"), 1, 50).Return(remote, nil)

	got, err := f.m.FetchRemoteHistory(ctx, "bob", 1, 50)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	h1, err := f.store.GetMessage(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "local", h1.Content, "existing records are kept")
	_, err = f.store.GetMessage(ctx, "h2")
	assert.NoError(t, err)
}

func TestMessenger_HistorySkipsExpired(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)

	require.NoError(t, f.store.AddMessage(ctx, &domain.MessageRecord{ID: "keep", From: "alice", To: "bob", Timestamp: now.Add(-2 * time.Minute)}))
	require.NoError(t, f.store.AddMessage(ctx, &domain.MessageRecord{ID: "gone", From: "bob", To: "alice", Timestamp: now.Add(-90 * time.Second), DestroyAfter: &past}))

	got, err := f.m.History(ctx, "bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].ID)

	_, err = f.m.History(ctx, "bob", 0, 0)
	assert.Error(t, err)
}

func TestMessenger_SetStatusAnnouncesPresence(t *testing.T) {
	f := newMessengerFixture(t)
	f.relay.On("SetPresence", mock.Anything, "away").Return(nil)

	require.NoError(t, f.m.SetStatus(context.Background(), "away"))
	assert.Equal(t, "away", f.m.Status())

	sent := f.signaling.sentOfKind(domain.KindPresence)
	require.Len(t, sent, 1)
	assert.Equal(t, "away", sent[0].(*domain.PresenceEvent).Status)
}

func TestMessenger_DeleteMessageIsBestEffortRemotely(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddMessage(ctx, &domain.MessageRecord{ID: "m1", From: "alice", To: "bob"}))
	f.relay.On("DeleteMessage", mock.Anything, "m1").Return(assert.AnError)

	require.NoError(t, f.m.DeleteMessage(ctx, "m1"))
	_, err := f.store.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}
