package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/internal/core/services"
	"github.com/lza051119/chat8/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockRelayService for hub tests
type MockRelayService struct {
	mock.Mock
}

func (m *MockRelayService) SendMessage(ctx context.Context, from domain.PeerID, req ports.RelaySendRequest) (*domain.MessageRecord, error) {
	args := m.Called(ctx, from, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MessageRecord), args.Error(1)
}

func (m *MockRelayService) History(ctx context.Context, owner, peer domain.PeerID, page, limit int) ([]*domain.MessageRecord, error) {
	args := m.Called(ctx, owner, peer, page, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.MessageRecord), args.Error(1)
}

func (m *MockRelayService) DeleteMessage(ctx context.Context, requester domain.PeerID, id string) error {
	return m.Called(ctx, requester, id).Error(0)
}

func (m *MockRelayService) UserStatus(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error) {
	args := m.Called(ctx, peer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PresenceRecord), args.Error(1)
}

func (m *MockRelayService) RegisterCapability(ctx context.Context, peer domain.PeerID, supportsDirect bool) error {
	return m.Called(ctx, peer, supportsDirect).Error(0)
}

func (m *MockRelayService) SetPresence(ctx context.Context, peer domain.PeerID, status string) error {
	return m.Called(ctx, peer, status).Error(0)
}

func (m *MockRelayService) Heartbeat(ctx context.Context, peer domain.PeerID) error {
	return m.Called(ctx, peer).Error(0)
}

func (m *MockRelayService) Connected(ctx context.Context, peer domain.PeerID) ([]*domain.MessageRecord, error) {
	args := m.Called(ctx, peer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.MessageRecord), args.Error(1)
}

func (m *MockRelayService) Disconnected(ctx context.Context, peer domain.PeerID) error {
	return m.Called(ctx, peer).Error(0)
}

type hubFixture struct {
	hub   *Hub
	relay *MockRelayService
	auth  ports.AuthService
	srv   *httptest.Server
}

func newHubFixture(t *testing.T, cfg HubConfig) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &hubFixture{
		relay: &MockRelayService{},
		auth:  services.NewAuthService("test-secret", time.Hour),
	}
	f.relay.On("Disconnected", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.relay.On("SetPresence", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	f.hub = NewHub(f.auth, f.relay, monitoring.NewPrometheusCollector(prometheus.NewRegistry()), cfg, zaptest.NewLogger(t).Sugar())

	router := gin.New()
	router.GET("/ws/:user_id", f.hub.HandleWebSocket)
	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *hubFixture) endpoint(user, token string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/" + user + "?token=" + token
}

func (f *hubFixture) connect(t *testing.T, user domain.PeerID) *websocket.Conn {
	t.Helper()
	token, err := f.auth.GenerateToken(user, string(user))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.endpoint(string(user), token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.hub.IsPeerConnected(user) }, 2*time.Second, 5*time.Millisecond)
	return conn
}

// readType reads frames until one of the given type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
}

func TestHub_RejectsBadTokens(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())

	_, resp, err := websocket.DefaultDialer.Dial(f.endpoint("alice", "garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bobToken, err := f.auth.GenerateToken("bob", "bob")
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(f.endpoint("alice", bobToken), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_ForwardsSignalingWithSenderStamp(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())
	f.relay.On("Connected", mock.Anything, mock.Anything).Return(nil, nil)

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	presence := readType(t, alice, "presence")
	assert.Equal(t, PeerRef("bob"), presence.FromID, "alice learns that bob came online")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"webrtc_offer","to_id":"bob","from_id":"mallory","payload":{"type":"offer","sdp":"v=0"}}`)))

	env := readType(t, bob, "webrtc_offer")
	assert.Equal(t, PeerRef("alice"), env.FromID)
	ev, err := Decode(&env)
	require.NoError(t, err)
	assert.Equal(t, "v=0", ev.(*domain.OfferEvent).Description.SDP)
}

func TestHub_PushesBacklogOnConnect(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.relay.On("Connected", mock.Anything, domain.PeerID("carol")).Return([]*domain.MessageRecord{
		{ID: "m-1", From: "alice", To: "carol", Content: "while you were out", MessageType: "text", Timestamp: ts},
	}, nil)

	carol := f.connect(t, "carol")

	env := readType(t, carol, TypeMessage)
	ev, err := Decode(&env)
	require.NoError(t, err)
	msg := ev.(*domain.RelayMessageEvent)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, domain.PeerID("alice"), msg.From)
	assert.Equal(t, "while you were out", msg.Content)
}

func TestHub_HeartbeatAndMalformedFrames(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())
	f.relay.On("Connected", mock.Anything, mock.Anything).Return(nil, nil)
	f.relay.On("Heartbeat", mock.Anything, domain.PeerID("alice")).Return(nil)

	alice := f.connect(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"webrtc_offer"`)))
	assert.Equal(t, TypeError, readEnvelope(t, alice).Type)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","timestamp":1714564800000}`)))
	env := readType(t, alice, TypeHeartbeatResponse)
	require.NotNil(t, env.Timestamp)
	f.relay.AssertCalled(t, "Heartbeat", mock.Anything, domain.PeerID("alice"))
}

func TestHub_OfflineTargetReportsError(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())
	f.relay.On("Connected", mock.Anything, mock.Anything).Return(nil, nil)

	alice := f.connect(t, "alice")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"voice_call_ended","to_id":"bob","call_id":"c-1","reason":"hangup"}`)))

	env := readType(t, alice, TypeError)
	assert.Contains(t, env.Message, "bob")
}

type recordingForwarder struct {
	mu    sync.Mutex
	to    domain.PeerID
	frame []byte
	bound []domain.PeerID
}

func (r *recordingForwarder) Forward(_ context.Context, to domain.PeerID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to, r.frame = to, frame
	return nil
}

func (r *recordingForwarder) Bind(_ context.Context, peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = append(r.bound, peer)
	return nil
}

func (r *recordingForwarder) Release(context.Context, domain.PeerID) error {
	return nil
}

func (r *recordingForwarder) sessions() []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PeerID(nil), r.bound...)
}

func (r *recordingForwarder) last() (domain.PeerID, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.to, string(r.frame)
}

func TestHub_ForwardsToOtherInstance(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())
	f.relay.On("Connected", mock.Anything, mock.Anything).Return(nil, nil)
	f.relay.On("Heartbeat", mock.Anything, mock.Anything).Return(nil)
	fwd := &recordingForwarder{}
	f.hub.SetForwarder(fwd, fwd)

	alice := f.connect(t, "alice")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"webrtc_ice_candidate","to_id":"bob","payload":{"candidate":"candidate:1"}}`)))

	// The heartbeat round trip orders the assertion after the forward.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	readType(t, alice, TypeHeartbeatResponse)

	to, frame := fwd.last()
	assert.Equal(t, domain.PeerID("bob"), to)
	assert.Contains(t, frame, `"from_id":"alice"`)
	assert.Equal(t, []domain.PeerID{"alice"}, fwd.sessions())
}

func TestHub_PrivateMessageGoesThroughRelayService(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())
	f.relay.On("Connected", mock.Anything, mock.Anything).Return(nil, nil)
	f.relay.On("Heartbeat", mock.Anything, mock.Anything).Return(nil)
	f.relay.On("SendMessage", mock.Anything, domain.PeerID("alice"), mock.Anything).
		Return(&domain.MessageRecord{ID: "srv-1"}, nil)

	alice := f.connect(t, "alice")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"private_message","to_id":"bob","data":{"content":"hi","messageType":"text","destroy_after":10}}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	readType(t, alice, TypeHeartbeatResponse)

	f.relay.AssertCalled(t, "SendMessage", mock.Anything, domain.PeerID("alice"), mock.MatchedBy(func(req ports.RelaySendRequest) bool {
		return req.To == "bob" && req.Content == "hi" && req.DestroyAfter == 10 && req.Method == domain.MethodRelay
	}))
}

func TestHub_RateLimitsFrames(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	f := newHubFixture(t, cfg)
	f.relay.On("Connected", mock.Anything, mock.Anything).Return(nil, nil)
	f.relay.On("Heartbeat", mock.Anything, mock.Anything).Return(nil)

	alice := f.connect(t, "alice")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	assert.Equal(t, TypeHeartbeatResponse, readEnvelope(t, alice).Type)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	env := readEnvelope(t, alice)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "rate limit exceeded", env.Message)
}

func TestHub_PushAndReplacement(t *testing.T) {
	f := newHubFixture(t, DefaultHubConfig())
	f.relay.On("Connected", mock.Anything, mock.Anything).Return(nil, nil)

	assert.False(t, f.hub.Push("bob", &domain.MessageRecord{ID: "x"}))

	first := f.connect(t, "bob")
	second := f.connect(t, "bob")
	assert.Equal(t, 1, f.hub.ConnectionCount())

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "the older connection is closed")

	require.True(t, f.hub.Push("bob", &domain.MessageRecord{ID: "m-2", From: "alice", To: "bob", Content: "hi"}))
	env := readType(t, second, TypeMessage)
	assert.Contains(t, string(env.Data), `"id":"m-2"`)
	assert.True(t, f.hub.IsPeerConnected("bob"))
}
