package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/broadcast"

	"github.com/stretchr/testify/mock"
)

type nopMetrics struct{}

func (nopMetrics) RecordChannelState(string)              {}
func (nopMetrics) RecordReconnectAttempt()                {}
func (nopMetrics) RecordLinkEstablished(time.Duration)    {}
func (nopMetrics) RecordLinkFailure(string)               {}
func (nopMetrics) RecordLinksActive(int)                  {}
func (nopMetrics) RecordMessageSent(string)               {}
func (nopMetrics) RecordMessageReceived(string)           {}
func (nopMetrics) RecordRelayError(string)                {}
func (nopMetrics) RecordCallEnded(string, time.Duration)  {}
func (nopMetrics) RecordHeartbeat()                       {}
func (nopMetrics) RecordPacketLoss(float64)               {}
func (nopMetrics) RecordHubConnections(int)               {}
func (nopMetrics) RecordFrameRelayed(string)              {}
func (nopMetrics) RecordFrameDropped(string)              {}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStore is an in-memory MessageRepository that also purges expired records.
type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*domain.MessageRecord
	adds     int
	addErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string]*domain.MessageRecord)}
}

func (s *fakeStore) AddMessage(_ context.Context, msg *domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	if s.addErr != nil {
		return s.addErr
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (*domain.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) QueryMessages(_ context.Context, owner, peer domain.PeerID, limit, offset int) ([]*domain.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.MessageRecord
	for _, m := range s.messages {
		if m.Involves(owner) && m.Involves(peer) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	end := len(out) - offset
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return out[start:end], nil
}

func (s *fakeStore) MarkRead(_ context.Context, id string) error {
	return s.update(id, func(m *domain.MessageRecord) { m.Read = true })
}

func (s *fakeStore) MarkDelivered(_ context.Context, id string) error {
	return s.update(id, func(m *domain.MessageRecord) { m.Delivered = true })
}

func (s *fakeStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return domain.ErrMessageNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *fakeStore) Undelivered(_ context.Context, to domain.PeerID) ([]*domain.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.MessageRecord
	for _, m := range s.messages {
		if m.To == to && !m.Delivered {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *fakeStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.Expired(now) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) update(id string, fn func(*domain.MessageRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	fn(m)
	return nil
}

func (s *fakeStore) all() []*domain.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.MessageRecord, 0, len(s.messages))
	for _, m := range s.messages {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// fakeSignaling records outbound events and lets tests inject inbound ones.
type fakeSignaling struct {
	mu      sync.Mutex
	state   ports.ChannelState
	sent    []domain.Event
	sendErr error
	closed  bool
	hold    chan struct{}

	events *broadcast.Broadcaster[domain.Event]
	states *broadcast.Broadcaster[ports.StateChange]
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		state:  ports.ChannelConnecting,
		events: broadcast.New[domain.Event](16),
		states: broadcast.New[ports.StateChange](16),
	}
}

func (f *fakeSignaling) Connect(context.Context) error {
	f.setState(ports.ChannelOpen)
	return nil
}

func (f *fakeSignaling) Send(ctx context.Context, ev domain.Event) error {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

// holdSends makes every later Send wait until the returned channel closes.
func (f *fakeSignaling) holdSends() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	return f.hold
}

func (f *fakeSignaling) Subscribe() (<-chan domain.Event, func()) { return f.events.Subscribe() }

func (f *fakeSignaling) SubscribeState() (<-chan ports.StateChange, func()) {
	return f.states.Subscribe()
}

func (f *fakeSignaling) State() ports.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSignaling) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) setState(st ports.ChannelState) {
	f.mu.Lock()
	prev := f.state
	f.state = st
	f.mu.Unlock()
	f.states.Publish(ports.StateChange{Previous: prev, State: st})
}

func (f *fakeSignaling) emit(ev domain.Event) {
	f.events.Publish(ev)
}

func (f *fakeSignaling) sentEvents() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.sent...)
}

func (f *fakeSignaling) sentOfKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range f.sentEvents() {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fakeLink struct {
	peer    domain.PeerID
	mu      sync.Mutex
	state   domain.LinkState
	sent    []domain.DirectMessage
	sendErr error
}

func newConnectedLink(peer domain.PeerID) *fakeLink {
	return &fakeLink{peer: peer, state: domain.LinkConnected}
}

func (l *fakeLink) Peer() domain.PeerID { return l.peer }

func (l *fakeLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Send(_ context.Context, msg domain.DirectMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) sentMessages() []domain.DirectMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DirectMessage(nil), l.sent...)
}

// fakeLinks is a LinkManager whose negotiation outcome is scripted by requestFn.
type fakeLinks struct {
	mu        sync.Mutex
	connected map[domain.PeerID]*fakeLink
	requestFn func(ctx context.Context, peer domain.PeerID) (ports.Link, error)
	requests  int
	closeAll  []string
	closed    []domain.PeerID
	pruned    int
	offers    []*domain.OfferEvent

	inbound *broadcast.Broadcaster[domain.DirectMessage]
	states  *broadcast.Broadcaster[ports.LinkEvent]
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		connected: make(map[domain.PeerID]*fakeLink),
		inbound:   broadcast.New[domain.DirectMessage](16),
		states:    broadcast.New[ports.LinkEvent](16),
	}
}

func (f *fakeLinks) RequestLink(ctx context.Context, peer domain.PeerID) (ports.Link, error) {
	f.mu.Lock()
	f.requests++
	fn := f.requestFn
	f.mu.Unlock()
	if fn == nil {
		return nil, domain.ErrTransport
	}
	return fn(ctx, peer)
}

func (f *fakeLinks) ConnectedLink(peer domain.PeerID) (ports.Link, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.connected[peer]
	if !ok {
		return nil, false
	}
	return l, true
}

func (f *fakeLinks) CloseLink(peer domain.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, peer)
	f.closed = append(f.closed, peer)
}

func (f *fakeLinks) CloseAll(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = make(map[domain.PeerID]*fakeLink)
	f.closeAll = append(f.closeAll, reason)
}

func (f *fakeLinks) PruneTerminal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pruned
}

func (f *fakeLinks) HandleOffer(ev *domain.OfferEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, ev)
}

func (f *fakeLinks) HandleAnswer(*domain.AnswerEvent)             {}
func (f *fakeLinks) HandleICECandidate(*domain.ICECandidateEvent) {}

func (f *fakeLinks) SubscribeInbound() (<-chan domain.DirectMessage, func()) {
	return f.inbound.Subscribe()
}

func (f *fakeLinks) SubscribeState() (<-chan ports.LinkEvent, func()) {
	return f.states.Subscribe()
}

func (f *fakeLinks) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeLinks) closeAllCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closeAll)
}

type MockRelayAPI struct {
	mock.Mock
}

func (m *MockRelayAPI) SendMessage(ctx context.Context, req ports.RelaySendRequest) (*ports.RelaySendResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.RelaySendResponse), args.Error(1)
}

func (m *MockRelayAPI) History(ctx context.Context, peer domain.PeerID, page, limit int) ([]*domain.MessageRecord, error) {
	args := m.Called(ctx, peer, page, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.MessageRecord), args.Error(1)
}

func (m *MockRelayAPI) UserStatus(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error) {
	args := m.Called(ctx, peer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PresenceRecord), args.Error(1)
}

func (m *MockRelayAPI) RegisterCapability(ctx context.Context, supportsDirect bool, capabilities map[string]bool) error {
	args := m.Called(ctx, supportsDirect, capabilities)
	return args.Error(0)
}

func (m *MockRelayAPI) SetPresence(ctx context.Context, status string) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *MockRelayAPI) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRelayAPI) Heartbeat(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fakeMedia is a CallMedia whose state transitions are driven by the test.
type fakeMedia struct {
	mu         sync.Mutex
	callID     string
	key        []byte
	closed     bool
	offered    bool
	accepted   *domain.SessionDescription
	answer     *domain.SessionDescription
	candidates []domain.ICECandidate
	onState    func(ports.MediaState)
	onCand     func(domain.ICECandidate)
}

func (m *fakeMedia) CreateOffer(context.Context) (domain.SessionDescription, error) {
	m.mu.Lock()
	m.offered = true
	m.mu.Unlock()
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (m *fakeMedia) Accept(_ context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	m.mu.Lock()
	m.accepted = &offer
	m.mu.Unlock()
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (m *fakeMedia) SetAnswer(answer domain.SessionDescription) error {
	m.mu.Lock()
	m.answer = &answer
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) AddRemoteCandidate(c domain.ICECandidate) error {
	m.mu.Lock()
	m.candidates = append(m.candidates, c)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) OnLocalCandidate(fn func(domain.ICECandidate)) {
	m.mu.Lock()
	m.onCand = fn
	m.mu.Unlock()
}

func (m *fakeMedia) OnStateChange(fn func(ports.MediaState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) fire(state ports.MediaState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) remoteCandidates() []domain.ICECandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ICECandidate(nil), m.candidates...)
}

type fakeMediaFactory struct {
	mu     sync.Mutex
	media  []*fakeMedia
	newErr error
}

func (f *fakeMediaFactory) NewCallMedia(_ context.Context, callID string, _ domain.PeerID, key []byte) (ports.CallMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	m := &fakeMedia{callID: callID, key: append([]byte(nil), key...)}
	f.media = append(f.media, m)
	return m, nil
}

func (f *fakeMediaFactory) last() *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.media) == 0 {
		return nil
	}
	return f.media[len(f.media)-1]
}

// notifications collects host notifications for assertions.
type notifications struct {
	mu   sync.Mutex
	list []domain.Notification
}

func (n *notifications) add(v domain.Notification) {
	n.mu.Lock()
	n.list = append(n.list, v)
	n.mu.Unlock()
}

func (n *notifications) all() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.list...)
}

func (n *notifications) records() []domain.CallRecord {
	var out []domain.CallRecord
	for _, v := range n.all() {
		if r, ok := v.(domain.CallRecorded); ok {
			out = append(out, r.Record)
		}
	}
	return out
}
