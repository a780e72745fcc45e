package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/broadcast"
	"github.com/lza051119/chat8/pkg/cache"
	apperrors "github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/logger"
	"github.com/lza051119/chat8/pkg/tracing"
	"github.com/lza051119/chat8/pkg/validation"

	"go.uber.org/zap"
)

// MessengerConfig holds the tunables the Messenger passes to its components.
type MessengerConfig struct {
	Self           domain.PeerID
	Status         string
	Capabilities   map[string]bool
	MaxAttempts    int
	AttemptWindow  time.Duration
	AttemptTTL     time.Duration
	Calls          CallControllerConfig
	HealthInterval time.Duration
	QueueSize      int
	WriteTimeout   time.Duration
	StatusCacheTTL time.Duration
}

// withDefaults fills unset tunables so a zero config still runs.
func (c MessengerConfig) withDefaults() MessengerConfig {
	if c.Status == "" {
		c.Status = "online"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = 60 * time.Second
	}
	if c.AttemptTTL <= 0 {
		c.AttemptTTL = 5 * time.Minute
	}
	if c.Calls.SetupTimeout <= 0 {
		c.Calls.SetupTimeout = 18 * time.Second
	}
	if c.Calls.KeySize <= 0 {
		c.Calls.KeySize = 32
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.StatusCacheTTL <= 0 {
		c.StatusCacheTTL = 15 * time.Second
	}
	return c
}

// MessengerDeps are the collaborators built outside the core.
type MessengerDeps struct {
	Signaling ports.SignalingChannel
	Links     ports.LinkManager
	Relay     ports.RelayAPI
	Store     ports.MessageRepository
	Media     ports.CallMediaFactory
	Presence  *PresenceTracker
	Metrics   ports.Metrics
	Logger    *zap.Logger
}

// statusSetter is implemented by channels that re-announce presence on reconnect.
type statusSetter interface {
	SetStatus(status string)
}

// Messenger owns the engine components, runs the single inbound dispatch loop
// and exposes the host API.
type Messenger struct {
	cfg       MessengerConfig
	signaling ports.SignalingChannel
	links     ports.LinkManager
	relay     ports.RelayAPI
	store     ports.MessageRepository
	metrics   ports.Metrics

	presence  *PresenceTracker
	attempts  *AttemptTracker
	persister *Persister
	router    *MessageRouter
	calls     *CallController
	health    *HealthMonitor

	statusCache   *cache.Cache[domain.PresenceRecord]
	notifications *broadcast.Broadcaster[domain.Notification]

	logger *zap.SugaredLogger
	clog   *logger.ContextLogger
	now    func() time.Time

	status  atomic.Value // string
	lastAck atomic.Int64 // unix nanos

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewMessenger(cfg MessengerConfig, deps MessengerDeps) *Messenger {
	cfg = cfg.withDefaults()
	sugar := deps.Logger.Sugar()
	presence := deps.Presence
	if presence == nil {
		presence = NewPresenceTracker()
	}

	m := &Messenger{
		cfg:           cfg,
		signaling:     deps.Signaling,
		links:         deps.Links,
		relay:         deps.Relay,
		store:         deps.Store,
		metrics:       deps.Metrics,
		presence:      presence,
		statusCache:   cache.New[domain.PresenceRecord](cfg.StatusCacheTTL, cfg.StatusCacheTTL),
		notifications: broadcast.New[domain.Notification](64),
		logger:        sugar,
		clog:          logger.NewContextLogger(deps.Logger),
		now:           time.Now,
	}
	m.status.Store(cfg.Status)

	m.attempts = NewAttemptTracker(cfg.MaxAttempts, cfg.AttemptWindow, cfg.AttemptTTL)
	m.persister = NewPersister(deps.Store, cfg.QueueSize, cfg.WriteTimeout, sugar.Named("persister"))
	m.router = NewMessageRouter(cfg.Self, deps.Links, deps.Relay, presence, m.attempts, m.persister, deps.Metrics, sugar.Named("router"))
	m.calls = NewCallController(cfg.Self, deps.Signaling, deps.Media, m.persister, deps.Metrics, sugar.Named("calls"), cfg.Calls, m.publish)
	m.health = NewHealthMonitor(cfg.Self, deps.Signaling, deps.Relay, deps.Links, m.attempts, deps.Store, deps.Metrics, sugar.Named("health"), cfg.HealthInterval)

	if s, ok := deps.Signaling.(statusSetter); ok {
		s.SetStatus(cfg.Status)
	}

	return m
}

// Start subscribes to every inbound source, connects the signaling channel,
// registers capabilities with the relay, and starts the dispatch loop and the
// health monitor. A failed first connect is logged; the channel keeps retrying
// and sends fall back to the relay meanwhile.
func (m *Messenger) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("messenger already started")
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	events, unsubEvents := m.signaling.Subscribe()
	states, unsubStates := m.signaling.SubscribeState()
	inbound, unsubInbound := m.links.SubscribeInbound()
	linkStates, unsubLinks := m.links.SubscribeState()
	presence, unsubPresence := m.presence.Subscribe()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer unsubEvents()
		defer unsubStates()
		defer unsubInbound()
		defer unsubLinks()
		defer unsubPresence()
		m.run(runCtx, events, states, inbound, linkStates, presence)
	}()
	go func() {
		defer m.wg.Done()
		m.health.Run(runCtx)
	}()

	if err := m.signaling.Connect(ctx); err != nil {
		m.logger.Warnw("Initial signaling connect failed, continuing in relay mode", "error", err)
	}

	if err := m.relay.RegisterCapability(ctx, true, m.cfg.Capabilities); err != nil {
		m.logger.Warnw("Capability registration failed", "error", err)
	}

	m.logger.Infow("Messenger started", "user_id", m.cfg.Self)
	return nil
}

// Close stops the loop, tears down links and the call, closes the channel and
// drains pending writes.
func (m *Messenger) Close(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.calls.EndAll("shutdown")
	m.calls.Wait()
	m.links.CloseAll("shutdown")

	var errs []error
	if err := m.signaling.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close signaling: %w", err))
	}
	if err := m.persister.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain persistence queue: %w", err))
	}
	m.statusCache.Stop()
	m.presence.Close()
	m.notifications.Close()

	return errors.Join(errs...)
}

// Subscribe streams host notifications. Slow subscribers miss notifications.
func (m *Messenger) Subscribe() (<-chan domain.Notification, func()) {
	return m.notifications.Subscribe()
}

func (m *Messenger) run(
	ctx context.Context,
	events <-chan domain.Event,
	states <-chan ports.StateChange,
	inbound <-chan domain.DirectMessage,
	linkStates <-chan ports.LinkEvent,
	presence <-chan domain.PresenceRecord,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(ctx, ev)
		case change, ok := <-states:
			if !ok {
				return
			}
			m.onChannelState(change)
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			m.onDirectMessage(ctx, msg)
		case le, ok := <-linkStates:
			if !ok {
				return
			}
			if le.State == domain.LinkConnected {
				m.presence.MarkDirect(le.Peer)
			}
			m.publish(domain.LinkStateChanged{Peer: le.Peer, State: le.State, Err: le.Err})
		case rec, ok := <-presence:
			if !ok {
				return
			}
			m.publish(domain.PresenceChanged{Record: rec})
		}
	}
}

func (m *Messenger) dispatch(ctx context.Context, ev domain.Event) {
	hdr := ev.Header()
	ctx, span := tracing.TraceSignal(ctx, string(ev.Kind()), string(hdr.From))
	defer span.End()
	ctx = logger.WithPeerID(ctx, string(hdr.From))

	m.clog.LogDebug(ctx, "Dispatching signaling event", zap.String("type", string(ev.Kind())))

	switch ev := ev.(type) {
	case *domain.OfferEvent:
		m.links.HandleOffer(ev)
	case *domain.AnswerEvent:
		m.links.HandleAnswer(ev)
	case *domain.ICECandidateEvent:
		m.links.HandleICECandidate(ev)
	case *domain.PresenceEvent:
		m.presence.Apply(ev)
		if !ev.Online {
			m.links.CloseLink(ev.From)
		}
	case *domain.RelayMessageEvent:
		m.onRelayMessage(ctx, ev)
	case *domain.CallOfferEvent:
		m.calls.HandleOffer(ev)
	case *domain.CallAnswerEvent:
		m.calls.HandleAnswer(ev)
	case *domain.CallICECandidateEvent:
		m.calls.HandleICECandidate(ev)
	case *domain.CallRejectedEvent:
		m.calls.HandleRejected(ev)
	case *domain.CallEndedEvent:
		m.calls.HandleEnded(ev)
	case *domain.HeartbeatEvent:
		if ev.Response {
			ts := ev.Timestamp
			if ts.IsZero() {
				ts = m.now()
			}
			m.lastAck.Store(ts.UnixNano())
		}
	default:
		m.clog.LogWarn(ctx, "Unhandled signaling event", zap.String("type", string(ev.Kind())))
	}
}

func (m *Messenger) onChannelState(change ports.StateChange) {
	m.logger.Infow("Signaling channel state",
		"state", change.State,
		"previous", change.Previous,
		"attempt", change.Attempt,
		"failed", change.Failed,
	)

	if change.Previous == ports.ChannelOpen && change.State != ports.ChannelOpen {
		m.links.CloseAll("signaling lost")
		m.calls.EndAll("signaling lost")
	}

	m.publish(domain.ChannelStateChanged{State: string(change.State), Failed: change.Failed})
}

func (m *Messenger) onDirectMessage(ctx context.Context, msg domain.DirectMessage) {
	now := m.now()
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	messageType := msg.MessageType
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	rec := &domain.MessageRecord{
		ID:           msg.ID,
		From:         msg.From,
		To:           m.cfg.Self,
		Content:      msg.Content,
		MessageType:  messageType,
		Method:       domain.MethodDirect,
		Timestamp:    ts,
		DestroyAfter: domain.ExpiryFrom(now, time.Duration(msg.DestroyAfter)*time.Second),
		Delivered:    true,
	}
	m.receive(ctx, rec)
}

func (m *Messenger) onRelayMessage(ctx context.Context, ev *domain.RelayMessageEvent) {
	now := m.now()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	messageType := ev.MessageType
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	rec := &domain.MessageRecord{
		ID:           ev.ID,
		From:         ev.From,
		To:           m.cfg.Self,
		Content:      ev.Content,
		MessageType:  messageType,
		Method:       domain.MethodRelay,
		Encrypted:    ev.Encrypted,
		Timestamp:    ts,
		DestroyAfter: domain.ExpiryFrom(now, ev.BurnAfter),
		Delivered:    true,
	}
	m.receive(ctx, rec)
}

func (m *Messenger) receive(ctx context.Context, rec *domain.MessageRecord) {
	m.clog.LogDebug(ctx, "Message received",
		zap.String("message_id", rec.ID),
		zap.String("method", string(rec.Method)),
	)
	m.metrics.RecordMessageReceived(string(rec.Method))
	m.persister.Enqueue(rec)
	m.publish(domain.MessageReceived{Message: *rec})
}

func (m *Messenger) publish(n domain.Notification) {
	if dropped := m.notifications.TryPublish(n); dropped > 0 {
		m.logger.Warnw("Host notification dropped", "subscribers", dropped, "type", fmt.Sprintf("%T", n))
	}
}

// Send routes one message.
func (m *Messenger) Send(ctx context.Context, msg domain.OutboundMessage) (domain.SendResult, error) {
	return m.router.Send(ctx, msg)
}

func (m *Messenger) StartCall(ctx context.Context, peer domain.PeerID) (domain.CallSession, error) {
	if err := validation.ValidatePeerID(string(peer)); err != nil {
		return domain.CallSession{}, apperrors.NewInvalidInputError(err.Error())
	}
	return m.calls.Start(ctx, peer)
}

func (m *Messenger) AcceptCall(ctx context.Context) (domain.CallSession, error) {
	return m.calls.Accept(ctx)
}

func (m *Messenger) RejectCall(ctx context.Context) error {
	return m.calls.Reject(ctx)
}

func (m *Messenger) Hangup(ctx context.Context) error {
	return m.calls.Hangup(ctx)
}

func (m *Messenger) CurrentCall() (domain.CallSession, bool) {
	return m.calls.Current()
}

// History reads the local conversation with peer, skipping expired messages.
func (m *Messenger) History(ctx context.Context, peer domain.PeerID, limit, offset int) ([]*domain.MessageRecord, error) {
	if err := validation.ValidatePage(limit, offset); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	records, err := m.store.QueryMessages(ctx, m.cfg.Self, peer, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	now := m.now()
	out := records[:0]
	for _, r := range records {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FetchRemoteHistory pulls a page of relay history and merges unseen records into the local store.
func (m *Messenger) FetchRemoteHistory(ctx context.Context, peer domain.PeerID, page, limit int) ([]*domain.MessageRecord, error) {
	records, err := m.relay.History(ctx, peer, page, limit)
	if err != nil {
		m.metrics.RecordRelayError("history")
		return nil, err
	}

	merged := 0
	for _, r := range records {
		if _, err := m.store.GetMessage(ctx, r.ID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrMessageNotFound) {
			return nil, fmt.Errorf("lookup message %s: %w", r.ID, err)
		}
		if err := m.store.AddMessage(ctx, r); err != nil {
			return nil, fmt.Errorf("store message %s: %w", r.ID, err)
		}
		merged++
	}

	m.logger.Debugw("Merged remote history", "peer_id", peer, "fetched", len(records), "merged", merged)
	return records, nil
}

func (m *Messenger) MarkRead(ctx context.Context, id string) error {
	return m.store.MarkRead(ctx, id)
}

// DeleteMessage removes the message locally and, best effort, on the relay.
func (m *Messenger) DeleteMessage(ctx context.Context, id string) error {
	if err := m.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	if err := m.relay.DeleteMessage(ctx, id); err != nil {
		m.logger.Warnw("Relay delete failed", "message_id", id, "error", err)
	}
	return nil
}

// SetStatus updates the presence label on the relay and the signaling channel.
func (m *Messenger) SetStatus(ctx context.Context, status string) error {
	if err := validation.ValidateStatus(status); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	m.status.Store(status)
	if s, ok := m.signaling.(statusSetter); ok {
		s.SetStatus(status)
	}

	if err := m.relay.SetPresence(ctx, status); err != nil {
		m.metrics.RecordRelayError("set_presence")
		return err
	}

	if m.signaling.State() == ports.ChannelOpen {
		err := m.signaling.Send(ctx, &domain.PresenceEvent{
			EventHeader:  domain.EventHeader{From: m.cfg.Self},
			Status:       status,
			Online:       true,
			Timestamp:    m.now(),
			Capabilities: m.cfg.Capabilities,
		})
		if err != nil {
			m.logger.Warnw("Presence announce failed", "error", err)
		}
	}
	return nil
}

func (m *Messenger) Status() string {
	s, _ := m.status.Load().(string)
	return s
}

// RefreshPresence looks the peer up on the relay and feeds the tracker.
// Lookups are cached for the configured TTL.
func (m *Messenger) RefreshPresence(ctx context.Context, peer domain.PeerID) (domain.PresenceRecord, error) {
	rec, err := m.statusCache.GetOrLoad(ctx, string(peer), func(ctx context.Context) (domain.PresenceRecord, error) {
		r, err := m.relay.UserStatus(ctx, peer)
		if err != nil {
			return domain.PresenceRecord{}, err
		}
		return *r, nil
	})
	if err != nil {
		m.metrics.RecordRelayError("user_status")
		return domain.PresenceRecord{}, err
	}

	m.presence.Record(peer, rec.Online, rec.SupportsDirect, rec.LastSeen)
	if rec.Status != "" {
		m.presence.RecordStatus(peer, rec.Status)
	}
	current, _ := m.presence.Get(peer)
	return current, nil
}

// Presence returns the tracked record for peer.
func (m *Messenger) Presence(peer domain.PeerID) (domain.PresenceRecord, bool) {
	return m.presence.Get(peer)
}

// LastHeartbeatAck is the time of the last heartbeat_response, zero if none.
func (m *Messenger) LastHeartbeatAck() time.Time {
	n := m.lastAck.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Sweep runs one health sweep immediately.
func (m *Messenger) Sweep(ctx context.Context) SweepResult {
	return m.health.Sweep(ctx)
}
