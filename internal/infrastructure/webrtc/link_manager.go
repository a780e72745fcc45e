package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/broadcast"
	apperrors "github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/tracing"

	"go.uber.org/zap"
)

type LinkManagerConfig struct {
	Self               domain.PeerID
	NegotiationTimeout time.Duration
	SignalTimeout      time.Duration
}

// LinkManager negotiates direct data links over the signaling channel and
// owns at most one link per peer.
type LinkManager struct {
	cfg          LinkManagerConfig
	signaling    ports.SignalingChannel
	newTransport transportFactory
	metrics      ports.Metrics
	logger       *zap.SugaredLogger
	now          func() time.Time

	mu    sync.Mutex
	links map[domain.PeerID]*peerLink

	inbound *broadcast.Broadcaster[domain.DirectMessage]
	states  *broadcast.Broadcaster[ports.LinkEvent]
}

func NewLinkManager(cfg LinkManagerConfig, rtc Config, signaling ports.SignalingChannel, metrics ports.Metrics, logger *zap.SugaredLogger) (*LinkManager, error) {
	factory, err := newPionTransportFactory(rtc)
	if err != nil {
		return nil, err
	}
	return newLinkManager(cfg, factory, signaling, metrics, logger), nil
}

func newLinkManager(cfg LinkManagerConfig, factory transportFactory, signaling ports.SignalingChannel, metrics ports.Metrics, logger *zap.SugaredLogger) *LinkManager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 18 * time.Second
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 5 * time.Second
	}
	return &LinkManager{
		cfg:          cfg,
		signaling:    signaling,
		newTransport: factory,
		metrics:      metrics,
		logger:       logger.With("component", "links"),
		now:          time.Now,
		links:        make(map[domain.PeerID]*peerLink),
		inbound:      broadcast.New[domain.DirectMessage](64),
		states:       broadcast.New[ports.LinkEvent](64),
	}
}

func (m *LinkManager) SubscribeInbound() (<-chan domain.DirectMessage, func()) {
	return m.inbound.Subscribe()
}

func (m *LinkManager) SubscribeState() (<-chan ports.LinkEvent, func()) {
	return m.states.Subscribe()
}

// RequestLink returns a connected link to peer, starting a negotiation when
// none is in flight. Concurrent callers share one attempt.
func (m *LinkManager) RequestLink(ctx context.Context, peer domain.PeerID) (ports.Link, error) {
	ctx, span := tracing.TraceLink(ctx, "request", string(peer))
	defer span.End()

	m.mu.Lock()
	l, ok := m.links[peer]
	if !ok || l.terminal() {
		l = m.newLink(peer, true)
		m.links[peer] = l
		m.mu.Unlock()
		go l.offer()
	} else {
		m.mu.Unlock()
	}

	link, err := l.wait(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return link, err
}

func (m *LinkManager) ConnectedLink(peer domain.PeerID) (ports.Link, bool) {
	m.mu.Lock()
	l, ok := m.links[peer]
	m.mu.Unlock()
	if !ok || l.State() != domain.LinkConnected {
		return nil, false
	}
	return l, true
}

func (m *LinkManager) CloseLink(peer domain.PeerID) {
	m.mu.Lock()
	l, ok := m.links[peer]
	delete(m.links, peer)
	m.mu.Unlock()
	if ok {
		l.close("closed")
	}
}

// CloseAll closes every link, used when signaling is lost or on shutdown.
func (m *LinkManager) CloseAll(reason string) {
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.PeerID]*peerLink)
	m.mu.Unlock()

	for _, l := range links {
		l.close(reason)
	}
	if len(links) > 0 {
		m.logger.Infow("closed all links", "count", len(links), "reason", reason)
	}
	m.metrics.RecordLinksActive(0)
}

// PruneTerminal forgets FAILED and CLOSED links and returns how many went.
func (m *LinkManager) PruneTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for peer, l := range m.links {
		if l.terminal() {
			delete(m.links, peer)
			pruned++
		}
	}
	return pruned
}

func (m *LinkManager) HandleOffer(ev *domain.OfferEvent) {
	peer := ev.From
	var replaced *peerLink

	m.mu.Lock()
	l, ok := m.links[peer]
	switch {
	case ok && !l.terminal() && l.offering():
		// Both sides offered at once: the lower ID keeps the initiator role.
		if m.cfg.Self < peer {
			m.mu.Unlock()
			m.logger.Debugw("ignoring crossed offer", "peer_id", peer)
			return
		}
		l.yield()
	case ok && !l.terminal():
		replaced = l
		l = m.newLink(peer, false)
		m.links[peer] = l
	default:
		l = m.newLink(peer, false)
		m.links[peer] = l
	}
	m.mu.Unlock()

	if replaced != nil {
		replaced.close("superseded by remote offer")
	}
	// Answering sends over signaling; the caller is the inbound dispatch loop.
	go l.answer(ev.Description)
}

func (m *LinkManager) HandleAnswer(ev *domain.AnswerEvent) {
	m.mu.Lock()
	l, ok := m.links[ev.From]
	m.mu.Unlock()
	if !ok {
		m.logger.Debugw("answer for unknown link dropped", "peer_id", ev.From)
		return
	}
	l.applyAnswer(ev.Description)
}

func (m *LinkManager) HandleICECandidate(ev *domain.ICECandidateEvent) {
	m.mu.Lock()
	l, ok := m.links[ev.From]
	m.mu.Unlock()
	if !ok {
		m.logger.Debugw("candidate for unknown link dropped", "peer_id", ev.From)
		return
	}
	l.addRemoteCandidate(ev.Candidate)
}

func (m *LinkManager) newLink(peer domain.PeerID, initiator bool) *peerLink {
	l := &peerLink{
		mgr:       m,
		peer:      peer,
		initiator: initiator,
		started:   m.now(),
		state:     domain.LinkNew,
		ready:     make(chan struct{}),
	}
	l.timer = time.AfterFunc(m.cfg.NegotiationTimeout, l.timeout)
	return l
}

func (m *LinkManager) activeCount() int {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	n := 0
	for _, l := range links {
		if l.State() == domain.LinkConnected {
			n++
		}
	}
	return n
}

func (m *LinkManager) publish(ev ports.LinkEvent) {
	// Never block: the subscriber may be the goroutine calling into the manager.
	if dropped := m.states.TryPublish(ev); dropped > 0 {
		m.logger.Warnw("link state notification dropped", "peer_id", ev.Peer, "state", ev.State)
	}
}

func (m *LinkManager) send(ev domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SignalTimeout)
	defer cancel()
	return m.signaling.Send(ctx, ev)
}

// peerLink is one negotiation attempt and, once open, the link itself.
type peerLink struct {
	mgr     *LinkManager
	peer    domain.PeerID
	started time.Time
	timer   *time.Timer

	mu            sync.Mutex
	initiator     bool
	state         domain.LinkState
	t             transport
	remoteSet     bool
	pendingRemote []domain.ICECandidate
	descSent      bool
	pendingLocal  []domain.ICECandidate
	ready         chan struct{}
	readyClosed   bool
	err           error
}

func (l *peerLink) Peer() domain.PeerID { return l.peer }

func (l *peerLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *peerLink) Send(ctx context.Context, msg domain.DirectMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	state, t := l.state, l.t
	l.mu.Unlock()
	if state != domain.LinkConnected || t == nil {
		return apperrors.NewTransportError(fmt.Errorf("%w: %w", domain.ErrTransport, domain.ErrLinkNotConnected), "link not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode direct message: %w", err)
	}
	if err := t.Send(data); err != nil {
		return apperrors.NewTransportError(fmt.Errorf("%w: %v", domain.ErrTransport, err), "data channel send failed")
	}
	return nil
}

func (l *peerLink) terminal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Terminal()
}

func (l *peerLink) offering() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initiator && (l.state == domain.LinkNew || l.state == domain.LinkOffering)
}

func (l *peerLink) wait(ctx context.Context) (ports.Link, error) {
	select {
	case <-l.ready:
		l.mu.Lock()
		err := l.err
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return l, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.NewNegotiationTimeoutError(fmt.Errorf("%w: %v", domain.ErrNegotiationTimeout, ctx.Err()), "link request deadline exceeded")
		}
		return nil, apperrors.NewTransportError(fmt.Errorf("%w: %v", domain.ErrTransport, ctx.Err()), "link request cancelled")
	}
}

// bind installs t as the link transport and moves to state. It reports false
// when the link has already finished.
func (l *peerLink) bind(t transport, state domain.LinkState) bool {
	l.mu.Lock()
	// A crossed offer may have turned this link into an answerer already.
	if l.state.Terminal() || (state == domain.LinkOffering && (!l.initiator || l.t != nil)) {
		l.mu.Unlock()
		return false
	}
	l.t = t
	l.state = state
	l.mu.Unlock()

	t.OnLocalCandidate(func(c domain.ICECandidate) { l.localCandidate(t, c) })
	t.OnOpen(func() { l.opened(t) })
	t.OnMessage(func(data []byte) { l.received(t, data) })
	t.OnFailed(func(err error) {
		l.finish(t, domain.LinkFailed, apperrors.NewTransportError(fmt.Errorf("%w: %v", domain.ErrTransport, err), "direct transport failed"), false)
	})

	l.mgr.publish(ports.LinkEvent{Peer: l.peer, State: state})
	return true
}

func (l *peerLink) current(t transport) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t == t && !l.state.Terminal()
}

func (l *peerLink) transportError(err error, msg string) error {
	return apperrors.NewTransportError(fmt.Errorf("%w: %v", domain.ErrTransport, err), msg)
}

func (l *peerLink) offer() {
	t, err := l.mgr.newTransport()
	if err != nil {
		l.finish(nil, domain.LinkFailed, l.transportError(err, "create transport"), false)
		return
	}
	if !l.bind(t, domain.LinkOffering) {
		_ = t.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.mgr.cfg.NegotiationTimeout)
	defer cancel()

	desc, err := t.CreateOffer(ctx)
	if err != nil {
		l.finish(t, domain.LinkFailed, l.transportError(err, "create offer"), false)
		return
	}
	if !l.current(t) {
		return
	}
	if err := l.mgr.send(&domain.OfferEvent{EventHeader: domain.EventHeader{To: l.peer}, Description: desc}); err != nil {
		l.finish(t, domain.LinkFailed, l.transportError(err, "send offer"), false)
		return
	}
	l.descriptionSent(t)
}

// yield turns a pending initiator into an answerer after a crossed offer.
func (l *peerLink) yield() {
	l.mu.Lock()
	old := l.t
	l.t = nil
	l.initiator = false
	l.remoteSet = false
	l.pendingRemote = nil
	l.descSent = false
	l.pendingLocal = nil
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func (l *peerLink) answer(offer domain.SessionDescription) {
	t, err := l.mgr.newTransport()
	if err != nil {
		l.finish(nil, domain.LinkFailed, l.transportError(err, "create transport"), false)
		return
	}
	if !l.bind(t, domain.LinkAnswering) {
		_ = t.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.mgr.cfg.NegotiationTimeout)
	defer cancel()

	answer, err := t.CreateAnswer(ctx, offer)
	if err != nil {
		l.finish(t, domain.LinkFailed, apperrors.NewNegotiationRejectedError(
			fmt.Errorf("%w: %v", domain.ErrNegotiationRejected, err), "remote offer rejected"), false)
		return
	}
	l.remoteDescribed(t)

	if err := l.mgr.send(&domain.AnswerEvent{EventHeader: domain.EventHeader{To: l.peer}, Description: answer}); err != nil {
		l.finish(t, domain.LinkFailed, l.transportError(err, "send answer"), false)
		return
	}
	l.advance(t, domain.LinkNegotiating)
	l.descriptionSent(t)
}

func (l *peerLink) applyAnswer(answer domain.SessionDescription) {
	l.mu.Lock()
	t := l.t
	ok := t != nil && l.initiator && l.state == domain.LinkOffering
	l.mu.Unlock()
	if !ok {
		l.mgr.logger.Debugw("unexpected answer dropped", "peer_id", l.peer)
		return
	}

	if err := t.SetAnswer(answer); err != nil {
		l.finish(t, domain.LinkFailed, apperrors.NewNegotiationRejectedError(
			fmt.Errorf("%w: %v", domain.ErrNegotiationRejected, err), "remote answer rejected"), false)
		return
	}
	l.remoteDescribed(t)
	l.advance(t, domain.LinkNegotiating)
}

// remoteDescribed marks the remote description set and replays queued
// candidates in arrival order.
func (l *peerLink) remoteDescribed(t transport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.t != t {
		return
	}
	l.remoteSet = true
	for _, c := range l.pendingRemote {
		if err := t.AddCandidate(c); err != nil {
			l.mgr.logger.Debugw("queued candidate rejected", "peer_id", l.peer, "error", err)
		}
	}
	l.pendingRemote = nil
}

func (l *peerLink) addRemoteCandidate(c domain.ICECandidate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return
	}
	if !l.remoteSet || l.t == nil {
		l.pendingRemote = append(l.pendingRemote, c)
		return
	}
	if err := l.t.AddCandidate(c); err != nil {
		l.mgr.logger.Debugw("remote candidate rejected", "peer_id", l.peer, "error", err)
	}
}

// Local candidates wait until the offer or answer has gone out, then stream.
func (l *peerLink) localCandidate(t transport, c domain.ICECandidate) {
	l.mu.Lock()
	if l.t != t || l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	if !l.descSent {
		l.pendingLocal = append(l.pendingLocal, c)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.sendCandidate(c)
}

func (l *peerLink) descriptionSent(t transport) {
	l.mu.Lock()
	if l.t != t {
		l.mu.Unlock()
		return
	}
	l.descSent = true
	pending := l.pendingLocal
	l.pendingLocal = nil
	l.mu.Unlock()

	for _, c := range pending {
		l.sendCandidate(c)
	}
}

func (l *peerLink) sendCandidate(c domain.ICECandidate) {
	if err := l.mgr.send(&domain.ICECandidateEvent{EventHeader: domain.EventHeader{To: l.peer}, Candidate: c}); err != nil {
		l.mgr.logger.Debugw("failed to send candidate", "peer_id", l.peer, "error", err)
	}
}

func (l *peerLink) advance(t transport, state domain.LinkState) {
	l.mu.Lock()
	if l.t != t || l.state.Terminal() || l.state == domain.LinkConnected {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.mu.Unlock()
	l.mgr.publish(ports.LinkEvent{Peer: l.peer, State: state})
}

func (l *peerLink) opened(t transport) {
	l.mu.Lock()
	if l.t != t || l.state.Terminal() || l.state == domain.LinkConnected {
		l.mu.Unlock()
		return
	}
	l.state = domain.LinkConnected
	l.timer.Stop()
	l.closeReadyLocked()
	l.mu.Unlock()

	l.mgr.metrics.RecordLinkEstablished(l.mgr.now().Sub(l.started))
	l.mgr.metrics.RecordLinksActive(l.mgr.activeCount())
	l.mgr.logger.Infow("direct link connected", "peer_id", l.peer, "initiator", l.initiator)
	l.mgr.publish(ports.LinkEvent{Peer: l.peer, State: domain.LinkConnected})
}

func (l *peerLink) received(t transport, data []byte) {
	if !l.current(t) {
		return
	}
	var msg domain.DirectMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.mgr.logger.Warnw("dropping undecodable data channel frame", "peer_id", l.peer, "error", err)
		return
	}
	if msg.Type != domain.DirectMessageType {
		l.mgr.logger.Debugw("ignoring data channel frame", "peer_id", l.peer, "type", msg.Type)
		return
	}
	msg.From = l.peer
	l.mgr.inbound.Publish(msg)
}

func (l *peerLink) timeout() {
	err := apperrors.NewNegotiationTimeoutError(
		fmt.Errorf("%w: no connection to %s within %s", domain.ErrNegotiationTimeout, l.peer, l.mgr.cfg.NegotiationTimeout),
		"link negotiation timed out")
	l.finish(nil, domain.LinkFailed, err, true)
}

func (l *peerLink) close(reason string) {
	err := apperrors.NewTransportError(fmt.Errorf("%w: %s", domain.ErrLinkClosed, reason), "link closed")
	l.finish(nil, domain.LinkClosed, err, false)
}

// finish moves the link to a terminal state. A non-nil t limits it to that
// transport; pendingOnly leaves connected links alone.
func (l *peerLink) finish(t transport, state domain.LinkState, err error, pendingOnly bool) {
	l.mu.Lock()
	if l.state.Terminal() || (t != nil && l.t != t) || (pendingOnly && l.state == domain.LinkConnected) {
		l.mu.Unlock()
		return
	}
	wasConnected := l.state == domain.LinkConnected
	l.state = state
	if !wasConnected {
		l.err = err
	}
	tr := l.t
	l.timer.Stop()
	l.closeReadyLocked()
	l.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}

	if state == domain.LinkFailed {
		l.mgr.metrics.RecordLinkFailure(failureReason(err))
		l.mgr.logger.Infow("direct link failed", "peer_id", l.peer, "error", err)
	}
	if wasConnected {
		l.mgr.metrics.RecordLinksActive(l.mgr.activeCount())
	}
	l.mgr.publish(ports.LinkEvent{Peer: l.peer, State: state, Err: err})
}

func (l *peerLink) closeReadyLocked() {
	if !l.readyClosed {
		l.readyClosed = true
		close(l.ready)
	}
}

func failureReason(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return strings.ToLower(string(appErr.Code))
	}
	return "unknown"
}
