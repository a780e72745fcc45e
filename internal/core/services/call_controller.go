package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	apperrors "github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const signalSendTimeout = 5 * time.Second

type CallControllerConfig struct {
	SetupTimeout time.Duration
	KeySize      int
	EncryptAudio bool
}

type callSession struct {
	id        string
	peer      domain.PeerID
	direction domain.CallDirection
	state     domain.CallState
	key       []byte
	media     ports.CallMedia
	offer     domain.SessionDescription
	startTime time.Time
	endTime   time.Time
	timer     *time.Timer

	// remote candidates that arrived before media existed
	heldRemote []domain.ICECandidate
	// local candidates gathered before the offer or answer went out
	heldLocal []domain.ICECandidate
	signaled  bool
}

func (s *callSession) snapshot() domain.CallSession {
	return domain.CallSession{
		ID:        s.id,
		Peer:      s.peer,
		Direction: s.direction,
		State:     s.state,
		StartTime: s.startTime,
		EndTime:   s.endTime,
		Encrypted: len(s.key) > 0,
	}
}

// callEnd carries the side effects of finishing a session, applied outside the lock.
type callEnd struct {
	s        *callSession
	media    ports.CallMedia
	snapshot domain.CallSession
	record   *domain.CallRecord
	notify   domain.Event
	err      error
}

// CallController runs the single call session: ringing, accept or reject,
// media setup with the symmetric key handshake, and teardown.
type CallController struct {
	self      domain.PeerID
	signaling ports.SignalingChannel
	media     ports.CallMediaFactory
	persister *Persister
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
	cfg       CallControllerConfig
	now       func() time.Time
	notify    func(domain.Notification)

	mu      sync.Mutex
	session *callSession
	sends   sync.WaitGroup
}

func NewCallController(
	self domain.PeerID,
	signaling ports.SignalingChannel,
	media ports.CallMediaFactory,
	persister *Persister,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	cfg CallControllerConfig,
	notify func(domain.Notification),
) *CallController {
	if notify == nil {
		notify = func(domain.Notification) {}
	}
	return &CallController{
		self:      self,
		signaling: signaling,
		media:     media,
		persister: persister,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		notify:    notify,
	}
}

// Current returns the live session, if any.
func (c *CallController) Current() (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.CallSession{State: domain.CallIdle}, false
	}
	return c.session.snapshot(), true
}

// Start places an outgoing call, ending any existing session first.
func (c *CallController) Start(ctx context.Context, peer domain.PeerID) (domain.CallSession, error) {
	var key []byte
	if c.cfg.EncryptAudio {
		key = make([]byte, c.cfg.KeySize)
		if _, err := rand.Read(key); err != nil {
			return domain.CallSession{}, fmt.Errorf("generate call key: %w", err)
		}
	}

	s := &callSession{
		id:        uuid.NewString(),
		peer:      peer,
		direction: domain.CallOutgoing,
		state:     domain.CallOutgoingRinging,
		key:       key,
	}

	ctx, span := tracing.TraceCall(ctx, "start", s.id, string(peer))
	defer span.End()

	c.mu.Lock()
	prev := c.replaceLocked(s)
	c.mu.Unlock()
	c.complete(prev)

	media, err := c.media.NewCallMedia(ctx, s.id, peer, key)
	if err != nil {
		return c.failSetup(ctx, s, apperrors.NewTransportError(err, "acquire call media"))
	}
	if _, err := c.attachMedia(s, media); err != nil {
		return s.snapshot(), err
	}

	offer, err := media.CreateOffer(ctx)
	if err != nil {
		return c.failSetup(ctx, s, apperrors.NewNegotiationRejectedError(err, "create call offer"))
	}

	err = c.signaling.Send(ctx, &domain.CallOfferEvent{
		EventHeader: domain.EventHeader{From: c.self, To: peer},
		CallID:      s.id,
		Description: offer,
		Key:         key,
	})
	if err != nil {
		return c.failSetup(ctx, s, apperrors.NewTransportError(err, "send call offer"))
	}
	c.flushLocalCandidates(s)

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return s.snapshot(), fmt.Errorf("%w: call superseded during setup", domain.ErrCallState)
	}
	c.armTimerLocked(s)
	snap := s.snapshot()
	c.mu.Unlock()

	c.logger.Infow("Outgoing call ringing",
		"call_id", s.id,
		"peer_id", peer,
		"encrypted", len(key) > 0,
	)
	c.notify(domain.CallStateChanged{Session: snap})
	return snap, nil
}

// HandleOffer rings for an incoming call, force-ending any existing session.
func (c *CallController) HandleOffer(ev *domain.CallOfferEvent) {
	s := &callSession{
		id:        ev.CallID,
		peer:      ev.From,
		direction: domain.CallIncoming,
		state:     domain.CallIncomingRinging,
		offer:     ev.Description,
	}
	if len(ev.Key) > 0 {
		s.key = append([]byte(nil), ev.Key...)
	}

	c.mu.Lock()
	prev := c.replaceLocked(s)
	c.armTimerLocked(s)
	snap := s.snapshot()
	c.mu.Unlock()
	c.complete(prev)

	c.logger.Infow("Incoming call",
		"call_id", s.id,
		"peer_id", s.peer,
		"encrypted", len(s.key) > 0,
	)
	c.notify(domain.IncomingCall{CallID: s.id, Peer: s.peer, Encrypted: len(s.key) > 0})
	c.notify(domain.CallStateChanged{Session: snap})
}

// Accept answers the ringing incoming call.
func (c *CallController) Accept(ctx context.Context) (domain.CallSession, error) {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return domain.CallSession{}, domain.ErrNoActiveCall
	}
	if s.state != domain.CallIncomingRinging {
		c.mu.Unlock()
		return s.snapshot(), fmt.Errorf("%w: accept in %s", domain.ErrCallState, s.state)
	}
	s.state = domain.CallConnecting
	c.armTimerLocked(s)
	snap := s.snapshot()
	c.mu.Unlock()
	c.notify(domain.CallStateChanged{Session: snap})

	ctx, span := tracing.TraceCall(ctx, "accept", s.id, string(s.peer))
	defer span.End()

	media, err := c.media.NewCallMedia(ctx, s.id, s.peer, s.key)
	if err != nil {
		return c.failSetup(ctx, s, apperrors.NewTransportError(err, "acquire call media"))
	}
	held, err := c.attachMedia(s, media)
	if err != nil {
		return s.snapshot(), err
	}

	answer, err := media.Accept(ctx, s.offer)
	if err != nil {
		return c.failSetup(ctx, s, apperrors.NewNegotiationRejectedError(err, "answer call offer"))
	}
	for _, cand := range held {
		if err := media.AddRemoteCandidate(cand); err != nil {
			c.logger.Warnw("Failed to apply held call candidate", "call_id", s.id, "error", err)
		}
	}

	err = c.signaling.Send(ctx, &domain.CallAnswerEvent{
		EventHeader: domain.EventHeader{From: c.self, To: s.peer},
		CallID:      s.id,
		Description: answer,
	})
	if err != nil {
		return c.failSetup(ctx, s, apperrors.NewTransportError(err, "send call answer"))
	}
	c.flushLocalCandidates(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	return s.snapshot(), nil
}

// Reject declines the ringing incoming call.
func (c *CallController) Reject(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	if s.state != domain.CallIncomingRinging {
		c.mu.Unlock()
		return fmt.Errorf("%w: reject in %s", domain.ErrCallState, s.state)
	}
	end := c.finishLocked(s, domain.CallRejected, nil)
	end.notify = &domain.CallRejectedEvent{
		EventHeader: domain.EventHeader{From: c.self, To: s.peer},
		CallID:      s.id,
		Reason:      "rejected",
	}
	c.mu.Unlock()

	c.complete(end)
	return nil
}

// Hangup ends the current call from this side.
func (c *CallController) Hangup(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	end := c.finishLocked(s, domain.CallEnded, nil)
	end.notify = &domain.CallEndedEvent{
		EventHeader: domain.EventHeader{From: c.self, To: s.peer},
		CallID:      s.id,
		Reason:      "hangup",
	}
	c.mu.Unlock()

	c.complete(end)
	return nil
}

// EndAll tears the session down without signaling, used when the channel drops.
func (c *CallController) EndAll(reason string) {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return
	}
	end := c.finishLocked(s, domain.CallEnded, apperrors.NewTransportError(domain.ErrChannelClosed, reason))
	c.mu.Unlock()

	c.complete(end)
}

func (c *CallController) HandleAnswer(ev *domain.CallAnswerEvent) {
	c.mu.Lock()
	s := c.matchLocked(ev.From, ev.CallID)
	if s == nil || s.state != domain.CallOutgoingRinging {
		c.mu.Unlock()
		c.logger.Debugw("Ignoring call answer", "call_id", ev.CallID, "peer_id", ev.From)
		return
	}
	s.state = domain.CallConnecting
	media := s.media
	snap := s.snapshot()
	c.mu.Unlock()
	c.notify(domain.CallStateChanged{Session: snap})

	if media == nil {
		return
	}
	if err := media.SetAnswer(ev.Description); err != nil {
		c.failSetup(context.Background(), s, apperrors.NewNegotiationRejectedError(err, "apply call answer"))
	}
}

func (c *CallController) HandleICECandidate(ev *domain.CallICECandidateEvent) {
	c.mu.Lock()
	s := c.matchLocked(ev.From, ev.CallID)
	if s == nil {
		c.mu.Unlock()
		return
	}
	if s.media == nil {
		s.heldRemote = append(s.heldRemote, ev.Candidate)
		c.mu.Unlock()
		return
	}
	media := s.media
	c.mu.Unlock()

	if err := media.AddRemoteCandidate(ev.Candidate); err != nil {
		c.logger.Warnw("Failed to add call candidate", "call_id", ev.CallID, "error", err)
	}
}

func (c *CallController) HandleRejected(ev *domain.CallRejectedEvent) {
	c.mu.Lock()
	s := c.matchLocked(ev.From, ev.CallID)
	if s == nil {
		c.mu.Unlock()
		return
	}
	// A reject is only a decline while the call is still ringing; past that
	// point it ends the call like a hangup.
	state := domain.CallEnded
	if s.state == domain.CallOutgoingRinging || s.state == domain.CallIncomingRinging {
		state = domain.CallRejected
	}
	end := c.finishLocked(s, state, nil)
	c.mu.Unlock()

	c.logger.Infow("Call rejected by peer", "call_id", ev.CallID, "peer_id", ev.From, "reason", ev.Reason)
	c.complete(end)
}

func (c *CallController) HandleEnded(ev *domain.CallEndedEvent) {
	c.mu.Lock()
	s := c.matchLocked(ev.From, ev.CallID)
	if s == nil {
		c.mu.Unlock()
		return
	}
	end := c.finishLocked(s, domain.CallEnded, nil)
	c.mu.Unlock()

	c.logger.Infow("Call ended by peer", "call_id", ev.CallID, "peer_id", ev.From, "reason", ev.Reason)
	c.complete(end)
}

// attachMedia binds media to s and returns the remote candidates held so far.
// When s was superseded in the meantime the media is closed instead.
func (c *CallController) attachMedia(s *callSession, media ports.CallMedia) ([]domain.ICECandidate, error) {
	media.OnLocalCandidate(func(cand domain.ICECandidate) {
		c.onLocalCandidate(s, cand)
	})
	media.OnStateChange(func(state ports.MediaState) {
		c.onMediaState(s, state)
	})

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		_ = media.Close()
		return nil, fmt.Errorf("%w: call superseded during setup", domain.ErrCallState)
	}
	s.media = media
	held := s.heldRemote
	s.heldRemote = nil
	c.mu.Unlock()
	return held, nil
}

func (c *CallController) onLocalCandidate(s *callSession, cand domain.ICECandidate) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	if !s.signaled {
		s.heldLocal = append(s.heldLocal, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.sendCandidate(s, cand)
}

func (c *CallController) flushLocalCandidates(s *callSession) {
	c.mu.Lock()
	s.signaled = true
	held := s.heldLocal
	s.heldLocal = nil
	c.mu.Unlock()

	for _, cand := range held {
		c.sendCandidate(s, cand)
	}
}

func (c *CallController) sendCandidate(s *callSession, cand domain.ICECandidate) {
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()

	err := c.signaling.Send(ctx, &domain.CallICECandidateEvent{
		EventHeader: domain.EventHeader{From: c.self, To: s.peer},
		CallID:      s.id,
		Candidate:   cand,
	})
	if err != nil {
		c.logger.Warnw("Failed to send call candidate", "call_id", s.id, "error", err)
	}
}

func (c *CallController) onMediaState(s *callSession, state ports.MediaState) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}

	switch state {
	case ports.MediaConnected:
		if s.state != domain.CallConnecting {
			c.mu.Unlock()
			return
		}
		s.state = domain.CallActive
		s.startTime = c.now()
		if s.timer != nil {
			s.timer.Stop()
		}
		snap := s.snapshot()
		c.mu.Unlock()

		c.logger.Infow("Call active", "call_id", s.id, "peer_id", s.peer)
		c.notify(domain.CallStateChanged{Session: snap})

	case ports.MediaFailed:
		end := c.finishLocked(s, domain.CallEnded, apperrors.NewTransportError(domain.ErrTransport, "call media failed"))
		end.notify = &domain.CallEndedEvent{
			EventHeader: domain.EventHeader{From: c.self, To: s.peer},
			CallID:      s.id,
			Reason:      "media_failed",
		}
		c.mu.Unlock()
		c.complete(end)

	default:
		c.mu.Unlock()
	}
}

func (c *CallController) onSetupTimeout(s *callSession) {
	c.mu.Lock()
	if c.session != s || s.state == domain.CallActive {
		c.mu.Unlock()
		return
	}
	end := c.finishLocked(s, domain.CallEnded,
		apperrors.NewNegotiationTimeoutError(domain.ErrNegotiationTimeout, "call setup timed out"))
	end.notify = &domain.CallEndedEvent{
		EventHeader: domain.EventHeader{From: c.self, To: s.peer},
		CallID:      s.id,
		Reason:      "timeout",
	}
	c.mu.Unlock()

	c.logger.Warnw("Call setup timed out", "call_id", s.id, "peer_id", s.peer)
	c.complete(end)
}

// failSetup ends s after a local setup error and returns the error to the caller.
func (c *CallController) failSetup(ctx context.Context, s *callSession, err error) (domain.CallSession, error) {
	tracing.RecordError(ctx, err)

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return s.snapshot(), err
	}
	end := c.finishLocked(s, domain.CallEnded, err)
	end.notify = &domain.CallEndedEvent{
		EventHeader: domain.EventHeader{From: c.self, To: s.peer},
		CallID:      s.id,
		Reason:      "setup_failed",
	}
	snap := end.snapshot
	c.mu.Unlock()

	c.logger.Errorw("Call setup failed", "call_id", s.id, "peer_id", s.peer, "error", err)
	c.complete(end)
	return snap, err
}

// replaceLocked installs s, returning the teardown of the session it displaces.
func (c *CallController) replaceLocked(s *callSession) *callEnd {
	var end *callEnd
	if prev := c.session; prev != nil {
		end = c.finishLocked(prev, domain.CallEnded, nil)
		end.notify = &domain.CallEndedEvent{
			EventHeader: domain.EventHeader{From: c.self, To: prev.peer},
			CallID:      prev.id,
			Reason:      "superseded",
		}
	}
	c.session = s
	return end
}

// matchLocked finds the session an inbound call event belongs to. Older
// servers drop call_id on forwarded answers, so an empty ID matches by peer.
func (c *CallController) matchLocked(from domain.PeerID, callID string) *callSession {
	s := c.session
	if s == nil || s.peer != from || (callID != "" && s.id != callID) {
		return nil
	}
	return s
}

func (c *CallController) armTimerLocked(s *callSession) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(c.cfg.SetupTimeout, func() { c.onSetupTimeout(s) })
}

// finishLocked moves s to its terminal state and detaches it.
func (c *CallController) finishLocked(s *callSession, state domain.CallState, err error) *callEnd {
	wasActive := s.state == domain.CallActive
	s.state = state
	s.endTime = c.now()
	if c.session == s {
		c.session = nil
	}

	end := &callEnd{s: s, media: s.media, snapshot: s.snapshot(), err: err}

	switch {
	case state == domain.CallRejected:
		end.record = &domain.CallRecord{
			CallID:    s.id,
			Peer:      s.peer,
			Direction: s.direction,
			Status:    domain.CallStatusRejected,
			EndTime:   s.endTime,
		}
	case wasActive:
		end.record = &domain.CallRecord{
			CallID:    s.id,
			Peer:      s.peer,
			Direction: s.direction,
			Status:    domain.CallCompleted,
			Duration:  s.endTime.Sub(s.startTime),
			StartTime: s.startTime,
			EndTime:   s.endTime,
		}
	}
	return end
}

// complete releases media, zeroes the key and emits the side effects of end.
func (c *CallController) complete(end *callEnd) {
	if end == nil {
		return
	}
	s := end.s

	if s.timer != nil {
		s.timer.Stop()
	}
	if end.media != nil {
		if err := end.media.Close(); err != nil {
			c.logger.Warnw("Failed to close call media", "call_id", s.id, "error", err)
		}
	}
	for i := range s.key {
		s.key[i] = 0
	}

	if end.notify != nil {
		c.signalEnd(s, end.notify)
	}

	outcome := "failed"
	var duration time.Duration
	if end.record != nil {
		outcome = string(end.record.Status)
		duration = end.record.Duration
		msg := end.record.MessageRecord(c.self)
		c.persister.Enqueue(&msg)
	} else if end.err == nil {
		outcome = "cancelled"
	}
	c.metrics.RecordCallEnded(outcome, duration)

	c.logger.Infow("Call finished",
		"call_id", s.id,
		"peer_id", s.peer,
		"state", end.snapshot.State,
		"outcome", outcome,
		"duration", duration,
	)

	c.notify(domain.CallStateChanged{Session: end.snapshot, Err: end.err})
	if end.record != nil {
		c.notify(domain.CallRecorded{Record: *end.record})
	}
}

// signalEnd tells the peer the call is over without holding up the caller,
// which is usually the inbound dispatch loop.
func (c *CallController) signalEnd(s *callSession, ev domain.Event) {
	c.sends.Add(1)
	go func() {
		defer c.sends.Done()
		ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
		defer cancel()
		if err := c.signaling.Send(ctx, ev); err != nil {
			c.logger.Warnw("Failed to signal call end", "call_id", s.id, "peer_id", s.peer, "error", err)
		}
	}()
}

// Wait blocks until every in-flight end-of-call signal has been sent or has
// timed out.
func (c *CallController) Wait() {
	c.sends.Wait()
}
