package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	apperrors "github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/tracing"
	"github.com/lza051119/chat8/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageRouter picks the transport for each outbound message. A connected
// link wins; an online peer under the attempt cap gets a fresh negotiation;
// everything else, including any direct-path error, goes through the relay.
type MessageRouter struct {
	self      domain.PeerID
	links     ports.LinkManager
	relay     ports.RelayAPI
	presence  *PresenceTracker
	attempts  *AttemptTracker
	persister *Persister
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu sync.Mutex
	// senders currently waiting on a negotiation, per peer
	negotiating map[domain.PeerID]int
}

func NewMessageRouter(
	self domain.PeerID,
	links ports.LinkManager,
	relay ports.RelayAPI,
	presence *PresenceTracker,
	attempts *AttemptTracker,
	persister *Persister,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *MessageRouter {
	return &MessageRouter{
		self:      self,
		links:     links,
		relay:     relay,
		presence:  presence,
		attempts:  attempts,
		persister: persister,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,

		negotiating: make(map[domain.PeerID]int),
	}
}

func (r *MessageRouter) Send(ctx context.Context, msg domain.OutboundMessage) (domain.SendResult, error) {
	if err := validation.ValidatePeerID(string(msg.To)); err != nil {
		return domain.SendResult{}, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateContent(msg.Content); err != nil {
		return domain.SendResult{}, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateMessageType(msg.MessageType); err != nil {
		return domain.SendResult{}, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateBurnAfter(int(msg.BurnAfter / time.Second)); err != nil {
		return domain.SendResult{}, apperrors.NewInvalidInputError(err.Error())
	}
	if msg.MessageType == "" {
		msg.MessageType = domain.MessageTypeText
	}

	ctx, span := tracing.TraceSend(ctx, string(msg.To))
	defer span.End()

	record := &domain.MessageRecord{
		ID:          uuid.NewString(),
		From:        r.self,
		To:          msg.To,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		Timestamp:   r.now(),
		Read:        true,
	}
	record.DestroyAfter = domain.ExpiryFrom(record.Timestamp, msg.BurnAfter)

	if err := r.sendDirect(ctx, msg, record); err == nil {
		record.Method = domain.MethodDirect
		record.Delivered = true
	} else {
		r.logger.Debugw("Direct path unavailable, using relay",
			"peer_id", msg.To,
			"message_id", record.ID,
			"reason", err,
		)
		if err := r.sendRelay(ctx, msg, record); err != nil {
			tracing.RecordError(ctx, err)
			return domain.SendResult{}, err
		}
		record.Method = domain.MethodRelay
	}

	tracing.AddSpanAttributes(ctx, tracing.MethodKey.String(string(record.Method)), tracing.MessageKey.String(record.ID))
	r.metrics.RecordMessageSent(string(record.Method))
	r.persister.Enqueue(record)

	return domain.SendResult{
		Method:    record.Method,
		ID:        record.ID,
		Timestamp: record.Timestamp,
	}, nil
}

func (r *MessageRouter) sendDirect(ctx context.Context, msg domain.OutboundMessage, record *domain.MessageRecord) error {
	frame := domain.DirectMessage{
		Type:         domain.DirectMessageType,
		ID:           record.ID,
		From:         r.self,
		Content:      record.Content,
		MessageType:  record.MessageType,
		Timestamp:    record.Timestamp,
		DestroyAfter: int(msg.BurnAfter / time.Second),
	}

	if link, ok := r.links.ConnectedLink(msg.To); ok {
		if err := link.Send(ctx, frame); err != nil {
			return fmt.Errorf("send on connected link: %w", err)
		}
		r.attempts.Reset(msg.To)
		return nil
	}

	if !r.presence.IsOnline(msg.To) {
		return domain.ErrPeerOffline
	}
	if err := r.joinNegotiation(msg.To); err != nil {
		return err
	}
	defer r.leaveNegotiation(msg.To)

	link, err := r.links.RequestLink(ctx, msg.To)
	if err != nil {
		return err
	}
	if err := link.Send(ctx, frame); err != nil {
		return fmt.Errorf("send on new link: %w", err)
	}
	r.attempts.Reset(msg.To)
	return nil
}

// joinNegotiation admits a sender to the direct path. Only the sender that
// starts a negotiation counts against the attempt cap; concurrent senders to
// the same peer share the link request already in flight.
func (r *MessageRouter) joinNegotiation(peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.negotiating[peer] > 0 {
		r.negotiating[peer]++
		return nil
	}
	attempt, ok := r.attempts.TryRecord(peer)
	if !ok {
		return apperrors.NewRateLimitedError(domain.ErrRateLimited, fmt.Sprintf("direct attempts to %s", peer))
	}
	r.negotiating[peer] = 1
	r.logger.Debugw("Requesting direct link",
		"peer_id", peer,
		"attempt", attempt.Count,
	)
	return nil
}

func (r *MessageRouter) leaveNegotiation(peer domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.negotiating[peer]--
	if r.negotiating[peer] <= 0 {
		delete(r.negotiating, peer)
	}
}

func (r *MessageRouter) sendRelay(ctx context.Context, msg domain.OutboundMessage, record *domain.MessageRecord) error {
	resp, err := r.relay.SendMessage(ctx, ports.RelaySendRequest{
		To:           msg.To,
		Content:      record.Content,
		Method:       domain.MethodRelay,
		DestroyAfter: int(msg.BurnAfter / time.Second),
		MessageType:  record.MessageType,
	})
	if err != nil {
		r.metrics.RecordRelayError("send_message")
		if apperrors.HasCode(err, apperrors.ErrCodeRelay) {
			return err
		}
		return apperrors.NewRelayError(fmt.Errorf("%w: %v", domain.ErrRelay, err), "relay send failed", 0)
	}

	if resp != nil {
		if resp.ID != "" {
			record.ID = resp.ID
		}
		if !resp.Timestamp.IsZero() {
			record.Timestamp = resp.Timestamp
			record.DestroyAfter = domain.ExpiryFrom(record.Timestamp, msg.BurnAfter)
		}
	}
	return nil
}
