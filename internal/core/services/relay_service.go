package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	apperrors "github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultOnlineStatus = "online"

// RelayService stores and forwards messages for the development relay server.
type RelayService struct {
	messages ports.MessageRepository
	presence ports.PresenceRepository
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu     sync.RWMutex
	pusher ports.MessagePusher
}

func NewRelayService(messages ports.MessageRepository, presence ports.PresenceRepository, logger *zap.SugaredLogger) *RelayService {
	return &RelayService{
		messages: messages,
		presence: presence,
		logger:   logger,
		now:      time.Now,
	}
}

// SetPusher attaches the component that delivers frames to connected users.
func (s *RelayService) SetPusher(p ports.MessagePusher) {
	s.mu.Lock()
	s.pusher = p
	s.mu.Unlock()
}

func (s *RelayService) push(peer domain.PeerID, msg *domain.MessageRecord) bool {
	s.mu.RLock()
	p := s.pusher
	s.mu.RUnlock()
	return p != nil && p.Push(peer, msg)
}

func (s *RelayService) SendMessage(ctx context.Context, from domain.PeerID, req ports.RelaySendRequest) (*domain.MessageRecord, error) {
	if err := validation.ValidatePeerID(string(req.To)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateContent(req.Content); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateMessageType(req.MessageType); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	burn := time.Duration(req.DestroyAfter) * time.Second
	if err := validation.ValidateBurnAfter(req.DestroyAfter); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	method := req.Method
	if method == "" {
		method = domain.MethodRelay
	}
	messageType := req.MessageType
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	now := s.now()
	rec := &domain.MessageRecord{
		ID:           uuid.NewString(),
		From:         from,
		To:           req.To,
		Content:      req.Content,
		MessageType:  messageType,
		Method:       method,
		Encrypted:    req.Encrypted,
		Timestamp:    now,
		DestroyAfter: domain.ExpiryFrom(now, burn),
	}

	if err := s.messages.AddMessage(ctx, rec); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to store message", http.StatusInternalServerError)
	}

	if s.push(req.To, rec) {
		rec.Delivered = true
		if err := s.messages.MarkDelivered(ctx, rec.ID); err != nil {
			s.logger.Warnw("Failed to mark message delivered", "message_id", rec.ID, "error", err)
		}
	}

	s.logger.Debugw("Relayed message",
		"message_id", rec.ID,
		"from", from,
		"to", req.To,
		"delivered", rec.Delivered,
	)
	return rec, nil
}

// History pages are 1-based.
func (s *RelayService) History(ctx context.Context, owner, peer domain.PeerID, page, limit int) ([]*domain.MessageRecord, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit
	if err := validation.ValidatePage(limit, offset); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	records, err := s.messages.QueryMessages(ctx, owner, peer, limit, offset)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load history", http.StatusInternalServerError)
	}

	now := s.now()
	out := make([]*domain.MessageRecord, 0, len(records))
	for _, r := range records {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RelayService) DeleteMessage(ctx context.Context, requester domain.PeerID, id string) error {
	msg, err := s.messages.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return apperrors.NewNotFoundError("message")
		}
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load message", http.StatusInternalServerError)
	}
	if !msg.Involves(requester) {
		return apperrors.NewForbiddenError("not a participant of this message")
	}
	if err := s.messages.DeleteMessage(ctx, id); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to delete message", http.StatusInternalServerError)
	}
	return nil
}

func (s *RelayService) UserStatus(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error) {
	rec, err := s.presence.Get(ctx, peer)
	if err != nil {
		if errors.Is(err, domain.ErrPeerOffline) {
			return &domain.PresenceRecord{Peer: peer, Status: "offline"}, nil
		}
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load presence", http.StatusInternalServerError)
	}
	return rec, nil
}

func (s *RelayService) RegisterCapability(ctx context.Context, peer domain.PeerID, supportsDirect bool) error {
	if err := s.presence.SetCapability(ctx, peer, supportsDirect); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to store capability", http.StatusInternalServerError)
	}
	return nil
}

func (s *RelayService) SetPresence(ctx context.Context, peer domain.PeerID, status string) error {
	if err := validation.ValidateStatus(status); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := s.presence.SetStatus(ctx, peer, status); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to store presence", http.StatusInternalServerError)
	}
	return nil
}

func (s *RelayService) Heartbeat(ctx context.Context, peer domain.PeerID) error {
	if err := s.presence.Touch(ctx, peer); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to refresh presence", http.StatusInternalServerError)
	}
	return nil
}

// Connected marks peer online and returns its undelivered backlog, which is
// marked delivered.
func (s *RelayService) Connected(ctx context.Context, peer domain.PeerID) ([]*domain.MessageRecord, error) {
	if err := s.presence.SetOnline(ctx, peer, defaultOnlineStatus); err != nil {
		return nil, fmt.Errorf("set online: %w", err)
	}

	backlog, err := s.messages.Undelivered(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}

	now := s.now()
	out := make([]*domain.MessageRecord, 0, len(backlog))
	for _, m := range backlog {
		if m.Expired(now) {
			continue
		}
		if err := s.messages.MarkDelivered(ctx, m.ID); err != nil {
			s.logger.Warnw("Failed to mark backlog delivered", "message_id", m.ID, "error", err)
			continue
		}
		m.Delivered = true
		out = append(out, m)
	}
	return out, nil
}

func (s *RelayService) Disconnected(ctx context.Context, peer domain.PeerID) error {
	if err := s.presence.SetOffline(ctx, peer); err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	return nil
}
