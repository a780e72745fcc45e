package ports

import (
	"context"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
)

// MessageRepository stores chat history. QueryMessages returns the page of the
// conversation between owner and peer, counted back from the newest message
// and ordered oldest first.
type MessageRepository interface {
	AddMessage(ctx context.Context, msg *domain.MessageRecord) error
	GetMessage(ctx context.Context, id string) (*domain.MessageRecord, error)
	QueryMessages(ctx context.Context, owner, peer domain.PeerID, limit, offset int) ([]*domain.MessageRecord, error)
	MarkRead(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, id string) error
	Undelivered(ctx context.Context, to domain.PeerID) ([]*domain.MessageRecord, error)
}

// ExpiredMessagePurger is implemented by stores that can drop burn-after messages.
type ExpiredMessagePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// PresenceRepository keeps server-side presence for connected users.
type PresenceRepository interface {
	SetOnline(ctx context.Context, peer domain.PeerID, status string) error
	SetOffline(ctx context.Context, peer domain.PeerID) error
	Touch(ctx context.Context, peer domain.PeerID) error
	SetStatus(ctx context.Context, peer domain.PeerID, status string) error
	SetCapability(ctx context.Context, peer domain.PeerID, supportsDirect bool) error
	Get(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error)
	ListOnline(ctx context.Context) ([]domain.PeerID, error)
}
