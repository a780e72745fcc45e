package ports

import (
	"context"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
)

type ChannelState string

const (
	ChannelConnecting   ChannelState = "CONNECTING"
	ChannelOpen         ChannelState = "OPEN"
	ChannelReconnecting ChannelState = "RECONNECTING"
	ChannelClosed       ChannelState = "CLOSED"
)

// StateChange is emitted on every signaling channel transition.
// Failed is set on the terminal CLOSED that follows exhausted retries.
type StateChange struct {
	Previous ChannelState
	State    ChannelState
	Attempt  int
	Failed   bool
	Err      error
}

// SignalingChannel is the control connection to the signaling server.
type SignalingChannel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, event domain.Event) error
	Subscribe() (<-chan domain.Event, func())
	SubscribeState() (<-chan StateChange, func())
	State() ChannelState
	Close() error
}

// Link is a direct data channel to one peer.
type Link interface {
	Peer() domain.PeerID
	State() domain.LinkState
	Send(ctx context.Context, msg domain.DirectMessage) error
}

// LinkEvent reports a link state transition.
type LinkEvent struct {
	Peer  domain.PeerID
	State domain.LinkState
	Err   error
}

// LinkManager negotiates and owns direct links, at most one per peer.
type LinkManager interface {
	RequestLink(ctx context.Context, peer domain.PeerID) (Link, error)
	ConnectedLink(peer domain.PeerID) (Link, bool)
	CloseLink(peer domain.PeerID)
	CloseAll(reason string)
	PruneTerminal() int
	HandleOffer(ev *domain.OfferEvent)
	HandleAnswer(ev *domain.AnswerEvent)
	HandleICECandidate(ev *domain.ICECandidateEvent)
	SubscribeInbound() (<-chan domain.DirectMessage, func())
	SubscribeState() (<-chan LinkEvent, func())
}

type RelaySendRequest struct {
	To           domain.PeerID         `json:"to_id"`
	Content      string                `json:"content"`
	Encrypted    bool                  `json:"encrypted"`
	Method       domain.DeliveryMethod `json:"method"`
	DestroyAfter int                   `json:"destroy_after,omitempty"` // seconds
	MessageType  string                `json:"message_type"`
}

type RelaySendResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// RelayAPI is the server's REST surface used for store-and-forward delivery.
type RelayAPI interface {
	SendMessage(ctx context.Context, req RelaySendRequest) (*RelaySendResponse, error)
	History(ctx context.Context, peer domain.PeerID, page, limit int) ([]*domain.MessageRecord, error)
	UserStatus(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error)
	RegisterCapability(ctx context.Context, supportsDirect bool, capabilities map[string]bool) error
	SetPresence(ctx context.Context, status string) error
	DeleteMessage(ctx context.Context, id string) error
	Heartbeat(ctx context.Context) error
}

type MediaState string

const (
	MediaConnecting MediaState = "connecting"
	MediaConnected  MediaState = "connected"
	MediaFailed     MediaState = "failed"
	MediaClosed     MediaState = "closed"
)

// CallMedia is the audio peer connection of one call.
// Remote candidates added before a remote description are buffered.
type CallMedia interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	Accept(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	SetAnswer(answer domain.SessionDescription) error
	AddRemoteCandidate(c domain.ICECandidate) error
	OnLocalCandidate(fn func(domain.ICECandidate))
	OnStateChange(fn func(MediaState))
	Close() error
}

// CallMediaFactory acquires local audio and builds a CallMedia.
// A nil key disables payload obfuscation.
type CallMediaFactory interface {
	NewCallMedia(ctx context.Context, callID string, peer domain.PeerID, key []byte) (CallMedia, error)
}

// Metrics is implemented by the Prometheus collector.
type Metrics interface {
	RecordChannelState(state string)
	RecordReconnectAttempt()
	RecordLinkEstablished(d time.Duration)
	RecordLinkFailure(reason string)
	RecordLinksActive(n int)
	RecordMessageSent(method string)
	RecordMessageReceived(method string)
	RecordRelayError(operation string)
	RecordCallEnded(outcome string, d time.Duration)
	RecordHeartbeat()
	RecordPacketLoss(fraction float64)
	RecordHubConnections(n int)
	RecordFrameRelayed(kind string)
	RecordFrameDropped(reason string)
}

// AuthService validates bearer tokens issued by the account service.
type AuthService interface {
	ValidateToken(token string) (*Claims, error)
	GenerateToken(userID domain.PeerID, username string) (string, error)
}

type Claims struct {
	UserID   domain.PeerID
	Username string
}

// RelayService is the server-side store-and-forward logic.
type RelayService interface {
	SendMessage(ctx context.Context, from domain.PeerID, req RelaySendRequest) (*domain.MessageRecord, error)
	History(ctx context.Context, owner, peer domain.PeerID, page, limit int) ([]*domain.MessageRecord, error)
	DeleteMessage(ctx context.Context, requester domain.PeerID, id string) error
	UserStatus(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error)
	RegisterCapability(ctx context.Context, peer domain.PeerID, supportsDirect bool) error
	SetPresence(ctx context.Context, peer domain.PeerID, status string) error
	Heartbeat(ctx context.Context, peer domain.PeerID) error
	Connected(ctx context.Context, peer domain.PeerID) ([]*domain.MessageRecord, error)
	Disconnected(ctx context.Context, peer domain.PeerID) error
}

// MessagePusher delivers a frame to a locally connected user.
type MessagePusher interface {
	Push(peer domain.PeerID, msg *domain.MessageRecord) bool
}
