package domain

import "time"

// DeliveryMethod names the transport a message travelled over.
type DeliveryMethod string

const (
	MethodDirect DeliveryMethod = "P2P"
	MethodRelay  DeliveryMethod = "Server"
)

const (
	MessageTypeText      = "text"
	MessageTypeImage     = "image"
	MessageTypeFile      = "file"
	MessageTypeVoiceCall = "voice_call"
)

// OutboundMessage is a send request from the host.
type OutboundMessage struct {
	To          PeerID
	Content     string
	BurnAfter   time.Duration // zero means keep
	MessageType string
}

// MessageRecord is the persisted form of a message.
type MessageRecord struct {
	ID           string         `json:"id"`
	From         PeerID         `json:"from_id"`
	To           PeerID         `json:"to_id"`
	Content      string         `json:"content"`
	MessageType  string         `json:"message_type"`
	Method       DeliveryMethod `json:"method"`
	Encrypted    bool           `json:"encrypted"`
	Timestamp    time.Time      `json:"timestamp"`
	DestroyAfter *time.Time     `json:"destroy_after,omitempty"`
	Read         bool           `json:"read"`
	Delivered    bool           `json:"delivered"`
}

// Expired reports whether a burn-after message is past its destroy time.
func (m *MessageRecord) Expired(now time.Time) bool {
	return m.DestroyAfter != nil && !now.Before(*m.DestroyAfter)
}

// Involves reports whether peer is a party of the conversation.
func (m *MessageRecord) Involves(peer PeerID) bool {
	return m.From == peer || m.To == peer
}

// SendResult reports how a message left the node.
type SendResult struct {
	Method    DeliveryMethod
	ID        string
	Timestamp time.Time
}

// DirectMessage is the data channel frame carrying one chat message.
type DirectMessage struct {
	Type         string    `json:"type"`
	ID           string    `json:"id"`
	From         PeerID    `json:"from"`
	Content      string    `json:"content"`
	MessageType  string    `json:"message_type,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	DestroyAfter int       `json:"destroy_after,omitempty"` // seconds
}

const DirectMessageType = "direct_message"

// ExpiryFrom computes a destroy time relative to ts, nil when burn is zero.
func ExpiryFrom(ts time.Time, burn time.Duration) *time.Time {
	if burn <= 0 {
		return nil
	}
	t := ts.Add(burn)
	return &t
}
