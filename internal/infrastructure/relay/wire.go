package relay

import (
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/infrastructure/signal"
)

// Message is a chat message as the relay REST API renders it. IDs may be
// numbers on older servers.
type Message struct {
	ID           signal.PeerRef   `json:"id"`
	From         signal.PeerRef   `json:"from"`
	To           signal.PeerRef   `json:"to"`
	Content      string           `json:"content"`
	MessageType  string           `json:"messageType,omitempty"`
	Timestamp    *signal.WireTime `json:"timestamp,omitempty"`
	Encrypted    bool             `json:"encrypted"`
	Method       string           `json:"method,omitempty"`
	DestroyAfter int              `json:"destroyAfter,omitempty"` // seconds
	Delivered    bool             `json:"delivered,omitempty"`
}

func MessageFromRecord(rec *domain.MessageRecord) Message {
	m := Message{
		ID:          signal.PeerRef(rec.ID),
		From:        signal.PeerRef(rec.From),
		To:          signal.PeerRef(rec.To),
		Content:     rec.Content,
		MessageType: rec.MessageType,
		Timestamp:   signal.NewWireTime(rec.Timestamp),
		Encrypted:   rec.Encrypted,
		Method:      string(rec.Method),
		Delivered:   rec.Delivered,
	}
	if rec.DestroyAfter != nil {
		if secs := int(rec.DestroyAfter.Sub(rec.Timestamp).Round(time.Second) / time.Second); secs > 0 {
			m.DestroyAfter = secs
		}
	}
	return m
}

// Record converts m back to a MessageRecord. Server-side history defaults to
// the relay method.
func (m Message) Record() *domain.MessageRecord {
	rec := &domain.MessageRecord{
		ID:          string(m.ID),
		From:        domain.PeerID(m.From),
		To:          domain.PeerID(m.To),
		Content:     m.Content,
		MessageType: m.MessageType,
		Method:      domain.DeliveryMethod(m.Method),
		Encrypted:   m.Encrypted,
		Delivered:   m.Delivered,
	}
	if rec.MessageType == "" {
		rec.MessageType = domain.MessageTypeText
	}
	if rec.Method == "" {
		rec.Method = domain.MethodRelay
	}
	if m.Timestamp != nil {
		rec.Timestamp = m.Timestamp.Time
	}
	rec.DestroyAfter = domain.ExpiryFrom(rec.Timestamp, time.Duration(m.DestroyAfter)*time.Second)
	return rec
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type HistoryResponse struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

type UserStatusResponse struct {
	Online      bool             `json:"online"`
	SupportsP2P bool             `json:"supportsP2P"`
	LastSeen    *signal.WireTime `json:"lastSeen"`
	Status      string           `json:"status,omitempty"`
}

func UserStatusFromRecord(rec *domain.PresenceRecord) UserStatusResponse {
	return UserStatusResponse{
		Online:      rec.Online,
		SupportsP2P: rec.SupportsDirect,
		LastSeen:    signal.NewWireTime(rec.LastSeen),
		Status:      rec.Status,
	}
}

func (r UserStatusResponse) Record(peer domain.PeerID) *domain.PresenceRecord {
	rec := &domain.PresenceRecord{
		Peer:           peer,
		Online:         r.Online,
		SupportsDirect: r.SupportsP2P,
		Status:         r.Status,
	}
	if r.LastSeen != nil {
		rec.LastSeen = r.LastSeen.Time
	}
	return rec
}

// CapabilityRequest lists the enabled capabilities by name.
type CapabilityRequest struct {
	SupportsP2P  bool     `json:"supportsP2P"`
	Capabilities []string `json:"capabilities"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

// Ack is the body of REST calls that return no resource.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ErrorBody is what the relay answers with on failure.
type ErrorBody struct {
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (b ErrorBody) text() string {
	switch {
	case b.Message != "":
		return b.Message
	case b.Detail != "":
		return b.Detail
	default:
		return b.Error
	}
}
