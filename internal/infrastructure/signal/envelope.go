package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"

	"github.com/google/uuid"
)

// Frame types that have no domain event of their own.
const (
	TypeHeartbeatResponse = "heartbeat_response"
	TypeUserStatusUpdate  = "user_status_update"
	TypeMessage           = "message"
	TypeError             = "error"
)

var (
	ErrMalformed   = errors.New("malformed signaling frame")
	ErrUnknownType = errors.New("unknown signaling frame type")
)

// Envelope is one JSON signaling frame.
type Envelope struct {
	Type          string          `json:"type"`
	ToID          PeerRef         `json:"to_id,omitempty"`
	FromID        PeerRef         `json:"from_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CallID        string          `json:"call_id,omitempty"`
	EncryptionKey KeyBytes        `json:"encryption_key,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     *WireTime       `json:"timestamp,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	UserID        PeerRef         `json:"user_id,omitempty"`
	Status        string          `json:"status,omitempty"`
	LastSeen      *WireTime       `json:"last_seen,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// PeerRef is a user ID that servers may send as a JSON number or string.
type PeerRef domain.PeerID

func (p *PeerRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = PeerRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("peer id: %w", err)
	}
	*p = PeerRef(n.String())
	return nil
}

// KeyBytes marshals as a JSON array of byte values.
type KeyBytes []byte

func (k KeyBytes) MarshalJSON() ([]byte, error) {
	if k == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(k))
	for i, b := range k {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}

func (k *KeyBytes) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*k = nil
		return nil
	}
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return fmt.Errorf("encryption_key: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("encryption_key: value %d out of byte range", v)
		}
		out[i] = byte(v)
	}
	*k = out
	return nil
}

// WireTime accepts epoch milliseconds or ISO-8601 strings, with or without a zone.
type WireTime struct {
	time.Time
}

func NewWireTime(t time.Time) *WireTime {
	if t.IsZero() {
		return nil
	}
	return &WireTime{Time: t}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t WireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *WireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(string(b), 64)
			if ferr != nil {
				return fmt.Errorf("timestamp: %w", err)
			}
			ms = int64(f)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range isoLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}

func wireTimeValue(t *WireTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time
}

type presencePayload struct {
	Status       string          `json:"status,omitempty"`
	IsOnline     bool            `json:"isOnline"`
	Timestamp    *WireTime       `json:"timestamp,omitempty"`
	LastSeen     *WireTime       `json:"lastSeen,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// relayMessageData is the body of private_message and message frames.
type relayMessageData struct {
	ID               string    `json:"id,omitempty"`
	From             PeerRef   `json:"from,omitempty"`
	To               PeerRef   `json:"to,omitempty"`
	Content          string    `json:"content,omitempty"`
	EncryptedContent string    `json:"encrypted_content,omitempty"`
	MessageType      string    `json:"messageType,omitempty"`
	MessageTypeAlt   string    `json:"message_type,omitempty"`
	Encrypted        bool      `json:"encrypted,omitempty"`
	Timestamp        *WireTime `json:"timestamp,omitempty"`
	DestroyAfter     int       `json:"destroy_after,omitempty"` // seconds
	Delivered        bool      `json:"delivered,omitempty"`
}

// RelayMessageData builds the data body the server pushes for a stored message.
func RelayMessageData(m *domain.MessageRecord) json.RawMessage {
	d := relayMessageData{
		ID:          m.ID,
		From:        PeerRef(m.From),
		To:          PeerRef(m.To),
		Content:     m.Content,
		MessageType: m.MessageType,
		Encrypted:   m.Encrypted,
		Timestamp:   NewWireTime(m.Timestamp),
		Delivered:   m.Delivered,
	}
	if m.DestroyAfter != nil {
		if secs := int(m.DestroyAfter.Sub(m.Timestamp) / time.Second); secs > 0 {
			d.DestroyAfter = secs
		}
	}
	b, _ := json.Marshal(d)
	return b
}

// Encode converts a domain event into an outbound frame.
func Encode(ev domain.Event) (*Envelope, error) {
	hdr := ev.Header()
	env := &Envelope{
		Type:   string(ev.Kind()),
		ToID:   PeerRef(hdr.To),
		FromID: PeerRef(hdr.From),
	}

	var payload any
	switch ev := ev.(type) {
	case *domain.OfferEvent:
		payload = ev.Description
	case *domain.AnswerEvent:
		payload = ev.Description
	case *domain.ICECandidateEvent:
		payload = ev.Candidate
	case *domain.PresenceEvent:
		payload = presencePayload{
			Status:       ev.Status,
			IsOnline:     ev.Online,
			Timestamp:    NewWireTime(ev.Timestamp),
			LastSeen:     NewWireTime(ev.LastSeen),
			Capabilities: ev.Capabilities,
		}
	case *domain.RelayMessageEvent:
		d := relayMessageData{
			ID:           ev.ID,
			Content:      ev.Content,
			MessageType:  ev.MessageType,
			Encrypted:    ev.Encrypted,
			Timestamp:    NewWireTime(ev.Timestamp),
			DestroyAfter: int(ev.BurnAfter / time.Second),
		}
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		env.Data = b
	case *domain.CallOfferEvent:
		env.CallID = ev.CallID
		env.EncryptionKey = KeyBytes(ev.Key)
		payload = ev.Description
	case *domain.CallAnswerEvent:
		env.CallID = ev.CallID
		payload = ev.Description
	case *domain.CallICECandidateEvent:
		env.CallID = ev.CallID
		payload = ev.Candidate
	case *domain.CallRejectedEvent:
		env.CallID = ev.CallID
		env.Reason = ev.Reason
	case *domain.CallEndedEvent:
		env.CallID = ev.CallID
		env.Reason = ev.Reason
	case *domain.HeartbeatEvent:
		if ev.Response {
			env.Type = TypeHeartbeatResponse
		}
		env.Timestamp = NewWireTime(ev.Timestamp)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		env.Payload = b
	}
	return env, nil
}

// EncodeFrame encodes ev to wire bytes.
func EncodeFrame(ev domain.Event) ([]byte, error) {
	env, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeFrame parses wire bytes into a domain event.
func DecodeFrame(b []byte) (domain.Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Decode(&env)
}

func malformed(typ, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, typ, reason)
}

func decodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return malformed(env.Type, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return malformed(env.Type, err.Error())
	}
	return nil
}

func decodeDescription(env *Envelope) (domain.SessionDescription, error) {
	var desc domain.SessionDescription
	if err := decodePayload(env, &desc); err != nil {
		return desc, err
	}
	if desc.SDP == "" {
		return desc, malformed(env.Type, "empty sdp")
	}
	return desc, nil
}

func decodeCandidate(env *Envelope) (domain.ICECandidate, error) {
	var cand domain.ICECandidate
	if err := decodePayload(env, &cand); err != nil {
		return cand, err
	}
	return cand, nil
}

// Decode validates a frame and converts it into a domain event. Frames
// missing fields required by their type yield ErrMalformed.
func Decode(env *Envelope) (domain.Event, error) {
	hdr := domain.EventHeader{From: domain.PeerID(env.FromID), To: domain.PeerID(env.ToID)}

	requireFrom := func() error {
		if hdr.From == "" {
			return malformed(env.Type, "missing from_id")
		}
		return nil
	}

	switch domain.EventKind(env.Type) {
	case domain.KindOffer, domain.KindAnswer:
		if err := requireFrom(); err != nil {
			return nil, err
		}
		desc, err := decodeDescription(env)
		if err != nil {
			return nil, err
		}
		if env.Type == string(domain.KindOffer) {
			return &domain.OfferEvent{EventHeader: hdr, Description: desc}, nil
		}
		return &domain.AnswerEvent{EventHeader: hdr, Description: desc}, nil

	case domain.KindICECandidate:
		if err := requireFrom(); err != nil {
			return nil, err
		}
		cand, err := decodeCandidate(env)
		if err != nil {
			return nil, err
		}
		return &domain.ICECandidateEvent{EventHeader: hdr, Candidate: cand}, nil

	case domain.KindPresence:
		if hdr.From == "" {
			hdr.From = domain.PeerID(env.UserID)
		}
		if err := requireFrom(); err != nil {
			return nil, err
		}
		var p presencePayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return &domain.PresenceEvent{
			EventHeader:  hdr,
			Status:       p.Status,
			Online:       p.IsOnline,
			Timestamp:    wireTimeValue(p.Timestamp),
			LastSeen:     wireTimeValue(p.LastSeen),
			Capabilities: p.Capabilities,
		}, nil

	case TypeUserStatusUpdate:
		if env.UserID == "" {
			return nil, malformed(env.Type, "missing user_id")
		}
		hdr.From = domain.PeerID(env.UserID)
		return &domain.PresenceEvent{
			EventHeader: hdr,
			Status:      env.Status,
			Online:      env.Status != "" && env.Status != "offline",
			Timestamp:   wireTimeValue(env.Timestamp),
			LastSeen:    wireTimeValue(env.LastSeen),
		}, nil

	case domain.KindRelayMessage, TypeMessage:
		return decodeRelayMessage(env, hdr)

	case domain.KindCallOffer:
		if err := requireFrom(); err != nil {
			return nil, err
		}
		if env.CallID == "" {
			return nil, malformed(env.Type, "missing call_id")
		}
		desc, err := decodeDescription(env)
		if err != nil {
			return nil, err
		}
		return &domain.CallOfferEvent{
			EventHeader: hdr,
			CallID:      env.CallID,
			Description: desc,
			Key:         []byte(env.EncryptionKey),
		}, nil

	case domain.KindCallAnswer:
		if err := requireFrom(); err != nil {
			return nil, err
		}
		desc, err := decodeDescription(env)
		if err != nil {
			return nil, err
		}
		return &domain.CallAnswerEvent{EventHeader: hdr, CallID: env.CallID, Description: desc}, nil

	case domain.KindCallICECandidate:
		if err := requireFrom(); err != nil {
			return nil, err
		}
		cand, err := decodeCandidate(env)
		if err != nil {
			return nil, err
		}
		return &domain.CallICECandidateEvent{EventHeader: hdr, CallID: env.CallID, Candidate: cand}, nil

	case domain.KindCallRejected:
		if err := requireFrom(); err != nil {
			return nil, err
		}
		return &domain.CallRejectedEvent{EventHeader: hdr, CallID: env.CallID, Reason: env.Reason}, nil

	case domain.KindCallEnded:
		if err := requireFrom(); err != nil {
			return nil, err
		}
		return &domain.CallEndedEvent{EventHeader: hdr, CallID: env.CallID, Reason: env.Reason}, nil

	case domain.KindHeartbeat:
		return &domain.HeartbeatEvent{EventHeader: hdr, Timestamp: wireTimeValue(env.Timestamp)}, nil

	case TypeHeartbeatResponse:
		return &domain.HeartbeatEvent{EventHeader: hdr, Timestamp: wireTimeValue(env.Timestamp), Response: true}, nil

	case "":
		return nil, malformed("<empty>", "missing type")

	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownType, env.Type)
	}
}

func decodeRelayMessage(env *Envelope, hdr domain.EventHeader) (domain.Event, error) {
	if len(env.Data) == 0 {
		return nil, malformed(env.Type, "missing data")
	}
	var d relayMessageData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, malformed(env.Type, err.Error())
	}

	if d.From != "" {
		hdr.From = domain.PeerID(d.From)
	}
	if d.To != "" {
		hdr.To = domain.PeerID(d.To)
	}
	if hdr.From == "" {
		return nil, malformed(env.Type, "missing sender")
	}

	content := d.Content
	encrypted := d.Encrypted
	if content == "" && d.EncryptedContent != "" {
		content = d.EncryptedContent
		encrypted = true
	}
	if content == "" {
		return nil, malformed(env.Type, "missing content")
	}

	messageType := d.MessageType
	if messageType == "" {
		messageType = d.MessageTypeAlt
	}
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &domain.RelayMessageEvent{
		EventHeader: hdr,
		ID:          id,
		Content:     content,
		MessageType: messageType,
		Encrypted:   encrypted,
		Timestamp:   wireTimeValue(d.Timestamp),
		BurnAfter:   time.Duration(d.DestroyAfter) * time.Second,
	}, nil
}
