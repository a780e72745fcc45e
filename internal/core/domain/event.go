package domain

import "time"

// EventKind is the wire tag of a signaling event.
type EventKind string

const (
	KindOffer            EventKind = "webrtc_offer"
	KindAnswer           EventKind = "webrtc_answer"
	KindICECandidate     EventKind = "webrtc_ice_candidate"
	KindPresence         EventKind = "presence"
	KindRelayMessage     EventKind = "private_message"
	KindCallOffer        EventKind = "voice_call_offer"
	KindCallAnswer       EventKind = "voice_call_answer"
	KindCallICECandidate EventKind = "voice_call_ice_candidate"
	KindCallRejected     EventKind = "voice_call_rejected"
	KindCallEnded        EventKind = "voice_call_ended"
	KindHeartbeat        EventKind = "heartbeat"
)

// Event is a typed signaling message. The set of implementations is closed;
// consumers dispatch with a type switch.
type Event interface {
	Kind() EventKind
	Header() EventHeader
	sealed()
}

// EventHeader carries routing fields common to every event.
// From is empty on outbound events; the server stamps it.
type EventHeader struct {
	From PeerID
	To   PeerID
}

func (h EventHeader) Header() EventHeader { return h }
func (EventHeader) sealed()               {}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled connectivity candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type OfferEvent struct {
	EventHeader
	Description SessionDescription
}

type AnswerEvent struct {
	EventHeader
	Description SessionDescription
}

type ICECandidateEvent struct {
	EventHeader
	Candidate ICECandidate
}

type PresenceEvent struct {
	EventHeader
	Status       string
	Online       bool
	Timestamp    time.Time
	LastSeen     time.Time
	Capabilities map[string]bool
}

// RelayMessageEvent is a chat message delivered through the server.
type RelayMessageEvent struct {
	EventHeader
	ID          string
	Content     string
	MessageType string
	Encrypted   bool
	Timestamp   time.Time
	BurnAfter   time.Duration
}

type CallOfferEvent struct {
	EventHeader
	CallID      string
	Description SessionDescription
	Key         []byte
}

type CallAnswerEvent struct {
	EventHeader
	CallID      string
	Description SessionDescription
}

type CallICECandidateEvent struct {
	EventHeader
	CallID    string
	Candidate ICECandidate
}

type CallRejectedEvent struct {
	EventHeader
	CallID string
	Reason string
}

type CallEndedEvent struct {
	EventHeader
	CallID string
	Reason string
}

// HeartbeatEvent is a keepalive; Response is set on the server's acknowledgement.
type HeartbeatEvent struct {
	EventHeader
	Timestamp time.Time
	Response  bool
}

func (*OfferEvent) Kind() EventKind            { return KindOffer }
func (*AnswerEvent) Kind() EventKind           { return KindAnswer }
func (*ICECandidateEvent) Kind() EventKind     { return KindICECandidate }
func (*PresenceEvent) Kind() EventKind         { return KindPresence }
func (*RelayMessageEvent) Kind() EventKind     { return KindRelayMessage }
func (*CallOfferEvent) Kind() EventKind        { return KindCallOffer }
func (*CallAnswerEvent) Kind() EventKind       { return KindCallAnswer }
func (*CallICECandidateEvent) Kind() EventKind { return KindCallICECandidate }
func (*CallRejectedEvent) Kind() EventKind     { return KindCallRejected }
func (*CallEndedEvent) Kind() EventKind        { return KindCallEnded }
func (*HeartbeatEvent) Kind() EventKind        { return KindHeartbeat }
