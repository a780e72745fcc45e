package domain

import "time"

// PeerID identifies a remote party for the lifetime of a session.
type PeerID string

// PresenceRecord is the last known reachability of a peer.
// A missing record means offline or unknown.
type PresenceRecord struct {
	Peer           PeerID
	Online         bool
	SupportsDirect bool
	LastSeen       time.Time
	Status         string
}

// LinkState is the negotiation state of a direct link.
type LinkState string

const (
	LinkNew         LinkState = "NEW"
	LinkOffering    LinkState = "OFFERING"
	LinkAnswering   LinkState = "ANSWERING"
	LinkNegotiating LinkState = "NEGOTIATING"
	LinkConnected   LinkState = "CONNECTED"
	LinkFailed      LinkState = "FAILED"
	LinkClosed      LinkState = "CLOSED"
)

// Terminal reports whether no further transition is possible.
func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkClosed
}

// ConnectionAttempt counts recent direct attempts to one peer.
type ConnectionAttempt struct {
	Count       int
	LastAttempt time.Time
}
