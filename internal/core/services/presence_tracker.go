package services

import (
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/pkg/broadcast"
)

// PresenceTracker is the last known online and capability state per peer.
// It has no timers; callers feed it from presence events, link transitions
// and relay status lookups.
type PresenceTracker struct {
	mu      sync.RWMutex
	records map[domain.PeerID]domain.PresenceRecord
	changes *broadcast.Broadcaster[domain.PresenceRecord]
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		records: make(map[domain.PeerID]domain.PresenceRecord),
		changes: broadcast.New[domain.PresenceRecord](32),
	}
}

// Record stores reachability for peer. SupportsDirect is sticky once a link
// has proven it, until the peer goes offline.
func (t *PresenceTracker) Record(peer domain.PeerID, online, supportsDirect bool, lastSeen time.Time) {
	t.update(peer, func(r *domain.PresenceRecord) {
		r.Online = online
		switch {
		case !online:
			r.SupportsDirect = false
		case supportsDirect:
			r.SupportsDirect = true
		}
		if !lastSeen.IsZero() {
			r.LastSeen = lastSeen
		}
	})
}

// RecordStatus stores the peer's advertised status label.
func (t *PresenceTracker) RecordStatus(peer domain.PeerID, status string) {
	t.update(peer, func(r *domain.PresenceRecord) {
		r.Status = status
	})
}

// Apply merges a presence event.
func (t *PresenceTracker) Apply(ev *domain.PresenceEvent) {
	lastSeen := ev.LastSeen
	if lastSeen.IsZero() {
		lastSeen = ev.Timestamp
	}
	t.update(ev.From, func(r *domain.PresenceRecord) {
		r.Online = ev.Online
		if !ev.Online {
			r.SupportsDirect = false
		} else if ev.Capabilities["p2p"] {
			r.SupportsDirect = true
		}
		if ev.Status != "" {
			r.Status = ev.Status
		}
		if !lastSeen.IsZero() {
			r.LastSeen = lastSeen
		}
	})
}

// MarkDirect records that a direct link to peer reached CONNECTED.
func (t *PresenceTracker) MarkDirect(peer domain.PeerID) {
	t.update(peer, func(r *domain.PresenceRecord) {
		r.Online = true
		r.SupportsDirect = true
		r.LastSeen = time.Now()
	})
}

func (t *PresenceTracker) Get(peer domain.PeerID) (domain.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[peer]
	return r, ok
}

func (t *PresenceTracker) IsOnline(peer domain.PeerID) bool {
	r, ok := t.Get(peer)
	return ok && r.Online
}

// Snapshot copies every known record.
func (t *PresenceTracker) Snapshot() []domain.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.PresenceRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// Subscribe streams records after each change. Slow subscribers miss updates.
func (t *PresenceTracker) Subscribe() (<-chan domain.PresenceRecord, func()) {
	return t.changes.Subscribe()
}

func (t *PresenceTracker) Close() {
	t.changes.Close()
}

func (t *PresenceTracker) update(peer domain.PeerID, fn func(*domain.PresenceRecord)) {
	t.mu.Lock()
	r, ok := t.records[peer]
	if !ok {
		r = domain.PresenceRecord{Peer: peer}
	}
	before := r
	fn(&r)
	t.records[peer] = r
	t.mu.Unlock()

	if !ok || before != r {
		t.changes.TryPublish(r)
	}
}
