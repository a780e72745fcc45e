package services

import (
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
)

// AttemptTracker caps direct link attempts per peer within a sliding window.
type AttemptTracker struct {
	mu          sync.Mutex
	records     map[domain.PeerID]domain.ConnectionAttempt
	maxAttempts int
	window      time.Duration
	recordTTL   time.Duration
	now         func() time.Time
}

func NewAttemptTracker(maxAttempts int, window, recordTTL time.Duration) *AttemptTracker {
	return &AttemptTracker{
		records:     make(map[domain.PeerID]domain.ConnectionAttempt),
		maxAttempts: maxAttempts,
		window:      window,
		recordTTL:   recordTTL,
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (a *AttemptTracker) WithClock(now func() time.Time) *AttemptTracker {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
	return a
}

// TryRecord counts one attempt to peer if the cap allows it, returning the
// updated record. The count restarts once the window has passed since the
// last attempt.
func (a *AttemptTracker) TryRecord(peer domain.PeerID) (domain.ConnectionAttempt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	rec := a.records[peer]
	if now.Sub(rec.LastAttempt) >= a.window {
		rec.Count = 0
	}
	if rec.Count >= a.maxAttempts {
		return rec, false
	}
	rec.Count++
	rec.LastAttempt = now
	a.records[peer] = rec
	return rec, true
}

// Reset forgets peer, called after a successful direct send.
func (a *AttemptTracker) Reset(peer domain.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, peer)
}

// Purge drops records idle longer than the record TTL.
func (a *AttemptTracker) Purge() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	purged := 0
	for peer, rec := range a.records {
		if now.Sub(rec.LastAttempt) > a.recordTTL {
			delete(a.records, peer)
			purged++
		}
	}
	return purged
}

func (a *AttemptTracker) Get(peer domain.PeerID) (domain.ConnectionAttempt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[peer]
	return rec, ok
}
