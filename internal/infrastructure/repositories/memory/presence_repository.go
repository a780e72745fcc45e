package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
)

type presenceEntry struct {
	record     domain.PresenceRecord
	aliveUntil time.Time
}

// PresenceRepository keeps presence in process. A user is online until ttl
// passes without a connect or heartbeat, or until they disconnect.
type PresenceRepository struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[domain.PeerID]*presenceEntry
	mu      sync.RWMutex
}

var _ ports.PresenceRepository = (*PresenceRepository)(nil)

func NewPresenceRepository(ttl time.Duration) *PresenceRepository {
	return &PresenceRepository{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[domain.PeerID]*presenceEntry),
	}
}

func (r *PresenceRepository) entry(peer domain.PeerID) *presenceEntry {
	e, ok := r.entries[peer]
	if !ok {
		e = &presenceEntry{record: domain.PresenceRecord{Peer: peer, Status: "offline"}}
		r.entries[peer] = e
	}
	return e
}

func (r *PresenceRepository) SetOnline(ctx context.Context, peer domain.PeerID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.entry(peer)
	e.record.Status = status
	e.record.LastSeen = now
	e.aliveUntil = now.Add(r.ttl)
	return nil
}

func (r *PresenceRepository) SetOffline(ctx context.Context, peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(peer)
	e.record.Status = "offline"
	e.record.LastSeen = r.now()
	e.aliveUntil = time.Time{}
	return nil
}

func (r *PresenceRepository) Touch(ctx context.Context, peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.entry(peer)
	if e.record.Status == "offline" {
		e.record.Status = "online"
	}
	e.record.LastSeen = now
	e.aliveUntil = now.Add(r.ttl)
	return nil
}

func (r *PresenceRepository) SetStatus(ctx context.Context, peer domain.PeerID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(peer)
	e.record.Status = status
	if status == "online" {
		e.record.LastSeen = r.now()
	}
	return nil
}

func (r *PresenceRepository) SetCapability(ctx context.Context, peer domain.PeerID, supportsDirect bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entry(peer).record.SupportsDirect = supportsDirect
	return nil
}

func (r *PresenceRepository) Get(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[peer]
	if !ok {
		return nil, domain.ErrPeerOffline
	}
	rec := e.record
	rec.Online = r.now().Before(e.aliveUntil)
	return &rec, nil
}

func (r *PresenceRepository) ListOnline(ctx context.Context) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []domain.PeerID
	for peer, e := range r.entries {
		if now.Before(e.aliveUntil) {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
