package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
)

type MessageRepository struct {
	messages map[string]*domain.MessageRecord
	mu       sync.RWMutex
}

var (
	_ ports.MessageRepository    = (*MessageRepository)(nil)
	_ ports.ExpiredMessagePurger = (*MessageRepository)(nil)
)

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make(map[string]*domain.MessageRecord),
	}
}

func (r *MessageRepository) AddMessage(ctx context.Context, msg *domain.MessageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*domain.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, exists := r.messages[id]
	if !exists {
		return nil, domain.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *MessageRepository) QueryMessages(ctx context.Context, owner, peer domain.PeerID, limit, offset int) ([]*domain.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conversation []*domain.MessageRecord
	for _, msg := range r.messages {
		if (msg.From == owner && msg.To == peer) || (msg.From == peer && msg.To == owner) {
			cp := *msg
			conversation = append(conversation, &cp)
		}
	}
	sortChronological(conversation)
	return pageFromNewest(conversation, limit, offset), nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, id string) error {
	return r.update(id, func(m *domain.MessageRecord) { m.Read = true })
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) error {
	return r.update(id, func(m *domain.MessageRecord) { m.Delivered = true })
}

func (r *MessageRepository) DeleteMessage(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messages[id]; !exists {
		return domain.ErrMessageNotFound
	}
	delete(r.messages, id)
	return nil
}

func (r *MessageRepository) Undelivered(ctx context.Context, to domain.PeerID) ([]*domain.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.MessageRecord
	for _, msg := range r.messages {
		if msg.To == to && !msg.Delivered {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sortChronological(out)
	return out, nil
}

func (r *MessageRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, msg := range r.messages {
		if msg.Expired(now) {
			delete(r.messages, id)
			purged++
		}
	}
	return purged, nil
}

func (r *MessageRepository) update(id string, fn func(*domain.MessageRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, exists := r.messages[id]
	if !exists {
		return domain.ErrMessageNotFound
	}
	fn(msg)
	return nil
}

func sortChronological(msgs []*domain.MessageRecord) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// pageFromNewest skips offset messages from the newest end and returns up to
// limit of the ones before, oldest first.
func pageFromNewest(msgs []*domain.MessageRecord, limit, offset int) []*domain.MessageRecord {
	end := len(msgs) - offset
	if end <= 0 || limit <= 0 {
		return nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return msgs[start:end]
}
