package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/internal/infrastructure/repositories/repotest"
)

func TestMessageRepository(t *testing.T) {
	repotest.MessageRepository(t, func(*testing.T) ports.MessageRepository {
		return NewMessageRepository()
	})
}

func TestPresenceRepository(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	repotest.PresenceRepository(t, time.Minute, func(*testing.T) ports.PresenceRepository {
		repo := NewPresenceRepository(time.Minute)
		repo.now = clock
		return repo
	}, advance)
}
