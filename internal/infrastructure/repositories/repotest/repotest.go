// Package repotest holds behaviour tests shared by every repository backend.
package repotest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func message(id string, from, to domain.PeerID, at time.Duration) *domain.MessageRecord {
	return &domain.MessageRecord{
		ID:          id,
		From:        from,
		To:          to,
		Content:     "content " + id,
		MessageType: domain.MessageTypeText,
		Method:      domain.MethodRelay,
		Timestamp:   base.Add(at),
	}
}

func ids(msgs []*domain.MessageRecord) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// MessageRepository exercises a fresh, empty repository from newRepo.
func MessageRepository(t *testing.T, newRepo func(t *testing.T) ports.MessageRepository) {
	ctx := context.Background()

	t.Run("add and get", func(t *testing.T) {
		repo := newRepo(t)
		in := message("m1", "alice", "bob", 0)
		in.Encrypted = true
		in.DestroyAfter = domain.ExpiryFrom(in.Timestamp, time.Minute)
		require.NoError(t, repo.AddMessage(ctx, in))

		got, err := repo.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, domain.PeerID("alice"), got.From)
		assert.Equal(t, domain.PeerID("bob"), got.To)
		assert.Equal(t, "content m1", got.Content)
		assert.Equal(t, domain.MethodRelay, got.Method)
		assert.True(t, got.Encrypted)
		assert.True(t, in.Timestamp.Equal(got.Timestamp))
		require.NotNil(t, got.DestroyAfter)
		assert.True(t, in.DestroyAfter.Equal(*got.DestroyAfter))

		_, err = repo.GetMessage(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})

	t.Run("query pages back from newest", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 5; i++ {
			from, to := domain.PeerID("alice"), domain.PeerID("bob")
			if i%2 == 1 {
				from, to = to, from
			}
			require.NoError(t, repo.AddMessage(ctx, message(fmt.Sprintf("m%d", i), from, to, time.Duration(i)*time.Second)))
		}
		require.NoError(t, repo.AddMessage(ctx, message("other", "alice", "carol", 10*time.Second)))

		page, err := repo.QueryMessages(ctx, "alice", "bob", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m4"}, ids(page))

		page, err = repo.QueryMessages(ctx, "bob", "alice", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, ids(page))

		page, err = repo.QueryMessages(ctx, "alice", "bob", 2, 4)
		require.NoError(t, err)
		assert.Equal(t, []string{"m0"}, ids(page))

		page, err = repo.QueryMessages(ctx, "alice", "bob", 2, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("read delivered delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.AddMessage(ctx, message("m1", "alice", "bob", 0)))
		require.NoError(t, repo.AddMessage(ctx, message("m2", "carol", "bob", time.Second)))

		require.NoError(t, repo.MarkRead(ctx, "m1"))
		got, err := repo.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, got.Read)

		backlog, err := repo.Undelivered(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, ids(backlog))

		require.NoError(t, repo.MarkDelivered(ctx, "m1"))
		backlog, err = repo.Undelivered(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"m2"}, ids(backlog))

		require.NoError(t, repo.DeleteMessage(ctx, "m2"))
		_, err = repo.GetMessage(ctx, "m2")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		assert.ErrorIs(t, repo.DeleteMessage(ctx, "m2"), domain.ErrMessageNotFound)
		assert.ErrorIs(t, repo.MarkRead(ctx, "m2"), domain.ErrMessageNotFound)
	})

	t.Run("purge expired", func(t *testing.T) {
		repo := newRepo(t)
		purger, ok := repo.(ports.ExpiredMessagePurger)
		require.True(t, ok)

		burn := message("burn", "alice", "bob", 0)
		burn.DestroyAfter = domain.ExpiryFrom(burn.Timestamp, 30*time.Second)
		keep := message("keep", "alice", "bob", time.Second)
		require.NoError(t, repo.AddMessage(ctx, burn))
		require.NoError(t, repo.AddMessage(ctx, keep))

		n, err := purger.PurgeExpired(ctx, base.Add(10*time.Second))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = purger.PurgeExpired(ctx, base.Add(30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = repo.GetMessage(ctx, "burn")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		_, err = repo.GetMessage(ctx, "keep")
		assert.NoError(t, err)
	})
}

// PresenceRepository exercises a fresh presence repository. advance moves the
// repository clock, or sleeps for backends on a real clock.
func PresenceRepository(t *testing.T, ttl time.Duration, newRepo func(t *testing.T) ports.PresenceRepository, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("unknown peer", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrPeerOffline)
	})

	t.Run("online offline", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.SetOnline(ctx, "alice", "online"))
		require.NoError(t, repo.SetCapability(ctx, "alice", true))
		require.NoError(t, repo.SetOnline(ctx, "bob", "busy"))

		rec, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, rec.Online)
		assert.True(t, rec.SupportsDirect)
		assert.Equal(t, "online", rec.Status)
		assert.False(t, rec.LastSeen.IsZero())

		online, err := repo.ListOnline(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.PeerID{"alice", "bob"}, online)

		require.NoError(t, repo.SetOffline(ctx, "alice"))
		rec, err = repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, rec.Online)
		assert.Equal(t, "offline", rec.Status)
		assert.True(t, rec.SupportsDirect, "capability survives a disconnect")

		online, err = repo.ListOnline(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.PeerID{"bob"}, online)
	})

	t.Run("status", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.SetOnline(ctx, "alice", "online"))
		require.NoError(t, repo.SetStatus(ctx, "alice", "away"))

		rec, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "away", rec.Status)
		assert.True(t, rec.Online)
	})

	t.Run("heartbeat keeps peer alive", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.SetOnline(ctx, "alice", "online"))

		advance(ttl / 2)
		require.NoError(t, repo.Touch(ctx, "alice"))
		advance(ttl / 2)
		advance(ttl / 4)

		rec, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, rec.Online)

		advance(ttl)
		rec, err = repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, rec.Online)
	})
}
