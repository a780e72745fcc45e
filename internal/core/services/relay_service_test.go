package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/internal/infrastructure/repositories/memory"
	apperrors "github.com/lza051119/chat8/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPusher struct {
	mu     sync.Mutex
	online map[domain.PeerID]bool
	pushed []*domain.MessageRecord
}

func (p *recordingPusher) Push(peer domain.PeerID, msg *domain.MessageRecord) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[peer] {
		return false
	}
	p.pushed = append(p.pushed, msg)
	return true
}

func newTestRelayService(t *testing.T) *RelayService {
	t.Helper()
	return NewRelayService(memory.NewMessageRepository(), memory.NewPresenceRepository(time.Minute), zaptest.NewLogger(t).Sugar())
}

func TestRelayService_StoresUntilRecipientConnects(t *testing.T) {
	ctx := context.Background()
	svc := newTestRelayService(t)

	rec, err := svc.SendMessage(ctx, "alice", ports.RelaySendRequest{To: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.MethodRelay, rec.Method)
	assert.Equal(t, domain.MessageTypeText, rec.MessageType)
	assert.False(t, rec.Delivered)

	backlog, err := svc.Connected(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, rec.ID, backlog[0].ID)
	assert.True(t, backlog[0].Delivered)

	backlog, err = svc.Connected(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, backlog)

	status, err := svc.UserStatus(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, status.Online)

	require.NoError(t, svc.Disconnected(ctx, "bob"))
	status, err = svc.UserStatus(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, status.Online)
}

func TestRelayService_PushesToConnectedRecipient(t *testing.T) {
	ctx := context.Background()
	svc := newTestRelayService(t)
	pusher := &recordingPusher{online: map[domain.PeerID]bool{"bob": true}}
	svc.SetPusher(pusher)

	rec, err := svc.SendMessage(ctx, "alice", ports.RelaySendRequest{To: "bob", Content: "hi", Method: domain.MethodDirect})
	require.NoError(t, err)
	assert.True(t, rec.Delivered)
	assert.Equal(t, domain.MethodDirect, rec.Method)
	require.Len(t, pusher.pushed, 1)

	backlog, err := svc.Connected(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestRelayService_DeleteRequiresParticipant(t *testing.T) {
	ctx := context.Background()
	svc := newTestRelayService(t)

	rec, err := svc.SendMessage(ctx, "alice", ports.RelaySendRequest{To: "bob", Content: "hi"})
	require.NoError(t, err)

	err = svc.DeleteMessage(ctx, "carol", rec.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	require.NoError(t, svc.DeleteMessage(ctx, "bob", rec.ID))

	err = svc.DeleteMessage(ctx, "alice", rec.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestRelayService_HistoryHidesExpired(t *testing.T) {
	ctx := context.Background()
	svc := newTestRelayService(t)
	clock := newFakeClock()
	svc.now = clock.Now

	_, err := svc.SendMessage(ctx, "alice", ports.RelaySendRequest{To: "bob", Content: "keep"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, "alice", ports.RelaySendRequest{To: "bob", Content: "burn", DestroyAfter: 5})
	require.NoError(t, err)

	history, err := svc.History(ctx, "bob", "alice", 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	clock.Advance(10 * time.Second)
	history, err = svc.History(ctx, "bob", "alice", 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "keep", history[0].Content)
}

func TestRelayService_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestRelayService(t)

	_, err := svc.SendMessage(ctx, "alice", ports.RelaySendRequest{To: "bob", Content: ""})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = svc.SendMessage(ctx, "alice", ports.RelaySendRequest{To: "bob", Content: "x", DestroyAfter: -1})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = svc.History(ctx, "alice", "bob", 1, 0)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	err = svc.SetPresence(ctx, "alice", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}
