package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes a session only if this instance still owns it, so a
// late disconnect cannot evict the user's newer connection elsewhere.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// SessionRegistry records which relay instance holds each user's signaling
// connection. Entries expire after ttl unless KeepAlive refreshes them, so a
// crashed instance stops attracting forwarded frames.
type SessionRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	prefix     string
	logger     *zap.SugaredLogger

	mu    sync.Mutex
	local map[domain.PeerID]struct{}
}

func NewSessionRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *SessionRegistry {
	return &SessionRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		prefix:     keyNamespace + ":session:",
		logger:     logger,
		local:      make(map[domain.PeerID]struct{}),
	}
}

func (r *SessionRegistry) sessionKey(peer domain.PeerID) string {
	return r.prefix + string(peer)
}

// InstanceID is the id this registry binds sessions under.
func (r *SessionRegistry) InstanceID() string {
	return r.instanceID
}

// Bind claims peer for this instance, replacing any previous owner.
func (r *SessionRegistry) Bind(ctx context.Context, peer domain.PeerID) error {
	if err := r.client.Set(ctx, r.sessionKey(peer), r.instanceID, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to bind session: %w", err)
	}
	r.mu.Lock()
	r.local[peer] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *SessionRegistry) Release(ctx context.Context, peer domain.PeerID) error {
	r.mu.Lock()
	delete(r.local, peer)
	r.mu.Unlock()

	if err := r.client.Eval(ctx, releaseScript, []string{r.sessionKey(peer)}, r.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}
	return nil
}

// Lookup returns the instance holding peer, or domain.ErrPeerOffline.
func (r *SessionRegistry) Lookup(ctx context.Context, peer domain.PeerID) (string, error) {
	instance, err := r.client.Get(ctx, r.sessionKey(peer)).Result()
	if err == redis.Nil {
		return "", domain.ErrPeerOffline
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session: %w", err)
	}
	return instance, nil
}

// KeepAlive refreshes the TTL of every locally bound session until ctx ends.
func (r *SessionRegistry) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *SessionRegistry) refresh(ctx context.Context) {
	r.mu.Lock()
	peers := make([]domain.PeerID, 0, len(r.local))
	for peer := range r.local {
		peers = append(peers, peer)
	}
	r.mu.Unlock()
	if len(peers) == 0 {
		return
	}

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, peer := range peers {
			pipe.SetXX(ctx, r.sessionKey(peer), r.instanceID, r.ttl)
		}
		return nil
	})
	if err != nil {
		r.logger.Warnw("failed to refresh sessions", "count", len(peers), "error", err)
	}
}
