package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	fieldStatus   = "status"
	fieldDirect   = "supports_direct"
	fieldLastSeen = "last_seen"
)

// PresenceRepository stores presence as a hash per peer plus an alive key
// that expires after ttl. A peer is online while its alive key exists, so
// several relay instances agree without a sweeper.
type PresenceRepository struct {
	client *redis.Client
	ns     string
	ttl    time.Duration
}

var _ ports.PresenceRepository = (*PresenceRepository)(nil)

func NewPresenceRepository(client *redis.Client, ttl time.Duration) *PresenceRepository {
	return &PresenceRepository{client: client, ns: keyNamespace, ttl: ttl}
}

func (r *PresenceRepository) recordKey(peer domain.PeerID) string {
	return r.ns + ":presence:" + string(peer)
}

func (r *PresenceRepository) aliveKey(peer domain.PeerID) string {
	return r.ns + ":presence:alive:" + string(peer)
}

func nowField() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

func (r *PresenceRepository) SetOnline(ctx context.Context, peer domain.PeerID, status string) error {
	ctx, span := tracing.TraceStore(ctx, "set_online", "redis")
	defer span.End()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.recordKey(peer), fieldStatus, status, fieldLastSeen, nowField())
		pipe.Set(ctx, r.aliveKey(peer), 1, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence online: %w", err)
	}
	return nil
}

func (r *PresenceRepository) SetOffline(ctx context.Context, peer domain.PeerID) error {
	ctx, span := tracing.TraceStore(ctx, "set_offline", "redis")
	defer span.End()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.recordKey(peer), fieldStatus, "offline", fieldLastSeen, nowField())
		pipe.Del(ctx, r.aliveKey(peer))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence offline: %w", err)
	}
	return nil
}

func (r *PresenceRepository) Touch(ctx context.Context, peer domain.PeerID) error {
	ctx, span := tracing.TraceStore(ctx, "touch", "redis")
	defer span.End()

	status, err := r.client.HGet(ctx, r.recordKey(peer), fieldStatus).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read presence: %w", err)
	}
	if status == "" || status == "offline" {
		status = "online"
	}
	return r.SetOnline(ctx, peer, status)
}

func (r *PresenceRepository) SetStatus(ctx context.Context, peer domain.PeerID, status string) error {
	ctx, span := tracing.TraceStore(ctx, "set_status", "redis")
	defer span.End()

	values := []any{fieldStatus, status}
	if status == "online" {
		values = append(values, fieldLastSeen, nowField())
	}
	if err := r.client.HSet(ctx, r.recordKey(peer), values...).Err(); err != nil {
		return fmt.Errorf("failed to set presence status: %w", err)
	}
	return nil
}

func (r *PresenceRepository) SetCapability(ctx context.Context, peer domain.PeerID, supportsDirect bool) error {
	ctx, span := tracing.TraceStore(ctx, "set_capability", "redis")
	defer span.End()

	err := r.client.HSetNX(ctx, r.recordKey(peer), fieldStatus, "offline").Err()
	if err == nil {
		err = r.client.HSet(ctx, r.recordKey(peer), fieldDirect, strconv.FormatBool(supportsDirect)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set capability: %w", err)
	}
	return nil
}

func (r *PresenceRepository) Get(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "get_presence", "redis")
	defer span.End()

	var (
		fields *redis.MapStringStringCmd
		alive  *redis.IntCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, r.recordKey(peer))
		alive = pipe.Exists(ctx, r.aliveKey(peer))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	values := fields.Val()
	if len(values) == 0 {
		return nil, domain.ErrPeerOffline
	}

	rec := &domain.PresenceRecord{
		Peer:   peer,
		Online: alive.Val() > 0,
		Status: values[fieldStatus],
	}
	rec.SupportsDirect, _ = strconv.ParseBool(values[fieldDirect])
	if ns, err := strconv.ParseInt(values[fieldLastSeen], 10, 64); err == nil {
		rec.LastSeen = time.Unix(0, ns)
	}
	return rec, nil
}

func (r *PresenceRepository) ListOnline(ctx context.Context) ([]domain.PeerID, error) {
	ctx, span := tracing.TraceStore(ctx, "list_online", "redis")
	defer span.End()

	prefix := r.aliveKey("")
	var out []domain.PeerID
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, domain.PeerID(strings.TrimPrefix(iter.Val(), prefix)))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
