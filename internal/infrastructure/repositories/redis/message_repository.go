package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// MessageRepository keeps each message as JSON under its own key, with
// sorted-set indexes scored by unix milliseconds. Equal scores fall back to
// lexical member order, which matches ordering by ID.
type MessageRepository struct {
	client *redis.Client
	ns     string
}

var (
	_ ports.MessageRepository    = (*MessageRepository)(nil)
	_ ports.ExpiredMessagePurger = (*MessageRepository)(nil)
)

func NewMessageRepository(client *redis.Client) *MessageRepository {
	return &MessageRepository{client: client, ns: keyNamespace}
}

func (r *MessageRepository) messageKey(id string) string {
	return r.ns + ":message:" + id
}

// conversationKey is the same for both directions of a pair.
func (r *MessageRepository) conversationKey(a, b domain.PeerID) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s:conversation:%s|%s", r.ns, a, b)
}

func (r *MessageRepository) undeliveredKey(to domain.PeerID) string {
	return r.ns + ":undelivered:" + string(to)
}

func (r *MessageRepository) expiryKey() string {
	return r.ns + ":message:expiry"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (r *MessageRepository) AddMessage(ctx context.Context, msg *domain.MessageRecord) error {
	ctx, span := tracing.TraceStore(ctx, "add_message", "redis")
	defer span.End()

	if err := r.write(ctx, msg); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (r *MessageRepository) write(ctx context.Context, msg *domain.MessageRecord) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.messageKey(msg.ID), data, 0)
		pipe.ZAdd(ctx, r.conversationKey(msg.From, msg.To), redis.Z{Score: score(msg.Timestamp), Member: msg.ID})
		if msg.Delivered {
			pipe.ZRem(ctx, r.undeliveredKey(msg.To), msg.ID)
		} else {
			pipe.ZAdd(ctx, r.undeliveredKey(msg.To), redis.Z{Score: score(msg.Timestamp), Member: msg.ID})
		}
		if msg.DestroyAfter != nil {
			pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: score(*msg.DestroyAfter), Member: msg.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store message in Redis: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*domain.MessageRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "get_message", "redis")
	defer span.End()

	return r.get(ctx, id)
}

func (r *MessageRepository) get(ctx context.Context, id string) (*domain.MessageRecord, error) {
	data, err := r.client.Get(ctx, r.messageKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message from Redis: %w", err)
	}

	var msg domain.MessageRecord
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func (r *MessageRepository) QueryMessages(ctx context.Context, owner, peer domain.PeerID, limit, offset int) ([]*domain.MessageRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "query_messages", "redis")
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, r.conversationKey(owner, peer), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation index: %w", err)
	}
	msgs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// load fetches messages in index order, skipping ids whose body is gone.
func (r *MessageRepository) load(ctx context.Context, ids []string) ([]*domain.MessageRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.messageKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages from Redis: %w", err)
	}

	out := make([]*domain.MessageRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var msg domain.MessageRecord
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, id string) error {
	return r.update(ctx, "mark_read", id, func(m *domain.MessageRecord) { m.Read = true })
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) error {
	return r.update(ctx, "mark_delivered", id, func(m *domain.MessageRecord) { m.Delivered = true })
}

func (r *MessageRepository) update(ctx context.Context, op, id string, fn func(*domain.MessageRecord)) error {
	ctx, span := tracing.TraceStore(ctx, op, "redis")
	defer span.End()

	msg, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	fn(msg)
	return r.write(ctx, msg)
}

func (r *MessageRepository) DeleteMessage(ctx context.Context, id string) error {
	ctx, span := tracing.TraceStore(ctx, "delete_message", "redis")
	defer span.End()

	msg, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	return r.remove(ctx, msg)
}

func (r *MessageRepository) remove(ctx context.Context, msg *domain.MessageRecord) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.messageKey(msg.ID))
		pipe.ZRem(ctx, r.conversationKey(msg.From, msg.To), msg.ID)
		pipe.ZRem(ctx, r.undeliveredKey(msg.To), msg.ID)
		pipe.ZRem(ctx, r.expiryKey(), msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from Redis: %w", err)
	}
	return nil
}

func (r *MessageRepository) Undelivered(ctx context.Context, to domain.PeerID) ([]*domain.MessageRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "undelivered", "redis")
	defer span.End()

	ids, err := r.client.ZRange(ctx, r.undeliveredKey(to), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read undelivered index: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *MessageRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracing.TraceStore(ctx, "purge_expired", "redis")
	defer span.End()

	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read expiry index: %w", err)
	}

	purged := 0
	for _, id := range ids {
		msg, err := r.get(ctx, id)
		if err == domain.ErrMessageNotFound {
			r.client.ZRem(ctx, r.expiryKey(), id)
			continue
		}
		if err != nil {
			return purged, err
		}
		if err := r.remove(ctx, msg); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
