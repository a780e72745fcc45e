package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/lza051119/chat8/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddStoreCheck probes the message store with an empty conversation query.
func (h *HealthChecker) AddStoreCheck(repo ports.MessageRepository, interval, timeout time.Duration) {
	h.AddCheck("message_store", func(ctx context.Context) error {
		_, err := repo.QueryMessages(ctx, "__health__", "__health__", 1, 0)
		return err
	}, interval, timeout)
}

// AddSignalingCheck reports unhealthy while the signaling channel is not open.
func (h *HealthChecker) AddSignalingCheck(ch ports.SignalingChannel, interval time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) error {
		if state := ch.State(); state != ports.ChannelOpen {
			return fmt.Errorf("signaling channel %s", state)
		}
		return nil
	}, interval, time.Second)
}
