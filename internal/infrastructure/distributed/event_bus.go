// Package distributed lets several relay instances behind a load balancer act
// as one signaling server, using Redis pub/sub and a shared session registry.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyNamespace = "chat8"

// EventType represents the type of event
type EventType string

const (
	EventSignal EventType = "signal.frame"
)

// Event is what travels between instances.
type Event struct {
	Type       EventType     `json:"type"`
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	To         domain.PeerID `json:"to"`
	Frame      []byte        `json:"frame,omitempty"`
}

// DeliverFunc writes a frame to a locally connected user and reports
// whether it got there.
type DeliverFunc func(peer domain.PeerID, frame []byte) bool

// EventBus forwards signaling frames to the instance holding the target
// user. Each instance listens on its own channel.
type EventBus struct {
	client   *redis.Client
	registry *SessionRegistry
	logger   *zap.SugaredLogger
	pubsub   *redis.PubSub
}

func NewEventBus(client *redis.Client, registry *SessionRegistry, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:   client,
		registry: registry,
		logger:   logger,
	}
}

func channelFor(instanceID string) string {
	return keyNamespace + ":signal:" + instanceID
}

// Forward implements signal.Forwarder.
func (eb *EventBus) Forward(ctx context.Context, to domain.PeerID, frame []byte) error {
	instance, err := eb.registry.Lookup(ctx, to)
	if err != nil {
		return err
	}
	// The hub already tried locally; a session still pointing here is stale.
	if instance == eb.registry.InstanceID() {
		return domain.ErrPeerOffline
	}

	data, err := json.Marshal(&Event{
		Type:       EventSignal,
		InstanceID: eb.registry.InstanceID(),
		Timestamp:  time.Now(),
		To:         to,
		Frame:      frame,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	receivers, err := eb.client.Publish(ctx, channelFor(instance), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if receivers == 0 {
		return domain.ErrPeerOffline
	}

	eb.logger.Debugw("forwarded frame", "to", to, "instance", instance)
	return nil
}

// Subscribe delivers frames addressed to this instance until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	if eb.pubsub != nil {
		return errors.New("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, channelFor(eb.registry.InstanceID()))
	defer eb.pubsub.Close()

	// Wait for the subscription so forwards published after return are seen.
	if _, err := eb.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.Type != EventSignal {
				continue
			}
			if !deliver(event.To, event.Frame) {
				eb.logger.Debugw("forwarded frame not delivered",
					"to", event.To,
					"from_instance", event.InstanceID,
				)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
