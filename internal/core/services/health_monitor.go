package services

import (
	"context"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"

	"go.uber.org/zap"
)

// HealthMonitor periodically keeps the session alive and drops stale state.
type HealthMonitor struct {
	self      domain.PeerID
	signaling ports.SignalingChannel
	relay     ports.RelayAPI
	links     ports.LinkManager
	attempts  *AttemptTracker
	store     ports.MessageRepository
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
	interval  time.Duration
	now       func() time.Time
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	HeartbeatSent  bool
	LinksPruned    int
	AttemptsPurged int
	MessagesPurged int
}

func NewHealthMonitor(
	self domain.PeerID,
	signaling ports.SignalingChannel,
	relay ports.RelayAPI,
	links ports.LinkManager,
	attempts *AttemptTracker,
	store ports.MessageRepository,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	interval time.Duration,
) *HealthMonitor {
	return &HealthMonitor{
		self:      self,
		signaling: signaling,
		relay:     relay,
		links:     links,
		attempts:  attempts,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep sends a heartbeat, prunes terminal links, and purges idle attempt
// records and expired burn-after messages.
func (h *HealthMonitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := h.now()

	if h.signaling.State() == ports.ChannelOpen {
		err := h.signaling.Send(ctx, &domain.HeartbeatEvent{
			EventHeader: domain.EventHeader{From: h.self},
			Timestamp:   now,
		})
		if err != nil {
			h.logger.Warnw("Heartbeat send failed", "error", err)
		} else {
			res.HeartbeatSent = true
			h.metrics.RecordHeartbeat()
		}
	} else if h.relay != nil {
		// Keep server presence fresh over REST while the socket is down.
		if err := h.relay.Heartbeat(ctx); err != nil {
			h.logger.Debugw("Relay heartbeat failed", "error", err)
		} else {
			res.HeartbeatSent = true
			h.metrics.RecordHeartbeat()
		}
	}

	res.LinksPruned = h.links.PruneTerminal()
	res.AttemptsPurged = h.attempts.Purge()

	if purger, ok := h.store.(ports.ExpiredMessagePurger); ok {
		n, err := purger.PurgeExpired(ctx, now)
		if err != nil {
			h.logger.Warnw("Failed to purge expired messages", "error", err)
		} else {
			res.MessagesPurged = n
		}
	}

	h.logger.Debugw("Health sweep",
		"heartbeat", res.HeartbeatSent,
		"links_pruned", res.LinksPruned,
		"attempts_purged", res.AttemptsPurged,
		"messages_purged", res.MessagesPurged,
	)
	return res
}
