package services

import (
	"context"
	"sync"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"

	"go.uber.org/zap"
)

// Persister writes message records to the store from a bounded queue drained
// by a single worker, so routing never waits on storage. Failures are logged
// and not retried.
type Persister struct {
	repo         ports.MessageRepository
	queue        chan *domain.MessageRecord
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

func NewPersister(repo ports.MessageRepository, queueSize int, writeTimeout time.Duration, logger *zap.SugaredLogger) *Persister {
	p := &Persister{
		repo:         repo,
		queue:        make(chan *domain.MessageRecord, queueSize),
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}

	go p.run()

	return p
}

// Enqueue schedules msg for storage. It reports false when the queue is full
// or the persister is stopped; the record is then dropped.
func (p *Persister) Enqueue(msg *domain.MessageRecord) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}

	select {
	case p.queue <- msg:
		return true
	default:
		p.logger.Warnw("Persistence queue full, dropping record",
			"message_id", msg.ID,
			"queue_size", cap(p.queue),
		)
		return false
	}
}

// Pending returns the number of queued records.
func (p *Persister) Pending() int {
	return len(p.queue)
}

func (p *Persister) run() {
	defer close(p.done)

	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
		if err := p.repo.AddMessage(ctx, msg); err != nil {
			p.logger.Errorw("Failed to persist message",
				"message_id", msg.ID,
				"peer_id", msg.To,
				"method", msg.Method,
				"error", err,
			)
		}
		cancel()
	}
}

// Stop drains the queue and waits for the worker, or for ctx.
func (p *Persister) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
