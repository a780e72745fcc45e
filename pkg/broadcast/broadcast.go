// Package broadcast fans values out to subscriber channels.
package broadcast

import (
	"sync"
)

type subscriber[T any] struct {
	ch       chan T
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscriber[T]) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Broadcaster delivers published values to every current subscriber.
// Subscriber channels are closed on cancel or Close, so consumers may range over them.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscriber[T]]struct{}
	buffer int
	closed bool
}

func New[T any](buffer int) *Broadcaster[T] {
	return &Broadcaster[T]{
		subs:   make(map[*subscriber[T]]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes the channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		ch:   make(chan T, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		s.stop()
		b.mu.Lock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Publish hands v to each subscriber, waiting for room in full buffers.
// A subscriber that cancels while Publish waits is skipped.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.ch <- v:
		case <-s.done:
		}
	}
}

// TryPublish hands v to each subscriber with room and returns how many were skipped.
func (b *Broadcaster[T]) TryPublish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for s := range b.subs {
		select {
		case s.ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.RLock()
	for s := range b.subs {
		s.stop()
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
