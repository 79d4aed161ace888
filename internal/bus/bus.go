// Package bus provides the in-process publish/subscribe fan-out that bridges
// decoded broker messages to websocket sessions.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/metrics"
)

const defaultCapacity = 256

// Bus is a topic-keyed fan-out of already-serialized JSON payloads.
//
// Lifecycle:
//  1. Subscribe() creates a buffered channel registered under a topic
//  2. Publish() offers the payload to every channel on that topic
//  3. Unsubscribe() removes and closes the channel
//
// Callers must NOT close subscription channels themselves; the bus owns the
// channel lifetime. Always call Unsubscribe to clean up.
//
// Thread-safety: all methods are goroutine-safe. Subscribers receive only
// messages published after their subscription. A subscriber whose buffer is
// full has the event dropped rather than blocking the dispatcher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan []byte]struct{}
	capacity    int
	closed      bool
	logger      *zap.Logger
}

// New returns a Bus. capacity is the per-subscription buffer; values <= 0
// select the default.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		subscribers: make(map[string]map[chan []byte]struct{}),
		capacity:    capacity,
		logger:      logger,
	}
}

// Subscribe registers a new subscription for a topic and returns its channel.
func (b *Bus) Subscribe(topic string) chan []byte {
	ch := make(chan []byte, b.capacity)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	subs := b.subscribers[topic]
	if subs == nil {
		subs = make(map[chan []byte]struct{})
		b.subscribers[topic] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(topic string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	if _, exists := subs[ch]; !exists {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
	close(ch)
}

// Publish offers payload to every subscriber of topic. Slow subscribers have
// the event dropped with a warning rather than blocking the caller.
func (b *Bus) Publish(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subscribers[topic] {
		select {
		case ch <- payload:
		default:
			metrics.BusDropped.WithLabelValues(topic).Inc()
			b.logger.Warn("Dropped event - subscriber slow",
				zap.String("topic", topic),
				zap.Int("buffered", len(ch)))
		}
	}
}

// Shutdown closes every subscription and rejects further use. The context is
// accepted for symmetry with the other lifecycle methods; shutdown itself
// does not block.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
	b.logger.Info("Event bus shut down")
	return ctx.Err()
}
