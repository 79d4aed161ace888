package gateway

import (
	"sync"

	"github.com/hongzhonglu/vivarium/internal/envelope"
)

// Cache holds the last decoded envelope per topic, used to answer
// late-joining websocket clients asking for an initial snapshot. Entries are
// stored blob-stripped so large buffers are not retained.
//
// Thread-safety: the dispatcher writes, websocket sessions read.
type Cache struct {
	mu   sync.RWMutex
	last map[string]envelope.Message
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{last: make(map[string]envelope.Message)}
}

// Set records msg as the most recent envelope on topic.
func (c *Cache) Set(topic string, msg envelope.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[topic] = msg
}

// Get returns the most recent envelope on topic, or nil.
func (c *Cache) Get(topic string) envelope.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last[topic]
}

// Snapshot returns a copy of the whole topic → last-envelope map.
func (c *Cache) Snapshot() map[string]envelope.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]envelope.Message, len(c.last))
	for topic, msg := range c.last {
		out[topic] = msg
	}
	return out
}
