// Package idempotency provides the per-process turn deduplication
// cache. A turn key is acquired before processing; a second acquisition
// of the same key is a duplicate delivery and is skipped. The cache is
// bounded and evicts in insertion order, so very old keys can recur;
// the deterministic key composition makes that harmless in practice
// because a re-delivered turn arrives close to its original.
package idempotency

import (
	"container/list"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultCapacity bounds the number of remembered turn keys.
const DefaultCapacity = 512

// Cache remembers recently processed turn keys. Safe for concurrent use;
// exactly one caller wins a concurrent Acquire of the same key.
type Cache struct {
	logger zerolog.Logger

	mu       sync.Mutex
	capacity int
	order    *list.List // insertion order, front is oldest
	items    map[string]*list.Element
}

// New creates a cache. A non-positive capacity falls back to
// DefaultCapacity.
func New(capacity int, logger zerolog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		logger:   logger,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Acquire registers a turn key. It returns false when the key was
// already registered, meaning the turn is a duplicate and must be
// skipped.
func (c *Cache) Acquire(chatID, key string) bool {
	composite := chatID + "|" + key

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[composite]; ok {
		c.logger.Debug().
			Str("chat_id", chatID).
			Str("turn_key", key).
			Msg("Duplicate turn skipped")
		return false
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(string))
	}

	c.items[composite] = c.order.PushBack(composite)
	return true
}

// Release withdraws a registration after a failed or cancelled attempt,
// so a retry of the same turn is not treated as a duplicate.
func (c *Cache) Release(chatID, key string) {
	composite := chatID + "|" + key

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[composite]; ok {
		c.order.Remove(el)
		delete(c.items, composite)
	}
}

// Len reports the number of registered keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
