// ABOUTME: TTL + size-bounded cache deduplicating inbound channel messages
// ABOUTME: Keyed by (channel, platform message id); atomic check-and-mark

// Package dedupe suppresses redelivered inbound messages. Channel platforms
// redeliver on reconnect and webhook retry, so the dispatcher drops any
// message whose (channel, message id) pair was seen within the TTL.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	expires time.Time
	elem    *list.Element
}

// Cache is a thread-safe TTL cache bounded in size. Insertion order is kept
// in a list so capacity eviction is O(1).
type Cache struct {
	mu     sync.Mutex
	seen   map[string]*entry
	order  *list.List // keys oldest-first
	ttl    time.Duration
	max    int
	done   chan struct{}
	closed bool
}

// New creates a dedupe cache and starts its background expiry sweep.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		seen:  make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		max:   maxEntries,
		done:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen atomically checks whether (channel, messageID) was already processed
// and marks it if not. Returns true for a duplicate. A single lock for check
// and mark means two concurrent deliveries of the same message cannot both
// pass.
func (c *Cache) Seen(channel, messageID string) bool {
	key := channel + "\x00" + messageID
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && now.Before(e.expires) {
		return true
	}
	c.mark(key, now)
	return false
}

// Len reports the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// mark records the key, evicting the oldest entry at capacity. Caller holds
// c.mu.
func (c *Cache) mark(key string, now time.Time) {
	if e, ok := c.seen[key]; ok {
		e.expires = now.Add(c.ttl)
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.seen) >= c.max {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}

	c.seen[key] = &entry{
		expires: now.Add(c.ttl),
		elem:    c.order.PushBack(key),
	}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired(time.Now())
		case <-c.done:
			return
		}
	}
}

// removeExpired walks the whole list: re-marks move entries to the back, so
// expiry order is only approximate.
func (c *Cache) removeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; {
		next := front.Next()
		key := front.Value.(string)
		if !now.Before(c.seen[key].expires) {
			c.order.Remove(front)
			delete(c.seen, key)
		}
		front = next
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
