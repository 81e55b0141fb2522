// ABOUTME: Thread-safe TTL cache of client message ids, scoped per user
// ABOUTME: Lets a reconnecting client resend a message without it running twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	claimed time.Time
}

// Cache remembers claimed keys for a TTL, bounded to maxSize entries.
// When full, the least recently claimed key is evicted first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // *entry values, oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl >= time.Minute {
		return time.Minute
	}
	return ttl
}

// Key joins a scope (normally the user id) and a client id into a cache key.
func Key(scope, id string) string {
	return scope + "\x00" + id
}

// Claim records key and reports whether it was new. A second Claim of the
// same key within the TTL returns false. An expired key can be claimed again.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		if now.Sub(e.claimed) < c.ttl {
			return false
		}
		e.claimed = now
		c.order.MoveToBack(elem)
		return true
	}

	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, claimed: now})
	return true
}

// Release forgets key so it can be claimed again immediately. Used when a
// claimed message was rejected before doing any work.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*entry)
	delete(c.entries, e.key)
}

// sweep drops expired keys. Claims are appended in time order, so it stops
// at the first live entry.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if now.Sub(elem.Value.(*entry).claimed) < c.ttl {
			break
		}
		c.removeLocked(elem)
		removed++
	}
	return removed
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
