package session

import (
	"sync"
	"time"

	"github.com/PabloGalante/callcore/internal/domain"
)

type localEntry struct {
	sess      *domain.CallSession
	expiresAt time.Time
}

// localCache is the process-local tier. It stores clones so callers can
// never mutate a cached session in place.
type localCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]localEntry
	now     func() time.Time
}

func newLocalCache(ttl time.Duration, now func() time.Time) *localCache {
	return &localCache{
		ttl:     ttl,
		entries: make(map[Key]localEntry),
		now:     now,
	}
}

func (c *localCache) get(k Key) (*domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, k)
		return nil, false
	}
	return e.sess.Clone(), true
}

func (c *localCache) put(k Key, s *domain.CallSession) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = localEntry{sess: s.Clone(), expiresAt: c.now().Add(c.ttl)}
	if len(c.entries)%256 == 0 {
		c.sweepLocked()
	}
}

func (c *localCache) delete(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

func (c *localCache) sweepLocked() {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// breaker keeps the shared cache out of the path for a cooldown after a
// failure, so an outage costs one slow call instead of one per turn.
type breaker struct {
	mu        sync.Mutex
	cooldown  time.Duration
	openUntil time.Time
	now       func() time.Time
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

func (b *breaker) trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openUntil = b.now().Add(b.cooldown)
}
