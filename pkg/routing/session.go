package routing

import (
	"sort"
	"sync"
	"time"
)

const (
	sessionSweepInterval = 100
	sessionHardCap       = 1000
	sessionTrimTo        = 800
)

type sessionEntry struct {
	model string
	at    time.Time
}

// SessionCache pins a conversation to its last-routed model for the TTL.
// Writes trigger a sweep roughly every hundred entries; a hard cap trims
// oldest-first.
type SessionCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]sessionEntry
	writes  int
	now     func() time.Time
}

// NewSessionCache builds the cache with the given TTL in seconds.
func NewSessionCache(ttlSeconds int) *SessionCache {
	if ttlSeconds <= 0 {
		ttlSeconds = 1800
	}
	return &SessionCache{
		ttl:     time.Duration(ttlSeconds) * time.Second,
		entries: make(map[string]sessionEntry),
		now:     time.Now,
	}
}

// Get returns the cached model when the entry is fresh.
func (c *SessionCache) Get(conversationID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[conversationID]
	if !ok || c.now().Sub(e.at) >= c.ttl {
		return "", false
	}
	return e.model, true
}

// Put records the routed model for a conversation.
func (c *SessionCache) Put(conversationID, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[conversationID] = sessionEntry{model: model, at: c.now()}
	c.writes++
	if c.writes%sessionSweepInterval == 0 {
		c.sweepLocked()
	}
	if len(c.entries) > sessionHardCap {
		c.trimLocked()
	}
}

// Len reports the current entry count.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *SessionCache) sweepLocked() {
	now := c.now()
	for id, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			delete(c.entries, id)
		}
	}
}

// trimLocked drops oldest-by-timestamp entries until the cache is back
// at the trim mark.
func (c *SessionCache) trimLocked() {
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, aged{id: id, at: e.at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for _, a := range all {
		if len(c.entries) <= sessionTrimTo {
			break
		}
		delete(c.entries, a.id)
	}
}
