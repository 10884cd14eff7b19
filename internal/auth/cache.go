package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL cache of authenticated principals keyed by token.
//
// Stale-while-revalidate: an expired entry is still returned, and exactly
// one caller is told to refresh it in the background. Requests only block
// on the store and bcrypt for a token's first use.
type Cache struct {
	entries sync.Map // map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Lookup is the result of a cache read.
type Lookup struct {
	Principal    *Principal
	Hit          bool // fresh or stale value found
	NeedsRefresh bool // caller won the right to refresh this entry
}

func (c *Cache) Get(token string) Lookup {
	val, ok := c.entries.Load(token)
	if !ok {
		return Lookup{}
	}
	e := val.(*cacheEntry)
	if c.now().Before(e.expiresAt) {
		return Lookup{Principal: e.principal, Hit: true}
	}
	return Lookup{
		Principal:    e.principal,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

func (c *Cache) Set(token string, p *Principal) {
	c.entries.Store(token, &cacheEntry{principal: p, expiresAt: c.now().Add(c.ttl)})
}

func (c *Cache) Delete(token string) {
	c.entries.Delete(token)
}
