package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	negativeTTL     = 5 * time.Second
	pruneAt         = 256
	maxCacheEntries = 4096
)

// KeyFunc picks the credential a cached validator is keyed on. An empty key
// bypasses the cache.
type KeyFunc func(req *UpgradeRequest) string

// CookieKey keys on the named cookie.
func CookieKey(name string) KeyFunc {
	return func(req *UpgradeRequest) string {
		v, _ := req.Cookie(name)
		return v
	}
}

// BearerKey keys on the bearer credential.
func BearerKey(req *UpgradeRequest) string {
	return bearerToken(req)
}

// CachedValidator remembers the outcome of an inner validator per credential,
// so a page opening many log streams does not hit the store for each one.
// Rejections are cached briefly to avoid hammering.
type CachedValidator struct {
	inner Validator
	key   KeyFunc
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	id        *Identity
	err       error
	fetchedAt time.Time
}

// Cached wraps v with a TTL cache. A ttl of zero returns v unchanged.
func Cached(v Validator, key KeyFunc, ttl time.Duration) Validator {
	if ttl <= 0 {
		return v
	}
	return &CachedValidator{
		inner:   v,
		key:     key,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *CachedValidator) Validate(ctx context.Context, req *UpgradeRequest) (*Identity, error) {
	k := c.key(req)
	if k == "" {
		return c.inner.Validate(ctx, req)
	}

	now := c.now()
	c.mu.Lock()
	entry := c.entries[k]
	c.mu.Unlock()

	if entry != nil {
		if now.Sub(entry.fetchedAt) < c.lifetime(entry) {
			if entry.id == nil {
				return nil, entry.err
			}
			id := *entry.id
			return &id, nil
		}
	}

	id, err := c.inner.Validate(ctx, req)
	if errors.Is(err, ErrNoCredentials) || ctx.Err() != nil {
		return id, err
	}

	e := &cacheEntry{fetchedAt: now, err: err}
	if err == nil && id.Complete() {
		cp := *id
		e.id = &cp
	} else if err == nil {
		e.err = errors.New("incomplete identity")
	}

	c.mu.Lock()
	c.entries[k] = e
	c.pruneLocked(now)
	c.mu.Unlock()

	return id, err
}

// pruneLocked drops expired entries once the map passes pruneAt, judging
// rejections by the shorter negative lifetime. If everything is still live it
// evicts rejections, then arbitrary entries, down to maxCacheEntries.
func (c *CachedValidator) pruneLocked(now time.Time) {
	if len(c.entries) < pruneAt {
		return
	}
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.lifetime(e) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= maxCacheEntries {
		return
	}
	for k, e := range c.entries {
		if e.id == nil {
			delete(c.entries, k)
		}
	}
	for k := range c.entries {
		if len(c.entries) <= maxCacheEntries {
			break
		}
		delete(c.entries, k)
	}
}

func (c *CachedValidator) lifetime(e *cacheEntry) time.Duration {
	if e.id == nil {
		return min(c.ttl, negativeTTL)
	}
	return c.ttl
}

// Len returns the number of cached credentials.
func (c *CachedValidator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
