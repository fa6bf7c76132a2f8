package store

import (
	"context"
	"sync"

	"github.com/tandemride/realtime/pkg/chat"
)

// CachedProfiles is a read-through cache in front of a ProfileLookup. Lookup
// misses are not cached so a profile created later still resolves.
type CachedProfiles struct {
	inner ProfileLookup

	mu    sync.RWMutex
	cache map[string]chat.Profile
}

var _ ProfileLookup = (*CachedProfiles)(nil)

func NewCachedProfiles(inner ProfileLookup) *CachedProfiles {
	return &CachedProfiles{inner: inner, cache: map[string]chat.Profile{}}
}

func (c *CachedProfiles) Lookup(ctx context.Context, userID string) (*chat.Profile, error) {
	c.mu.RLock()
	if p, ok := c.cache[userID]; ok {
		c.mu.RUnlock()
		cp := p
		return &cp, nil
	}
	c.mu.RUnlock()

	p, err := c.inner.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[userID] = *p
	c.mu.Unlock()
	return p, nil
}
