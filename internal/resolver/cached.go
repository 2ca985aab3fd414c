package resolver

import (
	"context"
	"net/netip"
	"time"

	"github.com/AtDexters-Lab/sni6-proxy/internal/iface"
	"github.com/patrickmn/go-cache"
)

// Cached memoises successful lookups of an inner resolver for a fixed TTL.
// Failures are never cached.
type Cached struct {
	inner iface.Resolver
	cache *cache.Cache
}

// NewCached wraps inner with a cache whose entries expire after ttl.
func NewCached(inner iface.Resolver, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

// LookupNetIP returns the cached addresses for host or asks the inner resolver.
func (c *Cached) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if cached, found := c.cache.Get(host); found {
		return cached.([]netip.Addr), nil
	}
	addrs, err := c.inner.LookupNetIP(ctx, host)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(host, addrs)
	return addrs, nil
}

// Len reports the number of live cache entries.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}
