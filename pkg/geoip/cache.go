package geoip

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/bluele/gcache"
	"github.com/ngoyal88/webstat/pkg/storage"
)

// Cached is a Resolver remembering the answers of another one in an LRU
// cache.  Failed lookups aren't cached.
type Cached struct {
	resolver Resolver
	cache    gcache.Cache
}

// NewCached returns r wrapped into a cache of size entries.  size must be
// positive.
func NewCached(r Resolver, size int) (c *Cached) {
	return &Cached{
		resolver: r,
		cache:    gcache.New(size).LRU().Build(),
	}
}

// type check
var _ Resolver = (*Cached)(nil)

// Resolve implements the Resolver interface for *Cached.
func (c *Cached) Resolve(ctx context.Context, ip netip.Addr) (ctry storage.Country, err error) {
	v, err := c.cache.Get(ip)
	if err == nil {
		cacheLookups.WithLabelValues("hit").Inc()

		return v.(storage.Country), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		return storage.CountryNone, fmt.Errorf("geoip cache: %w", err)
	}

	cacheLookups.WithLabelValues("miss").Inc()

	ctry, err = c.resolver.Resolve(ctx, ip)
	if err != nil {
		resolutionErrors.Inc()

		return storage.CountryNone, err
	}

	// gcache only fails to set when a loader is configured.
	_ = c.cache.Set(ip, ctry)

	return ctry, nil
}

// Purge implements the Resolver interface for *Cached.
func (c *Cached) Purge(ctx context.Context) (err error) {
	c.cache.Purge()

	return c.resolver.Purge(ctx)
}
