package dns

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/croxy/tollgate/internal/datastruct"
	"github.com/croxy/tollgate/internal/logging"
)

var _ Resolver = (*CacheResolver)(nil)

// CacheResolver decorates another resolver with a TTL cache keyed by
// domain. Entries live for the TTL reported by the inner resolver,
// capped so a huge TTL cannot pin a stale record forever.
type CacheResolver struct {
	logger zerolog.Logger

	cache *datastruct.TTLCache[RecordSet]
	next  Resolver
}

const (
	// A zero-expiry cache entry would never be evicted, so record TTLs
	// are clamped into this range.
	minCacheTTL = 30 * time.Second
	maxCacheTTL = 10 * time.Minute
)

func NewCacheResolver(
	logger zerolog.Logger,
	cache *datastruct.TTLCache[RecordSet],
	next Resolver,
) *CacheResolver {
	return &CacheResolver{
		logger: logger,
		cache:  cache,
		next:   next,
	}
}

func (cr *CacheResolver) Info() string {
	return cr.next.Info() + "; cached"
}

func (cr *CacheResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	logger := logging.WithLocalScope(ctx, cr.logger, "dns_cache")

	if rSet, ok := cr.cache.Get(domain); ok {
		logger.Trace().Msg("hit")
		return rSet, nil
	}

	rSet, err := cr.next.Resolve(ctx, domain)
	if err != nil {
		return RecordSet{}, err
	}

	ttl := time.Duration(rSet.TTL()) * time.Second
	ttl = min(max(ttl, minCacheTTL), maxCacheTTL)
	cr.cache.Set(domain, rSet, ttl)

	logger.Trace().
		Int("len", rSet.Count()).
		Dur("ttl", ttl).
		Msg("set")

	return rSet, nil
}
