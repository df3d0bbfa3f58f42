package repo

import (
	"context"
	"errors"

	"github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "amarket/internal/cache"
	"amarket/pkg/marketdata"
)

// cachedRegistry serves instrument lookups cache-aside. Writes pass through
// to the inner service, which owns invalidation.
type cachedRegistry struct {
	marketdata.Registry
	cache cache.Cache
	ttl   cachekeys.TTLSet
}

func newCachedRegistry(inner marketdata.Registry, c cache.Cache, ttl cachekeys.TTLSet) marketdata.Registry {
	return &cachedRegistry{Registry: inner, cache: c, ttl: ttl}
}

func (r *cachedRegistry) Get(ctx context.Context, code string) (marketdata.Instrument, error) {
	key := cachekeys.InstrumentKey(code)
	var cached marketdata.Instrument
	if getCache(ctx, r.cache, key, &cached) {
		return cached, nil
	}
	inst, err := r.Registry.Get(ctx, code)
	if err != nil {
		return marketdata.Instrument{}, err
	}
	setCache(ctx, r.cache, key, cachekeys.InstrumentTTL(r.ttl), inst)
	return inst, nil
}

func (r *cachedRegistry) Exists(ctx context.Context, code string) (bool, error) {
	_, err := r.Get(ctx, code)
	if errors.Is(err, marketdata.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
