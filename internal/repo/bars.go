package repo

import (
	"context"

	"github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "amarket/internal/cache"
	"amarket/pkg/marketdata"
)

// cachedBars serves latest-bar lookups cache-aside; range scans always go
// to storage since pagination cursors make caching ineffective.
type cachedBars struct {
	marketdata.BarStore
	cache cache.Cache
	ttl   cachekeys.TTLSet
}

func newCachedBars(inner marketdata.BarStore, c cache.Cache, ttl cachekeys.TTLSet) marketdata.BarStore {
	return &cachedBars{BarStore: inner, cache: c, ttl: ttl}
}

func (b *cachedBars) LatestDaily(ctx context.Context, code string) (marketdata.DailyBar, error) {
	key := cachekeys.LatestBarKey(code)
	var cached marketdata.DailyBar
	if getCache(ctx, b.cache, key, &cached) {
		return cached, nil
	}
	bar, err := b.BarStore.LatestDaily(ctx, code)
	if err != nil {
		return marketdata.DailyBar{}, err
	}
	setCache(ctx, b.cache, key, cachekeys.LatestBarTTL(b.ttl), bar)
	return bar, nil
}
