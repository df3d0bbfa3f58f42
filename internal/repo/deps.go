// Package repo layers Redis cache-aside reads over the storage services.
// The persisted stores stay self-contained; caching is strictly a decorator
// and disabling it (nil cache) yields the raw services unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "amarket/internal/cache"
	"amarket/pkg/marketdata"
)

// Dependencies bundles the storage services and shared cache infrastructure.
type Dependencies struct {
	Registry marketdata.Registry
	Bars     marketdata.BarStore
	Ticks    marketdata.TickStore
	Cache    cache.Cache
	TTL      cachekeys.TTLSet
}

// Set exposes the (possibly cached) stores to application logic.
type Set struct {
	Registry marketdata.Registry
	Bars     marketdata.BarStore
	Ticks    marketdata.TickStore
}

// New constructs the repository set, validating required dependencies.
func New(deps Dependencies) (*Set, error) {
	if deps.Registry == nil || deps.Bars == nil || deps.Ticks == nil {
		return nil, errors.New("repo: missing store dependency")
	}
	set := &Set{
		Registry: deps.Registry,
		Bars:     deps.Bars,
		Ticks:    deps.Ticks,
	}
	if deps.Cache != nil {
		set.Registry = newCachedRegistry(deps.Registry, deps.Cache, deps.TTL)
		set.Bars = newCachedBars(deps.Bars, deps.Cache, deps.TTL)
	}
	return set, nil
}

// getCache loads a cached payload into v, reporting a hit.
func getCache(ctx context.Context, c cache.Cache, key string, v interface{}) bool {
	if err := c.GetCtx(ctx, key, v); err != nil {
		if !c.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("repo: get cache %s: %v", key, err)
		}
		return false
	}
	return true
}

// setCache stores v under key; a failed write only costs the next reader a
// trip to Postgres.
func setCache(ctx context.Context, c cache.Cache, key string, ttl time.Duration, v interface{}) {
	if ttl <= 0 {
		return
	}
	if err := c.SetWithExpireCtx(ctx, key, v, ttl); err != nil {
		logx.WithContext(ctx).Errorf("repo: set cache %s: %v", key, err)
	}
}
