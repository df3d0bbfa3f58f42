package svc

import (
	"log"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	"github.com/zeromicro/go-zero/core/syncx"

	cachekeys "amarket/internal/cache"
	"amarket/internal/config"
	"amarket/internal/ingest"
	"amarket/internal/persistence/bars"
	"amarket/internal/persistence/registry"
	"amarket/internal/persistence/ticks"
	"amarket/internal/repo"
)

// ServiceContext holds the wired storage stack. Construction is fail-fast:
// a bad DSN or redis config is a deployment error, not a runtime condition.
type ServiceContext struct {
	Config config.Config

	DBConn sqlx.SqlConn
	Cache  cache.Cache
	TTL    cachekeys.TTLSet

	// Raw stores, uncached. Write paths go through these.
	Registry *registry.Service
	Bars     *bars.Service
	Ticks    *ticks.Service

	// Repo layers cache-aside reads over the raw stores.
	Repo *repo.Set

	// Ingest drives batch writes; nil until a source is attached.
	Ingest *ingest.Coordinator
}

func NewServiceContext(c config.Config) *ServiceContext {
	if c.Postgres.DSN == "" {
		log.Fatal("postgres dsn is required")
	}

	svc := &ServiceContext{
		Config: c,
		TTL:    cachekeys.NewTTLSet(c.TTL),
	}

	svc.DBConn = sqlx.NewSqlConn("pgx", c.Postgres.DSN)

	// Redis is optional; without it reads go straight to Postgres.
	if c.Redis.Host != "" {
		rds := redis.MustNewRedis(c.Redis)
		svc.Cache = cache.NewNode(rds, syncx.NewSingleFlight(), cache.NewStat(cachekeys.Namespace), sqlx.ErrNotFound)
	}

	svc.Registry = registry.NewService(registry.Config{
		SQLConn:       svc.DBConn,
		Cache:         svc.Cache,
		TTL:           svc.TTL,
		Policy:        c.Policy(),
		LockTimeoutMs: c.Ingest.LockTimeoutMs,
	})
	svc.Bars = bars.NewService(bars.Config{
		SQLConn:       svc.DBConn,
		Registry:      svc.Registry,
		Cache:         svc.Cache,
		TTL:           svc.TTL,
		LockTimeoutMs: c.Ingest.LockTimeoutMs,
		ChunkSize:     c.Ingest.ChunkSize,
	})
	svc.Ticks = ticks.NewService(ticks.Config{
		SQLConn:       svc.DBConn,
		Registry:      svc.Registry,
		LockTimeoutMs: c.Ingest.LockTimeoutMs,
		ChunkSize:     c.Ingest.ChunkSize,
	})

	set, err := repo.New(repo.Dependencies{
		Registry: svc.Registry,
		Bars:     svc.Bars,
		Ticks:    svc.Ticks,
		Cache:    svc.Cache,
		TTL:      svc.TTL,
	})
	if err != nil {
		log.Fatalf("failed to build repo set: %v", err)
	}
	svc.Repo = set

	svc.Ingest = ingest.NewCoordinator(ingest.Config{
		Registry:   svc.Registry,
		Bars:       svc.Bars,
		Ticks:      svc.Ticks,
		MaxRetries: c.Ingest.MaxRetries,
		JournalDir: c.Ingest.JournalDir,
	})
	return svc
}

// AttachSource rebuilds the coordinator around an upstream source. Called by
// entrypoints that actually pull data; the storage stack is unaffected.
func (s *ServiceContext) AttachSource(src ingest.Source) {
	s.Ingest = ingest.NewCoordinator(ingest.Config{
		Registry:   s.Registry,
		Bars:       s.Bars,
		Ticks:      s.Ticks,
		Source:     src,
		MaxRetries: s.Config.Ingest.MaxRetries,
		JournalDir: s.Config.Ingest.JournalDir,
	})
}
