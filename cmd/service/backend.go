package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/relieflink-refdata/internal/cache"
	"github.com/kjstillabower/relieflink-refdata/internal/config"
	"github.com/kjstillabower/relieflink-refdata/internal/models"
)

// cacheBackend is the snapshot store selected by cache.backend. For in_memory the
// typed caches are nil and the service builds its own; ping and close are nil too.
type cacheBackend struct {
	sites     cache.Cache[[]models.ReferenceSite]
	incidents cache.Cache[[]models.Incident]
	ping      func() error
	close     func() error
}

func openCacheBackend(cfg *config.Config, logger *zap.Logger) (cacheBackend, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedClient(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		sites := cache.NewMemcachedCache[[]models.ReferenceSite](mc, cfg.StaleRetention)
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return cacheBackend{
			sites:     sites,
			incidents: cache.NewMemcachedCache[[]models.Incident](mc, cfg.StaleRetention),
			ping:      sites.Ping,
			close:     mc.Close,
		}, nil
	case "sqlite":
		store, err := cache.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return cacheBackend{}, fmt.Errorf("sqlite cache %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("cache backend: sqlite", zap.String("path", cfg.SQLitePath))
		return cacheBackend{
			sites:     cache.NewSQLiteCache[[]models.ReferenceSite](store),
			incidents: cache.NewSQLiteCache[[]models.Incident](store),
			ping:      store.Ping,
			close:     store.Close,
		}, nil
	case "in_memory", "":
		logger.Info("cache backend: in_memory")
		return cacheBackend{}, nil
	default:
		return cacheBackend{}, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
