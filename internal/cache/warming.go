package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/relieflink-refdata/internal/observability"
)

// WarmTarget is one resource to prefetch at startup. The service supplies Fetch
// so this package does not depend on it.
type WarmTarget struct {
	Name  string
	Fetch func(ctx context.Context) error
}

// CacheWarmer prefetches resources so the first user request is a cache hit.
type CacheWarmer struct {
	logger *zap.Logger
	limit  int
}

// NewCacheWarmer creates a CacheWarmer. limit bounds concurrent fetches; <= 0 means unbounded.
func NewCacheWarmer(logger *zap.Logger, limit int) *CacheWarmer {
	return &CacheWarmer{logger: logger, limit: limit}
}

// Warm fetches every target concurrently. A failing target does not cancel the others;
// all failures are joined into the returned error.
func (w *CacheWarmer) Warm(ctx context.Context, targets []WarmTarget) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("resources", len(targets)))
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if w.limit > 0 {
		g.SetLimit(w.limit)
	}
	for _, t := range targets {
		g.Go(func() error {
			if err := t.Fetch(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", t.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("resources", len(targets)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}
