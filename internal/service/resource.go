package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/relieflink-refdata/internal/cache"
	"github.com/kjstillabower/relieflink-refdata/internal/circuitbreaker"
	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/observability"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

// ErrNoFallback is recorded when a resource has neither usable cache nor local file.
var ErrNoFallback = errors.New("no fallback data available")

// Result is what every accessor returns. It never carries a partial failure:
// Value is always usable (possibly empty) and Err only explains a fallback.
type Result[T any] struct {
	Value     T
	Fresh     bool
	Tier      models.Tier
	Dropped   int
	FetchedAt time.Time
	Err       error
}

// Degraded reports whether the value came from a fallback tier because the live
// path failed. Serving local data for a resource with no live URL is not degraded.
func (r Result[T]) Degraded() bool {
	if r.Fresh || r.Err == nil {
		return false
	}
	return !errors.Is(r.Err, source.ErrConfig) && !errors.Is(r.Err, source.ErrInvalidRequest)
}

// loader fetches and normalizes one snapshot. dropped counts records lost to normalization.
type loader[T any] func(ctx context.Context) (value T, dropped int, err error)

// resource owns the cache slot(s), breaker and fallback chain for one accessor.
type resource[T any] struct {
	name    string
	ttl     time.Duration
	timeout time.Duration
	cache   cache.Cache[T]
	breaker *circuitbreaker.CircuitBreaker
	local   func() (T, int, error) // nil: no local fallback
	merge   func(live, local T) T  // nil: local is only a fallback
	clock   clockwork.Clock
	logger  *zap.Logger

	coalescer *requestCoalescer[cache.Entry[T]]
	refreshes *refreshTracker

	mu          sync.Mutex
	liveErr     error // non-nil disables the live path for the process lifetime
	hasEntry    bool
	entryAt     time.Time
	degraded    bool
	lastTier    models.Tier
	lastErr     error
	lastAttempt time.Time
	lastSuccess time.Time
	lastDropped int

	localMu    sync.Mutex
	localValue *localSnapshot[T]
}

type localSnapshot[T any] struct {
	value   T
	dropped int
}

// get runs the fallback chain for key: fresh cache, live refresh, stale cache, local file, empty.
// fetch is the live loader for key; nil means the live path is disabled.
func (r *resource[T]) get(ctx context.Context, key string, force bool, fetch loader[T]) Result[T] {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = r.logger
	}

	if fetch == nil || r.disabled() != nil {
		return r.serve(logger, r.fallback(logger, nil, false, r.disabled()))
	}

	entry, ok := r.read(ctx, key, logger)
	now := r.clock.Now()
	if ok && !force && entry.Fresh(now) {
		observability.CacheHitsTotal.WithLabelValues(r.name).Inc()
		return r.serve(logger, r.withLocal(Result[T]{
			Value:     entry.Value,
			Fresh:     true,
			Tier:      models.TierCache,
			Dropped:   entry.Dropped,
			FetchedAt: entry.FetchedAt,
		}))
	}

	concurrent := r.refreshes.Begin(key)
	defer r.refreshes.End(key)
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(r.name).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(r.name).Observe(float64(concurrent))
	}

	waitStart := time.Now()
	var reused bool
	fetched, shared, err := r.coalescer.GetOrDo(ctx, key, func() (cache.Entry[T], error) {
		// A refresh for key may have finished between our read and joining the
		// coalescer; its entry is fresh and must not be fetched again.
		if !force {
			if current, ok := r.read(context.WithoutCancel(ctx), key, logger); ok && current.Fresh(r.clock.Now()) {
				reused = true
				return current, nil
			}
		}
		return r.refresh(ctx, key, fetch, logger)
	})
	observability.RequestCoalescingWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if shared {
		observability.RequestCoalescingHitsTotal.WithLabelValues(r.name).Inc()
	}
	if err == nil {
		tier := models.TierLive
		if reused {
			tier = models.TierCache
			observability.CacheHitsTotal.WithLabelValues(r.name).Inc()
		}
		return r.serve(logger, r.withLocal(Result[T]{
			Value:     fetched.Value,
			Fresh:     true,
			Tier:      tier,
			Dropped:   fetched.Dropped,
			FetchedAt: fetched.FetchedAt,
		}))
	}

	r.markFailed(err)
	return r.serve(logger, r.fallback(logger, &entry, ok, err))
}

// refresh performs one live fetch on a context detached from the caller, bounded by
// the upstream timeout, and stores the result. It is the only writer of the cache slot.
func (r *resource[T]) refresh(ctx context.Context, key string, fetch loader[T], logger *zap.Logger) (cache.Entry[T], error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	r.mu.Lock()
	r.lastAttempt = r.clock.Now()
	r.mu.Unlock()

	var (
		value   T
		dropped int
	)
	call := func() error {
		var err error
		value, dropped, err = fetch(fetchCtx)
		return err
	}
	var err error
	if r.breaker != nil {
		err = r.breaker.Call(fetchCtx, call)
	} else {
		err = call()
	}
	if err != nil {
		category := source.CategorizeError(err)
		observability.UpstreamErrorsTotal.WithLabelValues(r.name, string(category)).Inc()
		logger.Warn("upstream refresh failed",
			zap.String("resource", r.name),
			zap.String("category", string(category)),
			zap.Error(err),
		)
		if errors.Is(err, source.ErrConfig) {
			r.disable(err, logger)
		}
		return cache.Entry[T]{}, err
	}

	if dropped > 0 {
		observability.NormalizeDroppedTotal.WithLabelValues(r.name).Add(float64(dropped))
	}
	entry := cache.Entry[T]{Value: value, FetchedAt: r.clock.Now(), TTL: r.ttl, Dropped: dropped}
	r.write(fetchCtx, key, entry, logger)

	r.mu.Lock()
	r.hasEntry = true
	r.entryAt = entry.FetchedAt
	r.degraded = false
	r.lastErr = nil
	r.lastSuccess = entry.FetchedAt
	r.mu.Unlock()
	return entry, nil
}

// fallback serves the stale entry if there is one, else the local file, else empty.
func (r *resource[T]) fallback(logger *zap.Logger, entry *cache.Entry[T], haveEntry bool, cause error) Result[T] {
	if haveEntry {
		age := entry.Age(r.clock.Now())
		observability.StaleCacheServesTotal.WithLabelValues(r.name).Inc()
		observability.StaleCacheAgeSeconds.Observe(age.Seconds())
		return r.withLocal(Result[T]{
			Value:     entry.Value,
			Tier:      models.TierStale,
			Dropped:   entry.Dropped,
			FetchedAt: entry.FetchedAt,
			Err:       cause,
		})
	}

	if r.local != nil {
		value, dropped, err := r.loadLocal()
		if err == nil {
			return Result[T]{Value: value, Tier: models.TierLocal, Dropped: dropped, Err: cause}
		}
		logger.Warn("local fallback unavailable", zap.String("resource", r.name), zap.Error(err))
		cause = errors.Join(cause, err)
	}

	var zero T
	return Result[T]{Value: zero, Tier: models.TierEmpty, Err: errors.Join(cause, ErrNoFallback)}
}

// withLocal appends the local file to a live/cache/stale result for merged resources.
func (r *resource[T]) withLocal(res Result[T]) Result[T] {
	if r.merge == nil || r.local == nil {
		return res
	}
	value, dropped, err := r.loadLocal()
	if err != nil {
		return res
	}
	res.Value = r.merge(res.Value, value)
	res.Dropped += dropped
	return res
}

// loadLocal reads the bundled files once; they do not change while the process runs.
// Failures are not remembered so a file restored on disk is picked up.
func (r *resource[T]) loadLocal() (T, int, error) {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	if r.localValue != nil {
		return r.localValue.value, r.localValue.dropped, nil
	}
	value, dropped, err := r.local()
	if err != nil {
		var zero T
		return zero, 0, err
	}
	r.localValue = &localSnapshot[T]{value: value, dropped: dropped}
	return value, dropped, nil
}

func (r *resource[T]) read(ctx context.Context, key string, logger *zap.Logger) (cache.Entry[T], bool) {
	start := time.Now()
	entry, ok, err := r.cache.Get(ctx, key)
	duration := time.Since(start).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(duration)
		logger.Warn("cache get failed", zap.String("resource", r.name), zap.Error(err))
		return cache.Entry[T]{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(duration)
	if ok {
		r.mu.Lock()
		r.hasEntry = true
		if entry.FetchedAt.After(r.entryAt) {
			r.entryAt = entry.FetchedAt
		}
		r.mu.Unlock()
	}
	return entry, ok
}

// write stores entry; concurrent force refreshes resolve last-writer-wins.
func (r *resource[T]) write(ctx context.Context, key string, entry cache.Entry[T], logger *zap.Logger) {
	start := time.Now()
	if err := r.cache.Set(ctx, key, entry); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(start).Seconds())
		logger.Warn("cache set failed", zap.String("resource", r.name), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(start).Seconds())
}

func (r *resource[T]) serve(logger *zap.Logger, res Result[T]) Result[T] {
	observability.RefdataServedTotal.WithLabelValues(r.name, string(res.Tier)).Inc()

	r.mu.Lock()
	r.lastTier = res.Tier
	r.lastDropped = res.Dropped
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("resource", r.name),
		zap.String("tier", string(res.Tier)),
		zap.Bool("fresh", res.Fresh),
		zap.Int("dropped", res.Dropped),
	}
	if !res.FetchedAt.IsZero() {
		fields = append(fields, zap.Duration("age", r.clock.Since(res.FetchedAt)))
	}
	if res.Fresh {
		logger.Debug("reference data served", fields...)
		return res
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	logger.Info("reference data served degraded", fields...)
	return res
}

func (r *resource[T]) markFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if r.hasEntry {
		r.degraded = true
	}
}

func (r *resource[T]) disabled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveErr
}

func (r *resource[T]) disable(err error, logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveErr != nil {
		return
	}
	r.liveErr = fmt.Errorf("%s live path disabled: %w", r.name, err)
	logger.Error("live path disabled", zap.String("resource", r.name), zap.Error(err))
}

// status snapshots the resource state at now.
func (r *resource[T]) status(now time.Time, liveConfigured bool) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Resource:    r.name,
		LiveEnabled: liveConfigured && r.liveErr == nil,
		State:       models.StateEmpty,
		LastTier:    r.lastTier,
		FetchedAt:   r.entryAt,
		LastAttempt: r.lastAttempt,
		LastSuccess: r.lastSuccess,
		Dropped:     r.lastDropped,
		TTL:         r.ttl,
	}
	switch {
	case !r.hasEntry:
	case r.degraded:
		st.State = models.StateDegraded
	case now.Sub(r.entryAt) < r.ttl:
		st.State = models.StateFresh
	default:
		st.State = models.StateStale
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	if r.liveErr != nil {
		st.LastError = r.liveErr.Error()
	}
	if r.breaker != nil {
		st.Breaker = r.breaker.State().String()
	}
	st.Refreshing = r.refreshes.Total()
	return st
}
