package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/relieflink-refdata/internal/cache"
	"github.com/kjstillabower/relieflink-refdata/internal/circuitbreaker"
	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/normalize"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

// Resource names. They double as cache keys, metric labels and breaker components.
const (
	ResourceShelters  = "shelters"
	ResourceFood      = "food"
	ResourceIncidents = "incidents"
	ResourceFlood     = "flood"
)

// FeatureSource fetches raw records from a live upstream (ArcGIS layer or incident feed).
type FeatureSource interface {
	Fetch(ctx context.Context, cfg models.SourceConfig) ([]source.Record, error)
}

// OverlaySource renders a map image for a bounding box.
type OverlaySource interface {
	GetMap(ctx context.Context, cfg models.SourceConfig, req models.OverlayRequest) (models.Overlay, error)
}

// FileSource reads a bundled fallback file.
type FileSource interface {
	Load(path string) ([]source.Record, error)
}

// Config is the per-resource source configuration plus facade timing.
type Config struct {
	Shelters  models.SourceConfig
	Food      models.SourceConfig
	Incidents models.SourceConfig
	Flood     models.SourceConfig

	// UpstreamTimeout bounds every live fetch. Default 5s.
	UpstreamTimeout time.Duration
	// CoalesceTimeout bounds how long a caller waits on a shared fetch. Default UpstreamTimeout + 1s.
	CoalesceTimeout time.Duration
	// MaxOverlays bounds the overlay image cache. Default 256.
	MaxOverlays int
}

// Deps are the collaborators injected at startup. Nil caches default to in-memory,
// a nil clock to the real clock, a nil logger to zap.NewNop.
type Deps struct {
	ArcGIS FeatureSource
	Feed   FeatureSource
	WMS    OverlaySource
	Local  FileSource

	SiteCache     cache.Cache[[]models.ReferenceSite]
	IncidentCache cache.Cache[[]models.Incident]

	// Breakers keyed by resource name; missing entries run unguarded.
	Breakers map[string]*circuitbreaker.CircuitBreaker

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// ReferenceService is the cache facade in front of every reference-data upstream.
// Create one at startup and inject it into handlers. Accessors never fail: each
// returns a usable (possibly empty) Result annotated with freshness and tier.
type ReferenceService struct {
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger

	shelters  *resource[[]models.ReferenceSite]
	food      *resource[[]models.ReferenceSite]
	incidents *resource[[]models.Incident]
	flood     *resource[models.Overlay]

	shelterLoader  loader[[]models.ReferenceSite]
	foodLoader     loader[[]models.ReferenceSite]
	incidentLoader loader[[]models.Incident]
	wms            OverlaySource
}

// Status is the diagnostic snapshot of one resource.
type Status struct {
	Resource    string        `json:"resource"`
	State       models.State  `json:"state"`
	LiveEnabled bool          `json:"live_enabled"`
	LastTier    models.Tier   `json:"last_tier,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at,omitzero"`
	LastAttempt time.Time     `json:"last_attempt,omitzero"`
	LastSuccess time.Time     `json:"last_success,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
	Dropped     int           `json:"dropped"`
	TTL         time.Duration `json:"ttl_ns"`
	Breaker     string        `json:"breaker,omitempty"`
	Refreshing  int           `json:"refreshing"`
}

// NewReferenceService wires one resource per accessor. A resource without a URL
// (or without the adapter to reach it) never makes a network call and serves its local files.
func NewReferenceService(cfg Config, deps Deps) *ReferenceService {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 5 * time.Second
	}
	if cfg.CoalesceTimeout <= 0 {
		cfg.CoalesceTimeout = cfg.UpstreamTimeout + time.Second
	}
	if cfg.MaxOverlays <= 0 {
		cfg.MaxOverlays = 256
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.SiteCache == nil {
		deps.SiteCache = cache.NewInMemoryCache[[]models.ReferenceSite]()
	}
	if deps.IncidentCache == nil {
		deps.IncidentCache = cache.NewInMemoryCache[[]models.Incident]()
	}

	s := &ReferenceService{cfg: cfg, clock: deps.Clock, logger: deps.Logger, wms: deps.WMS}

	shelterProfile := normalize.Shelters.WithFields(cfg.Shelters.Fields).WithProvenance(cfg.Shelters.Provenance)
	foodProfile := normalize.Food.WithFields(cfg.Food.Fields).WithProvenance(cfg.Food.Provenance)

	s.shelters = newResource(ResourceShelters, cfg.Shelters, cfg, deps, deps.SiteCache)
	s.shelters.local = localSites(deps.Local, cfg.Shelters.FallbackFiles, shelterProfile)
	s.food = newResource(ResourceFood, cfg.Food, cfg, deps, deps.SiteCache)
	s.food.local = localSites(deps.Local, cfg.Food.FallbackFiles, foodProfile)
	if cfg.Food.MergeLocal {
		s.food.merge = appendSites
	}
	s.incidents = newResource(ResourceIncidents, cfg.Incidents, cfg, deps, deps.IncidentCache)
	s.incidents.local = localIncidents(deps.Local, cfg.Incidents)
	s.flood = newResource(ResourceFlood, cfg.Flood, cfg, deps, cache.Cache[models.Overlay](cache.NewBoundedInMemoryCache[models.Overlay](cfg.MaxOverlays)))

	if deps.ArcGIS != nil {
		s.shelterLoader = liveSites(deps.ArcGIS, cfg.Shelters, shelterProfile)
		s.foodLoader = liveSites(deps.ArcGIS, cfg.Food, foodProfile)
	}
	if deps.Feed != nil {
		s.incidentLoader = liveIncidents(deps.Feed, cfg.Incidents)
	}
	if s.shelterLoader == nil {
		s.shelters.disableAtStartup()
	}
	if s.foodLoader == nil {
		s.food.disableAtStartup()
	}
	if s.incidentLoader == nil {
		s.incidents.disableAtStartup()
	}
	if s.wms == nil {
		s.flood.disableAtStartup()
	}
	return s
}

func newResource[T any](name string, src models.SourceConfig, cfg Config, deps Deps, c cache.Cache[T]) *resource[T] {
	ttl := src.TTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	r := &resource[T]{
		name:      name,
		ttl:       ttl,
		timeout:   cfg.UpstreamTimeout,
		cache:     c,
		breaker:   deps.Breakers[name],
		clock:     deps.Clock,
		logger:    deps.Logger,
		coalescer: newRequestCoalescer[cache.Entry[T]](cfg.CoalesceTimeout),
		refreshes: newRefreshTracker(),
	}
	if !src.LiveEnabled() {
		r.liveErr = fmt.Errorf("%s: %w: no URL configured", name, source.ErrConfig)
	}
	return r
}

// disableAtStartup marks the live path off when no adapter was wired for a configured URL.
func (r *resource[T]) disableAtStartup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveErr == nil {
		r.liveErr = fmt.Errorf("%s: %w: no adapter", r.name, source.ErrConfig)
	}
}

// GetShelters returns shelters. force bypasses a fresh cache entry.
func (s *ReferenceService) GetShelters(ctx context.Context, force bool) Result[[]models.ReferenceSite] {
	return nonNilSites(s.shelters.get(ctx, ResourceShelters, force, s.shelterLoader))
}

// GetFoodSites returns food and supply sites. force bypasses a fresh cache entry.
func (s *ReferenceService) GetFoodSites(ctx context.Context, force bool) Result[[]models.ReferenceSite] {
	return nonNilSites(s.food.get(ctx, ResourceFood, force, s.foodLoader))
}

// GetIncidentFeed returns at most normalize.MaxIncidents incidents, newest first, on every tier.
func (s *ReferenceService) GetIncidentFeed(ctx context.Context) Result[[]models.Incident] {
	res := s.incidents.get(ctx, ResourceIncidents, false, s.incidentLoader)
	res.Value = normalize.Latest(res.Value, s.cfg.Incidents.MaxRecords)
	return res
}

// GetFloodOverlay returns the flood overlay image for req. There is no local file;
// an unavailable overlay is an empty Overlay (Tier empty).
func (s *ReferenceService) GetFloodOverlay(ctx context.Context, req models.OverlayRequest) Result[models.Overlay] {
	if !req.BBox.Valid() {
		return Result[models.Overlay]{Tier: models.TierEmpty, Err: fmt.Errorf("%w: bbox %s", source.ErrInvalidRequest, req.BBox)}
	}
	var fetch loader[models.Overlay]
	if s.wms != nil {
		fetch = func(ctx context.Context) (models.Overlay, int, error) {
			overlay, err := s.wms.GetMap(ctx, s.cfg.Flood, req)
			return overlay, 0, err
		}
	}
	return s.flood.get(ctx, ResourceFlood+":"+req.Key(), false, fetch)
}

// Status returns one snapshot per resource in a stable order.
func (s *ReferenceService) Status() []Status {
	now := s.clock.Now()
	return []Status{
		s.shelters.status(now, s.cfg.Shelters.LiveEnabled()),
		s.food.status(now, s.cfg.Food.LiveEnabled()),
		s.incidents.status(now, s.cfg.Incidents.LiveEnabled()),
		s.flood.status(now, s.cfg.Flood.LiveEnabled()),
	}
}

// WarmTargets returns the live-enabled list resources for startup warming.
// A target fails only when nothing fresh could be fetched.
func (s *ReferenceService) WarmTargets() []cache.WarmTarget {
	var targets []cache.WarmTarget
	add := func(name string, enabled bool, get func(ctx context.Context) (bool, error)) {
		if !enabled {
			return
		}
		targets = append(targets, cache.WarmTarget{Name: name, Fetch: func(ctx context.Context) error {
			fresh, err := get(ctx)
			if !fresh {
				return errors.Join(errors.New("no fresh data"), err)
			}
			return nil
		}})
	}
	add(ResourceShelters, s.shelters.disabled() == nil, func(ctx context.Context) (bool, error) {
		res := s.GetShelters(ctx, false)
		return res.Fresh, res.Err
	})
	add(ResourceFood, s.food.disabled() == nil, func(ctx context.Context) (bool, error) {
		res := s.GetFoodSites(ctx, false)
		return res.Fresh, res.Err
	})
	add(ResourceIncidents, s.incidents.disabled() == nil, func(ctx context.Context) (bool, error) {
		res := s.GetIncidentFeed(ctx)
		return res.Fresh, res.Err
	})
	return targets
}

func liveSites(src FeatureSource, cfg models.SourceConfig, p normalize.Profile) loader[[]models.ReferenceSite] {
	return func(ctx context.Context) ([]models.ReferenceSite, int, error) {
		records, err := src.Fetch(ctx, cfg)
		if err != nil {
			return nil, 0, err
		}
		sites, dropped := normalize.Sites(records, p)
		return sites, dropped, nil
	}
}

func liveIncidents(src FeatureSource, cfg models.SourceConfig) loader[[]models.Incident] {
	return func(ctx context.Context) ([]models.Incident, int, error) {
		records, err := src.Fetch(ctx, cfg)
		if err != nil {
			return nil, 0, err
		}
		incidents, dropped := normalize.Incidents(records, cfg.Fields)
		return normalize.Latest(incidents, cfg.MaxRecords), dropped, nil
	}
}

// loadFiles concatenates every readable file. It fails only when none could be read.
func loadFiles(files FileSource, paths []string) ([]source.Record, error) {
	if files == nil || len(paths) == 0 {
		return nil, fmt.Errorf("%w: no local fallback files", source.ErrConfig)
	}
	var (
		records []source.Record
		errs    []error
		loaded  int
	)
	for _, path := range paths {
		recs, err := files.Load(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
		records = append(records, recs...)
	}
	if loaded == 0 {
		return nil, errors.Join(errs...)
	}
	return records, nil
}

func localSites(files FileSource, paths []string, p normalize.Profile) func() ([]models.ReferenceSite, int, error) {
	if files == nil || len(paths) == 0 {
		return nil
	}
	return func() ([]models.ReferenceSite, int, error) {
		records, err := loadFiles(files, paths)
		if err != nil {
			return nil, 0, err
		}
		sites, dropped := normalize.Sites(records, p)
		return sites, dropped, nil
	}
}

func localIncidents(files FileSource, cfg models.SourceConfig) func() ([]models.Incident, int, error) {
	if files == nil || len(cfg.FallbackFiles) == 0 {
		return nil
	}
	return func() ([]models.Incident, int, error) {
		records, err := loadFiles(files, cfg.FallbackFiles)
		if err != nil {
			return nil, 0, err
		}
		incidents, dropped := normalize.Incidents(records, cfg.Fields)
		return normalize.Latest(incidents, cfg.MaxRecords), dropped, nil
	}
}

func appendSites(live, local []models.ReferenceSite) []models.ReferenceSite {
	out := make([]models.ReferenceSite, 0, len(live)+len(local))
	out = append(out, live...)
	return append(out, local...)
}

// nonNilSites keeps JSON output an array on the empty tier.
func nonNilSites(res Result[[]models.ReferenceSite]) Result[[]models.ReferenceSite] {
	if res.Value == nil {
		res.Value = []models.ReferenceSite{}
	}
	return res
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
