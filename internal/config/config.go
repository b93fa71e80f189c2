package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/normalize"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	EnvName    string
	LogLevel   string
	ServerPort string
	DataDir    string

	Shelters  models.SourceConfig
	Food      models.SourceConfig
	Incidents models.SourceConfig
	Flood     models.SourceConfig

	UpstreamTimeout time.Duration
	RequestTimeout  time.Duration
	CoalesceTimeout time.Duration

	CacheBackend          string // "in_memory", "memcached" or "sqlite"
	StaleRetention        time.Duration
	MaxOverlays           int
	WarmOnStart           bool
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	SQLitePath            string

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeout      time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
}

type sourceFile struct {
	URL           string              `yaml:"url"`
	Layer         *int                `yaml:"layer"`
	Layers        []string            `yaml:"layers"`
	TTL           string              `yaml:"ttl"`
	FallbackFiles []string            `yaml:"fallback_files"`
	MergeLocal    *bool               `yaml:"merge_local"`
	Provenance    string              `yaml:"provenance"`
	Fields        models.FieldMapping `yaml:"fields"`
	MaxRecords    int                 `yaml:"max_records"`
	Version       string              `yaml:"version"`
	CRS           string              `yaml:"crs"`
	Format        string              `yaml:"format"`
	Width         int                 `yaml:"width"`
	Height        int                 `yaml:"height"`
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	DataDir string `yaml:"data_dir"`

	Sources struct {
		Shelters  sourceFile `yaml:"shelters"`
		Food      sourceFile `yaml:"food"`
		Incidents sourceFile `yaml:"incidents"`
		Flood     sourceFile `yaml:"flood"`
	} `yaml:"sources"`

	Upstream struct {
		Timeout         string `yaml:"timeout"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Breaker         struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			OpenTimeout      string `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"upstream"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend        string `yaml:"backend"`
		StaleRetention string `yaml:"stale_retention"`
		MaxOverlays    int    `yaml:"max_overlays"`
		WarmOnStart    bool   `yaml:"warm_on_start"`
		Memcached      struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"cache"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

// envOverrides are read from the process environment; non-empty values win over YAML.
type envOverrides struct {
	Port            string   `env:"PORT"`
	LogLevel        string   `env:"LOG_LEVEL"`
	DataDir         string   `env:"DATA_DIR"`
	SheltersURL     string   `env:"SHELTERS_URL"`
	SheltersLayer   *int     `env:"SHELTERS_LAYER"`
	FoodSitesURL    string   `env:"FOOD_SITES_URL"`
	FoodSitesLayer  *int     `env:"FOOD_SITES_LAYER"`
	Houston311URL   string   `env:"HOUSTON_311_URL"`
	FloodWMSURL     string   `env:"FLOOD_WMS_URL"`
	FloodWMSLayers  []string `env:"FLOOD_WMS_LAYERS" envSeparator:","`
	CacheBackend    string   `env:"CACHE_BACKEND"`
	MemcachedAddrs  string   `env:"MEMCACHED_ADDRS"`
	SQLitePath      string   `env:"SQLITE_PATH"`
	UpstreamTimeout string   `env:"UPSTREAM_TIMEOUT"`
}

// Load reads config/{ENV_NAME}.yaml (default dev) if it exists, then applies
// environment overrides. A missing file is fine: env-only deployments are the norm.
// Call from project root.
func Load() (*Config, error) {
	envName := os.Getenv("ENV_NAME")
	if envName == "" {
		envName = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	var fc fileConfig
	configPath := filepath.Join(cwd, "config", envName+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := build(fc, ov)
	cfg.EnvName = envName
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(fc fileConfig, ov envOverrides) *Config {
	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(ov.Port, fc.Server.Port, "8080")
	cfg.LogLevel = firstNonEmpty(ov.LogLevel, fc.Log.Level, "INFO")
	cfg.DataDir = firstNonEmpty(ov.DataDir, fc.DataDir, "data")

	cfg.Shelters = sourceConfig(fc.Sources.Shelters, 300*time.Second, cfg.DataDir, "shelters.json")
	cfg.Food = sourceConfig(fc.Sources.Food, 300*time.Second, cfg.DataDir, "food_supply_sites.json", "Hou_Pantries.csv")
	cfg.Incidents = sourceConfig(fc.Sources.Incidents, 120*time.Second, cfg.DataDir, "houston_311_seed.geojson")
	cfg.Flood = sourceConfig(fc.Sources.Flood, 300*time.Second, cfg.DataDir)
	cfg.Flood.FallbackFiles = nil

	cfg.Food.MergeLocal = true
	if fc.Sources.Food.MergeLocal != nil {
		cfg.Food.MergeLocal = *fc.Sources.Food.MergeLocal
	}
	if cfg.Incidents.MaxRecords == 0 {
		cfg.Incidents.MaxRecords = normalize.MaxIncidents
	}

	if ov.SheltersURL != "" {
		cfg.Shelters.URL = ov.SheltersURL
	}
	if ov.SheltersLayer != nil {
		cfg.Shelters.Layer = ov.SheltersLayer
	}
	if ov.FoodSitesURL != "" {
		cfg.Food.URL = ov.FoodSitesURL
	}
	if ov.FoodSitesLayer != nil {
		cfg.Food.Layer = ov.FoodSitesLayer
	}
	if ov.Houston311URL != "" {
		cfg.Incidents.URL = ov.Houston311URL
	}
	if ov.FloodWMSURL != "" {
		cfg.Flood.URL = ov.FloodWMSURL
	}
	if layers := trimAll(ov.FloodWMSLayers); len(layers) > 0 {
		cfg.Flood.Layers = layers
	}

	cfg.UpstreamTimeout = parseDuration(firstNonEmpty(ov.UpstreamTimeout, fc.Upstream.Timeout), 5*time.Second)
	cfg.CoalesceTimeout = parseDuration(fc.Upstream.CoalesceTimeout, cfg.UpstreamTimeout+time.Second)
	cfg.BreakerFailureThreshold = positiveOr(fc.Upstream.Breaker.FailureThreshold, 5)
	cfg.BreakerSuccessThreshold = positiveOr(fc.Upstream.Breaker.SuccessThreshold, 2)
	cfg.BreakerOpenTimeout = parseDuration(fc.Upstream.Breaker.OpenTimeout, 30*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, cfg.UpstreamTimeout+time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(ov.CacheBackend, fc.Cache.Backend, "in_memory"))
	cfg.StaleRetention = parseDuration(fc.Cache.StaleRetention, 24*time.Hour)
	cfg.MaxOverlays = positiveOr(fc.Cache.MaxOverlays, 256)
	cfg.WarmOnStart = fc.Cache.WarmOnStart
	cfg.MemcachedAddrs = firstNonEmpty(ov.MemcachedAddrs, fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.SQLitePath = firstNonEmpty(ov.SQLitePath, fc.Cache.SQLite.Path, filepath.Join(cfg.DataDir, "refdata.db"))

	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 50)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 100)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.IdleThresholdReqPerMin = positiveOr(fc.Lifecycle.IdleThresholdReqPerMin, 5)
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)
	return cfg
}

// sourceConfig applies defaults to one source. Relative fallback paths resolve under dataDir;
// with none configured, defaultFiles are used.
func sourceConfig(sf sourceFile, defaultTTL time.Duration, dataDir string, defaultFiles ...string) models.SourceConfig {
	files := sf.FallbackFiles
	if len(files) == 0 {
		files = defaultFiles
	}
	resolved := make([]string, 0, len(files))
	for _, f := range files {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		if !filepath.IsAbs(f) {
			f = filepath.Join(dataDir, f)
		}
		resolved = append(resolved, f)
	}
	return models.SourceConfig{
		URL:           strings.TrimSpace(sf.URL),
		Layer:         sf.Layer,
		Layers:        trimAll(sf.Layers),
		TTL:           parseDuration(sf.TTL, defaultTTL),
		FallbackFiles: resolved,
		Provenance:    models.Provenance(strings.ToLower(strings.TrimSpace(sf.Provenance))),
		Fields:        sf.Fields,
		MaxRecords:    sf.MaxRecords,
		Version:       sf.Version,
		CRS:           sf.CRS,
		Format:        sf.Format,
		Width:         sf.Width,
		Height:        sf.Height,
	}
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
// Bare integers are read as seconds.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// validate performs post-load validation of configuration values.
// Auto-adjusts RequestTimeout so a request always outlives one upstream attempt.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "sqlite":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or sqlite, got %q", cfg.CacheBackend)
	}
	for name, src := range map[string]models.SourceConfig{"shelters": cfg.Shelters, "food": cfg.Food, "incidents": cfg.Incidents, "flood": cfg.Flood} {
		if src.TTL <= 0 {
			return fmt.Errorf("sources.%s.ttl must be positive", name)
		}
		if src.Layer != nil && *src.Layer < 0 {
			return fmt.Errorf("sources.%s.layer must not be negative", name)
		}
		switch src.Provenance {
		case "", models.ProvenanceOfficial, models.ProvenanceCommunity:
		default:
			return fmt.Errorf("sources.%s.provenance must be official or community, got %q", name, src.Provenance)
		}
	}
	if cfg.Incidents.MaxRecords < 0 || cfg.Incidents.MaxRecords > normalize.MaxIncidents {
		return fmt.Errorf("sources.incidents.max_records must be between 1 and %d", normalize.MaxIncidents)
	}
	return nil
}
