package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/relieflink-refdata/internal/cache"
	"github.com/kjstillabower/relieflink-refdata/internal/circuitbreaker"
	"github.com/kjstillabower/relieflink-refdata/internal/config"
	httphandler "github.com/kjstillabower/relieflink-refdata/internal/http"
	"github.com/kjstillabower/relieflink-refdata/internal/lifecycle"
	"github.com/kjstillabower/relieflink-refdata/internal/observability"
	"github.com/kjstillabower/relieflink-refdata/internal/service"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	deps := service.Deps{
		Local:    source.NewLocalFile(),
		Breakers: make(map[string]*circuitbreaker.CircuitBreaker),
		Logger:   logger,
	}
	client := source.NewClient(cfg.UpstreamTimeout)
	deps.ArcGIS = source.NewArcGIS(client)
	deps.Feed = source.NewIncidentFeed(client)
	deps.WMS = source.NewWMS(client)

	for _, name := range []string{service.ResourceShelters, service.ResourceFood, service.ResourceIncidents, service.ResourceFlood} {
		deps.Breakers[name] = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerOpenTimeout,
			Component:        name,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues(name).Set(0)
	}

	backend, err := openCacheBackend(cfg, logger)
	if err != nil {
		logger.Fatal("cache backend", zap.Error(err))
	}
	deps.SiteCache = backend.sites
	deps.IncidentCache = backend.incidents

	refService := service.NewReferenceService(service.Config{
		Shelters:        cfg.Shelters,
		Food:            cfg.Food,
		Incidents:       cfg.Incidents,
		Flood:           cfg.Flood,
		UpstreamTimeout: cfg.UpstreamTimeout,
		CoalesceTimeout: cfg.CoalesceTimeout,
		MaxOverlays:     cfg.MaxOverlays,
	}, deps)
	for _, st := range refService.Status() {
		logger.Info("resource configured",
			zap.String("resource", st.Resource),
			zap.Bool("live_enabled", st.LiveEnabled),
			zap.Duration("ttl", st.TTL))
	}

	if cfg.WarmOnStart {
		warmer := cache.NewCacheWarmer(logger, 0)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, refService.WarmTargets()); err != nil {
			logger.Warn("cache warming incomplete", zap.Error(err))
		}
		warmCancel()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	handler := httphandler.NewHandler(refService, &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
		CachePing:              backend.ping,
	}, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort), zap.String("env", cfg.EnvName))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.BeginShutdown()
	inFlight := httphandler.InFlightCount()
	observability.RecordShutdownInFlight(inFlight)
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if backend.close != nil {
		if err := backend.close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete", zap.Duration("draining_for", lifecycle.DrainingFor()))
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
}
