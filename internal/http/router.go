package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/relieflink-refdata/internal/observability"
)

// RouterConfig holds what NewRouter needs besides the handler.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration // 0 disables the /api deadline
}

// NewRouter wires every route. Correlation ids and metrics apply everywhere;
// rate limiting and the request deadline apply only to /api.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/shelters", h.GetShelters).Methods(http.MethodGet)
	api.HandleFunc("/food", h.GetFood).Methods(http.MethodGet)
	api.HandleFunc("/311", h.GetIncidents).Methods(http.MethodGet)
	api.HandleFunc("/flood/wms", h.GetFloodOverlay).Methods(http.MethodGet)
	api.HandleFunc("/refdata/status", h.GetStatus).Methods(http.MethodGet)
	return router
}
