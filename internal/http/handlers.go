package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/relieflink-refdata/internal/degraded"
	"github.com/kjstillabower/relieflink-refdata/internal/idle"
	"github.com/kjstillabower/relieflink-refdata/internal/lifecycle"
	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/overload"
	"github.com/kjstillabower/relieflink-refdata/internal/service"
	"github.com/kjstillabower/relieflink-refdata/internal/validation"
)

// RefData is the reference-data facade the handlers serve from.
// *service.ReferenceService implements it.
type RefData interface {
	GetShelters(ctx context.Context, force bool) service.Result[[]models.ReferenceSite]
	GetFoodSites(ctx context.Context, force bool) service.Result[[]models.ReferenceSite]
	GetIncidentFeed(ctx context.Context) service.Result[[]models.Incident]
	GetFloodOverlay(ctx context.Context, req models.OverlayRequest) service.Result[models.Overlay]
	Status() []service.Status
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing, when set, is called to check cache reachability. Used for memcached and sqlite backends.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	refData          RefData
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(refData RefData, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		refData:      refData,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetShelters handles GET /api/shelters[?refresh=1].
func (h *Handler) GetShelters(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	res := h.refData.GetShelters(r.Context(), validation.ParseRefresh(r.URL.Query().Get("refresh")))
	recordServe(r, service.ResourceShelters, res.Degraded(), res.Err)
	writeDataHeaders(w, res.Fresh, res.Tier, res.Dropped, res.FetchedAt)
	writeJSON(w, http.StatusOK, res.Value)
}

// GetFood handles GET /api/food[?refresh=1].
func (h *Handler) GetFood(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	res := h.refData.GetFoodSites(r.Context(), validation.ParseRefresh(r.URL.Query().Get("refresh")))
	recordServe(r, service.ResourceFood, res.Degraded(), res.Err)
	writeDataHeaders(w, res.Fresh, res.Tier, res.Dropped, res.FetchedAt)
	writeJSON(w, http.StatusOK, res.Value)
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string          `json:"type"`
	Geometry   pointGeometry   `json:"geometry"`
	Properties models.Incident `json:"properties"`
}

type pointGeometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// GetIncidents handles GET /api/311. The body is always a FeatureCollection of at most
// 100 incidents, newest first.
func (h *Handler) GetIncidents(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	res := h.refData.GetIncidentFeed(r.Context())
	recordServe(r, service.ResourceIncidents, res.Degraded(), res.Err)

	fc := featureCollection{Type: "FeatureCollection", Features: make([]feature, 0, len(res.Value))}
	for _, inc := range res.Value {
		fc.Features = append(fc.Features, feature{
			Type:       "Feature",
			Geometry:   pointGeometry{Type: "Point", Coordinates: [2]float64{inc.Lng, inc.Lat}},
			Properties: inc,
		})
	}
	writeDataHeaders(w, res.Fresh, res.Tier, res.Dropped, res.FetchedAt)
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(fc)
}

// GetFloodOverlay handles GET /api/flood/wms. A malformed query is the caller's
// fault and gets 400; anything else is 200 with the image or 204 when none is available.
func (h *Handler) GetFloodOverlay(w http.ResponseWriter, r *http.Request) {
	req, err := validation.ParseOverlayRequest(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_OVERLAY_REQUEST", err.Error())
		return
	}

	idle.RecordRequest()
	res := h.refData.GetFloodOverlay(r.Context(), req)
	recordServe(r, service.ResourceFlood, res.Degraded(), res.Err)
	writeDataHeaders(w, res.Fresh, res.Tier, res.Dropped, res.FetchedAt)
	if res.Value.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", res.Value.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Value.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Value.Data)
}

// GetStatus handles GET /api/refdata/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resources": h.refData.Status(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health and /healthz.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	for _, st := range h.refData.Status() {
		checks[st.Resource] = string(st.State)
	}
	for _, name := range degraded.Resources() {
		checks[name] = string(models.StateDegraded)
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "relieflink-refdata",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus determines the current health status by evaluating multiple conditions
// in priority order: shutting-down > overloaded > idle > degraded > healthy.
// degraded stays 200: the instance still answers from cache and local files.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if overload.Breached(h.healthConfig.OverloadWindow, h.healthConfig.RateLimitRPS, h.healthConfig.OverloadThresholdPct) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	if degraded.Breached(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusOK, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// recordServe feeds the degraded window and logs the fallback cause at DEBUG.
func recordServe(r *http.Request, resource string, degradedServe bool, cause error) {
	degraded.RecordServe(resource, degradedServe)
	if !degradedServe || cause == nil {
		return
	}
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("degraded reference data", zap.String("resource", resource), zap.Error(cause), zap.Bool("no_fallback", errors.Is(cause, service.ErrNoFallback)))
	}
}

// writeDataHeaders annotates a reference-data response. Bodies never carry freshness.
func writeDataHeaders(w http.ResponseWriter, fresh bool, tier models.Tier, dropped int, fetchedAt time.Time) {
	h := w.Header()
	h.Set("X-Data-Fresh", strconv.FormatBool(fresh))
	h.Set("X-Data-Tier", string(tier))
	h.Set("X-Data-Dropped", strconv.Itoa(dropped))
	if !fetchedAt.IsZero() {
		h.Set("X-Data-Fetched-At", fetchedAt.UTC().Format(time.RFC3339))
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
