package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/relieflink-refdata/internal/degraded"
	"github.com/kjstillabower/relieflink-refdata/internal/idle"
	"github.com/kjstillabower/relieflink-refdata/internal/lifecycle"
	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/overload"
	"github.com/kjstillabower/relieflink-refdata/internal/service"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

var fetchedAt = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

// fakeRefData returns canned results and records what handlers asked for.
type fakeRefData struct {
	mu sync.Mutex

	shelters  service.Result[[]models.ReferenceSite]
	food      service.Result[[]models.ReferenceSite]
	incidents service.Result[[]models.Incident]
	overlay   service.Result[models.Overlay]
	status    []service.Status
	block     chan struct{} // if set, GetShelters waits for it or ctx.Done()

	lastForce    bool
	lastOverlay  models.OverlayRequest
	overlayCalls int
}

func (f *fakeRefData) GetShelters(ctx context.Context, force bool) service.Result[[]models.ReferenceSite] {
	f.mu.Lock()
	f.lastForce = force
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return service.Result[[]models.ReferenceSite]{Value: []models.ReferenceSite{}, Tier: models.TierEmpty, Err: ctx.Err()}
		case <-block:
		}
	}
	return f.shelters
}

func (f *fakeRefData) GetFoodSites(ctx context.Context, force bool) service.Result[[]models.ReferenceSite] {
	f.mu.Lock()
	f.lastForce = force
	f.mu.Unlock()
	return f.food
}

func (f *fakeRefData) GetIncidentFeed(ctx context.Context) service.Result[[]models.Incident] {
	return f.incidents
}

func (f *fakeRefData) GetFloodOverlay(ctx context.Context, req models.OverlayRequest) service.Result[models.Overlay] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOverlay = req
	f.overlayCalls++
	return f.overlay
}

func (f *fakeRefData) Status() []service.Status {
	return f.status
}

func freshShelters() *fakeRefData {
	return &fakeRefData{
		shelters: service.Result[[]models.ReferenceSite]{
			Value: []models.ReferenceSite{
				{ID: "1", Name: "Shelter A", Category: models.CategoryShelter, Lat: 29.75, Lng: -95.36, Provenance: models.ProvenanceOfficial},
			},
			Fresh:     true,
			Tier:      models.TierLive,
			FetchedAt: fetchedAt,
		},
		food: service.Result[[]models.ReferenceSite]{Value: []models.ReferenceSite{}, Tier: models.TierEmpty, Err: service.ErrNoFallback},
	}
}

// resetSignals clears the process-wide health trackers between tests.
func resetSignals(t *testing.T) {
	t.Helper()
	degraded.Reset()
	overload.Reset()
	idle.Reset()
	lifecycle.Reset()
	t.Cleanup(func() {
		degraded.Reset()
		overload.Reset()
		idle.Reset()
		lifecycle.Reset()
	})
}

func serve(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(h, RouterConfig{Logger: zap.NewNop()})
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestHandler_GetShelters_Fresh verifies that a live result is served as a JSON
// array with diagnostic headers describing freshness.
func TestHandler_GetShelters_Fresh(t *testing.T) {
	resetSignals(t)
	h := NewHandler(freshShelters(), nil, zap.NewNop())

	w := serve(t, h, "/api/shelters")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Data-Fresh"); got != "true" {
		t.Errorf("X-Data-Fresh = %q, want true", got)
	}
	if got := w.Header().Get("X-Data-Tier"); got != "live" {
		t.Errorf("X-Data-Tier = %q, want live", got)
	}
	if got := w.Header().Get("X-Data-Fetched-At"); got != "2024-08-01T12:00:00Z" {
		t.Errorf("X-Data-Fetched-At = %q", got)
	}
	var sites []models.ReferenceSite
	if err := json.NewDecoder(w.Body).Decode(&sites); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sites) != 1 || sites[0].Name != "Shelter A" {
		t.Errorf("sites = %+v", sites)
	}
	errs, total := degraded.ErrorRate(time.Minute)
	if errs != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errs, total)
	}
}

// TestHandler_GetShelters_RefreshFlag verifies ?refresh=1 forces a refresh and
// anything else does not.
func TestHandler_GetShelters_RefreshFlag(t *testing.T) {
	resetSignals(t)
	fake := freshShelters()
	h := NewHandler(fake, nil, zap.NewNop())

	serve(t, h, "/api/shelters?refresh=1")
	if !fake.lastForce {
		t.Error("refresh=1 did not force a refresh")
	}
	serve(t, h, "/api/shelters?refresh=no")
	if fake.lastForce {
		t.Error("refresh=no forced a refresh")
	}
}

// TestHandler_GetShelters_DegradedStill200 verifies that a stale fallback after an
// upstream failure is a 200 with the same body shape, and counts toward the degraded window.
func TestHandler_GetShelters_DegradedStill200(t *testing.T) {
	resetSignals(t)
	fake := freshShelters()
	fake.shelters.Fresh = false
	fake.shelters.Tier = models.TierStale
	fake.shelters.Err = fmt.Errorf("%w: http 503", source.ErrUpstream)
	h := NewHandler(fake, nil, zap.NewNop())

	w := serve(t, h, "/api/shelters")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Data-Fresh") != "false" || w.Header().Get("X-Data-Tier") != "stale" {
		t.Errorf("headers = fresh %q tier %q", w.Header().Get("X-Data-Fresh"), w.Header().Get("X-Data-Tier"))
	}
	var sites []models.ReferenceSite
	if err := json.NewDecoder(w.Body).Decode(&sites); err != nil || len(sites) != 1 {
		t.Fatalf("body = %v, %v", sites, err)
	}
	if got := degraded.Resources(); len(got) != 1 || got[0] != service.ResourceShelters {
		t.Errorf("degraded.Resources() = %v, want [shelters]", got)
	}
}

// TestHandler_GetFood_EmptyIsArray verifies that the empty tier still returns a JSON array.
func TestHandler_GetFood_EmptyIsArray(t *testing.T) {
	resetSignals(t)
	h := NewHandler(freshShelters(), nil, zap.NewNop())

	w := serve(t, h, "/api/food")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("body = %q, want []", got)
	}
	if w.Header().Get("X-Data-Tier") != "empty" {
		t.Errorf("X-Data-Tier = %q, want empty", w.Header().Get("X-Data-Tier"))
	}
	if w.Header().Get("X-Data-Fetched-At") != "" {
		t.Error("X-Data-Fetched-At set for empty tier")
	}
}

// TestHandler_GetIncidents_GeoJSON verifies the FeatureCollection shape and that
// coordinates are [lng, lat] in the order the facade returned.
func TestHandler_GetIncidents_GeoJSON(t *testing.T) {
	resetSignals(t)
	fake := &fakeRefData{incidents: service.Result[[]models.Incident]{
		Value: []models.Incident{
			{ID: "c3", Category: "Debris", Lat: 29.76, Lng: -95.37, Timestamp: fetchedAt},
			{ID: "c1", Category: "Flooding", Lat: 29.75, Lng: -95.36, Timestamp: fetchedAt.Add(-2 * time.Hour)},
		},
		Fresh: true, Tier: models.TierCache, Dropped: 2, FetchedAt: fetchedAt,
	}}
	h := NewHandler(fake, nil, zap.NewNop())

	w := serve(t, h, "/api/311")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Data-Dropped") != "2" {
		t.Errorf("X-Data-Dropped = %q, want 2", w.Header().Get("X-Data-Dropped"))
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type        string     `json:"type"`
				Coordinates [2]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties models.Incident `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("collection = %+v", fc)
	}
	if fc.Features[0].Properties.ID != "c3" || fc.Features[1].Properties.ID != "c1" {
		t.Errorf("order = %s, %s; want c3, c1", fc.Features[0].Properties.ID, fc.Features[1].Properties.ID)
	}
	if c := fc.Features[0].Geometry.Coordinates; c[0] != -95.37 || c[1] != 29.76 {
		t.Errorf("coordinates = %v, want [-95.37 29.76]", c)
	}
}

// TestHandler_GetIncidents_EmptyCollection verifies that no incidents still yields
// an empty features array rather than null.
func TestHandler_GetIncidents_EmptyCollection(t *testing.T) {
	resetSignals(t)
	h := NewHandler(&fakeRefData{incidents: service.Result[[]models.Incident]{Tier: models.TierEmpty}}, nil, zap.NewNop())

	w := serve(t, h, "/api/311")

	if !bytes.Contains(w.Body.Bytes(), []byte(`"features":[]`)) {
		t.Errorf("body = %s, want empty features array", w.Body.String())
	}
}

// TestHandler_GetFloodOverlay_Image verifies that an overlay is returned byte for byte
// with its content type and that the parsed request reaches the facade.
func TestHandler_GetFloodOverlay_Image(t *testing.T) {
	resetSignals(t)
	img := []byte{0x89, 'P', 'N', 'G'}
	fake := &fakeRefData{overlay: service.Result[models.Overlay]{
		Value: models.Overlay{Data: img, ContentType: "image/png"}, Fresh: true, Tier: models.TierLive, FetchedAt: fetchedAt,
	}}
	h := NewHandler(fake, nil, zap.NewNop())

	w := serve(t, h, "/api/flood/wms?BBOX=-96,29,-95,30&WIDTH=512&HEIGHT=512&SRS=EPSG:3857")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	if !bytes.Equal(w.Body.Bytes(), img) {
		t.Errorf("body = %v, want %v", w.Body.Bytes(), img)
	}
	want := models.OverlayRequest{BBox: models.BBox{MinX: -96, MinY: 29, MaxX: -95, MaxY: 30}, Width: 512, Height: 512, CRS: "EPSG:3857"}
	if fake.lastOverlay != want {
		t.Errorf("request = %+v, want %+v", fake.lastOverlay, want)
	}
}

// TestHandler_GetFloodOverlay_Empty204 verifies that an empty overlay is 204 with headers.
func TestHandler_GetFloodOverlay_Empty204(t *testing.T) {
	resetSignals(t)
	fake := &fakeRefData{overlay: service.Result[models.Overlay]{Tier: models.TierEmpty, Err: fmt.Errorf("%w: no URL configured", source.ErrConfig)}}
	h := NewHandler(fake, nil, zap.NewNop())

	w := serve(t, h, "/api/flood/wms?BBOX=0,0,1,1")

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("X-Data-Tier") != "empty" {
		t.Errorf("X-Data-Tier = %q, want empty", w.Header().Get("X-Data-Tier"))
	}
	if got := degraded.Resources(); len(got) != 0 {
		t.Errorf("unconfigured overlay marked degraded: %v", got)
	}
}

// TestHandler_GetFloodOverlay_InvalidRequest verifies that a malformed query is
// rejected with 400 without touching the facade.
func TestHandler_GetFloodOverlay_InvalidRequest(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing bbox", ""},
		{"inverted bbox", "?BBOX=1,1,0,0"},
		{"bad width", "?BBOX=0,0,1,1&WIDTH=0"},
		{"bad crs", "?BBOX=0,0,1,1&CRS=web-mercator"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetSignals(t)
			fake := &fakeRefData{}
			h := NewHandler(fake, nil, zap.NewNop())

			w := serve(t, h, "/api/flood/wms"+tc.query)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var errResp struct {
				Error struct {
					Code      string `json:"code"`
					RequestID string `json:"requestId"`
				} `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if errResp.Error.Code != "INVALID_OVERLAY_REQUEST" {
				t.Errorf("error.code = %q", errResp.Error.Code)
			}
			if errResp.Error.RequestID == "" {
				t.Error("error.requestId empty, want correlation id")
			}
			if fake.overlayCalls != 0 {
				t.Errorf("facade called %d times, want 0", fake.overlayCalls)
			}
		})
	}
}

// TestHandler_GetStatus verifies the status snapshot is passed through.
func TestHandler_GetStatus(t *testing.T) {
	resetSignals(t)
	fake := &fakeRefData{status: []service.Status{
		{Resource: service.ResourceShelters, State: models.StateFresh, LiveEnabled: true},
		{Resource: service.ResourceFlood, State: models.StateEmpty},
	}}
	h := NewHandler(fake, nil, zap.NewNop())

	w := serve(t, h, "/api/refdata/status")

	var resp struct {
		Resources []service.Status `json:"resources"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Resources) != 2 || resp.Resources[0].State != models.StateFresh || !resp.Resources[0].LiveEnabled {
		t.Errorf("resources = %+v", resp.Resources)
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks"`
}

func getHealth(t *testing.T, h *Handler, path string) (int, healthResponse) {
	t.Helper()
	w := serve(t, h, path)
	var resp healthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, resp
}

// TestHandler_GetHealth verifies the healthy response, the /healthz alias and
// per-resource checks.
func TestHandler_GetHealth(t *testing.T) {
	resetSignals(t)
	fake := &fakeRefData{status: []service.Status{
		{Resource: service.ResourceShelters, State: models.StateFresh},
		{Resource: service.ResourceIncidents, State: models.StateStale},
	}}
	h := NewHandler(fake, &HealthConfig{StartTime: time.Now()}, zap.NewNop())

	for _, path := range []string{"/health", "/healthz"} {
		code, resp := getHealth(t, h, path)
		if code != http.StatusOK || resp.Status != "healthy" {
			t.Errorf("%s = %d %q, want 200 healthy", path, code, resp.Status)
		}
		if resp.Service != "relieflink-refdata" {
			t.Errorf("service = %q", resp.Service)
		}
		if resp.Checks["shelters"] != "fresh" || resp.Checks["incidents"] != "stale" {
			t.Errorf("checks = %v", resp.Checks)
		}
	}
}

// TestHandler_GetHealth_ShuttingDown verifies the 503 while draining.
func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	resetSignals(t)
	lifecycle.BeginShutdown()
	h := NewHandler(&fakeRefData{}, &HealthConfig{}, zap.NewNop())

	code, resp := getHealth(t, h, "/health")
	if code != http.StatusServiceUnavailable || resp.Status != "shutting-down" {
		t.Errorf("health = %d %q, want 503 shutting-down", code, resp.Status)
	}
}

// TestHandler_GetHealth_Overloaded verifies that request volume over the threshold reports overloaded.
func TestHandler_GetHealth_Overloaded(t *testing.T) {
	resetSignals(t)
	h := NewHandler(&fakeRefData{}, &HealthConfig{
		RateLimitRPS:         1,
		OverloadWindow:       10 * time.Second,
		OverloadThresholdPct: 50,
		StartTime:            time.Now(),
	}, zap.NewNop())
	for i := 0; i < 6; i++ {
		overload.RecordDenial()
	}

	code, resp := getHealth(t, h, "/health")
	if code != http.StatusServiceUnavailable || resp.Status != "overloaded" {
		t.Errorf("health = %d %q, want 503 overloaded", code, resp.Status)
	}
}

// TestHandler_GetHealth_Idle verifies idle once past minimum lifespan with little traffic.
func TestHandler_GetHealth_Idle(t *testing.T) {
	resetSignals(t)
	h := NewHandler(&fakeRefData{}, &HealthConfig{
		IdleWindow:             time.Minute,
		IdleThresholdReqPerMin: 5,
		MinimumLifespan:        time.Millisecond,
		StartTime:              time.Now().Add(-time.Hour),
	}, zap.NewNop())

	code, resp := getHealth(t, h, "/health")
	if code != http.StatusOK || resp.Status != "idle" {
		t.Errorf("health = %d %q, want 200 idle", code, resp.Status)
	}
}

// TestHandler_GetHealth_NotIdle_RecentStart verifies a young instance is never idle.
func TestHandler_GetHealth_NotIdle_RecentStart(t *testing.T) {
	resetSignals(t)
	h := NewHandler(&fakeRefData{}, &HealthConfig{
		IdleWindow:             time.Minute,
		IdleThresholdReqPerMin: 5,
		MinimumLifespan:        time.Hour,
		StartTime:              time.Now(),
	}, zap.NewNop())

	if _, resp := getHealth(t, h, "/health"); resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
}

// TestHandler_GetHealth_Degraded verifies that degraded serves over the threshold
// report degraded with 200 and mark the resource in checks.
func TestHandler_GetHealth_Degraded(t *testing.T) {
	resetSignals(t)
	fake := freshShelters()
	fake.shelters.Fresh = false
	fake.shelters.Tier = models.TierLocal
	fake.shelters.Err = fmt.Errorf("%w: timeout", source.ErrUpstream)
	fake.status = []service.Status{{Resource: service.ResourceShelters, State: models.StateEmpty}}
	h := NewHandler(fake, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 5, StartTime: time.Now()}, zap.NewNop())

	serve(t, h, "/api/shelters")

	code, resp := getHealth(t, h, "/health")
	if code != http.StatusOK || resp.Status != "degraded" {
		t.Errorf("health = %d %q, want 200 degraded", code, resp.Status)
	}
	if resp.Checks["shelters"] != "degraded" {
		t.Errorf("checks[shelters] = %q, want degraded", resp.Checks["shelters"])
	}
}

// TestHandler_GetHealth_CacheCheck verifies the cache ping result appears in checks.
func TestHandler_GetHealth_CacheCheck(t *testing.T) {
	resetSignals(t)
	h := NewHandler(&fakeRefData{}, &HealthConfig{CachePing: func() error { return errors.New("dial tcp: refused") }}, zap.NewNop())

	if _, resp := getHealth(t, h, "/health"); resp.Checks["cache"] != "unhealthy" {
		t.Errorf("checks[cache] = %q, want unhealthy", resp.Checks["cache"])
	}
}

// TestHandler_GetHealth_LogsTransition verifies a status change is logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	resetSignals(t)
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewHandler(&fakeRefData{}, &HealthConfig{}, zap.New(core))

	getHealth(t, h, "/health")
	lifecycle.BeginShutdown()
	getHealth(t, h, "/health")
	getHealth(t, h, "/health")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("fields = %v", fields)
	}
}
