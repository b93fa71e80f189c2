package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/service"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
	"github.com/kjstillabower/relieflink-refdata/internal/testhelpers"
)

// TestRouter_FullStack drives every route through the real facade and adapters
// against a fake upstream.
func TestRouter_FullStack(t *testing.T) {
	resetSignals(t)
	up := testhelpers.NewFakeUpstream(t)
	up.JSON("/arcgis/rest/services/Shelters/FeatureServer/0/query", testhelpers.ShelterLayerJSON)
	up.JSON("/311.geojson", testhelpers.IncidentsGeoJSON)
	up.Handle("/wms", http.StatusOK, "image/png", testhelpers.PNG)
	up.Fail("/arcgis/rest/services/Food/FeatureServer/0/query", http.StatusBadGateway)

	dir := t.TempDir()
	foodFile := testhelpers.WriteFixture(t, dir, "food.json", `[{"name": "Bundled Pantry", "lat": 29.7, "lng": -95.4}]`)

	client := source.NewClient(time.Second)
	svc := service.NewReferenceService(service.Config{
		Shelters:        models.SourceConfig{URL: up.URL("/arcgis/rest/services/Shelters/FeatureServer/0"), TTL: time.Minute},
		Food:            models.SourceConfig{URL: up.URL("/arcgis/rest/services/Food/FeatureServer/0"), TTL: time.Minute, FallbackFiles: []string{foodFile}},
		Incidents:       models.SourceConfig{URL: up.URL("/311.geojson"), TTL: time.Minute},
		Flood:           models.SourceConfig{URL: up.URL("/wms"), Layers: []string{"flood"}, TTL: time.Minute},
		UpstreamTimeout: time.Second,
	}, service.Deps{
		ArcGIS: source.NewArcGIS(client),
		Feed:   source.NewIncidentFeed(client),
		WMS:    source.NewWMS(client),
		Local:  source.NewLocalFile(),
		Logger: zap.NewNop(),
	})
	router := NewRouter(NewHandler(svc, &HealthConfig{}, zap.NewNop()), RouterConfig{RequestTimeout: 2 * time.Second})

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	if w := get("/api/shelters"); w.Header().Get("X-Data-Tier") != "live" || w.Header().Get("X-Data-Fresh") != "true" {
		t.Errorf("shelters tier = %q fresh = %q", w.Header().Get("X-Data-Tier"), w.Header().Get("X-Data-Fresh"))
	}
	if w := get("/api/shelters"); w.Header().Get("X-Data-Tier") != "cache" {
		t.Errorf("second shelters tier = %q, want cache", w.Header().Get("X-Data-Tier"))
	}

	food := get("/api/food")
	if food.Code != http.StatusOK || food.Header().Get("X-Data-Tier") != "local" {
		t.Errorf("food = %d tier %q, want 200 local", food.Code, food.Header().Get("X-Data-Tier"))
	}
	var sites []models.ReferenceSite
	if err := json.NewDecoder(food.Body).Decode(&sites); err != nil || len(sites) != 1 {
		t.Errorf("food body = %v, %v", sites, err)
	}

	if w := get("/api/311"); w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/geo+json" {
		t.Errorf("311 = %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	overlay := get("/api/flood/wms?BBOX=-96,29,-95,30&WIDTH=256&HEIGHT=256")
	if overlay.Code != http.StatusOK || overlay.Header().Get("Content-Type") != "image/png" {
		t.Errorf("overlay = %d %q", overlay.Code, overlay.Header().Get("Content-Type"))
	}
	if up.LastQuery("/wms").Get("BBOX") != "-96,29,-95,30" {
		t.Errorf("upstream BBOX = %q", up.LastQuery("/wms").Get("BBOX"))
	}

	var status struct {
		Resources []service.Status `json:"resources"`
	}
	if err := json.NewDecoder(get("/api/refdata/status").Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Resources) != 4 {
		t.Fatalf("status resources = %d, want 4", len(status.Resources))
	}
	if status.Resources[0].State != models.StateFresh {
		t.Errorf("shelters state = %s, want fresh", status.Resources[0].State)
	}
}
