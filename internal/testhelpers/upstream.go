// Package testhelpers provides fake upstream servers and fixture files shared by package tests.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// ShelterLayerJSON is an ArcGIS feature set with one point feature.
const ShelterLayerJSON = `{
  "geometryType": "esriGeometryPoint",
  "spatialReference": {"wkid": 4326},
  "features": [
    {"attributes": {"OBJECTID": 1, "name": "Shelter A", "lat": 29.75, "lng": -95.36, "Status": "Open"},
     "geometry": {"x": -95.36, "y": 29.75}}
  ]
}`

// FoodLayerJSON is an ArcGIS table of food sites; the second row has no usable coordinate.
const FoodLayerJSON = `{
  "features": [
    {"attributes": {"OBJECTID": 10, "Name": "Pantry B", "Latitude": 29.80, "Longitude": -95.40, "Type": "pantry"}},
    {"attributes": {"OBJECTID": 11, "Name": "No Location"}},
    {"attributes": {"OBJECTID": 12, "Name": "Donation Hub", "Latitude": 29.70, "Longitude": -95.30, "Kind": "donation"}}
  ]
}`

// IncidentsGeoJSON is a 311 feed with three dated cases, deliberately out of order.
const IncidentsGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "c1", "properties": {"CaseType": "Flooding", "CreatedDate": "2024-08-01T10:00:00Z"},
     "geometry": {"type": "Point", "coordinates": [-95.36, 29.75]}},
    {"type": "Feature", "id": "c3", "properties": {"CaseType": "Debris", "CreatedDate": "2024-08-01T12:00:00Z"},
     "geometry": {"type": "Point", "coordinates": [-95.37, 29.76]}},
    {"type": "Feature", "id": "c2", "properties": {"CaseType": "Power", "CreatedDate": "2024-08-01T11:00:00Z"},
     "geometry": {"type": "Point", "coordinates": [-95.38, 29.77]}}
  ]
}`

// LocalSheltersJSON is a bundled shelters file as shipped under data/.
const LocalSheltersJSON = `[
  {"id": "local-1", "name": "Bundled Shelter", "lat": 29.70, "lng": -95.40},
  {"id": "local-2", "name": "Bundled Shelter Two", "lat": 29.71, "lng": -95.41}
]`

// PNG is a minimal PNG signature; the WMS fake serves it as the overlay image.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type route struct {
	status      int
	contentType string
	body        []byte
	hang        bool
}

// FakeUpstream is an httptest server standing in for ArcGIS, WMS and 311 endpoints.
// Unregistered paths answer 404. Every request is counted per path.
type FakeUpstream struct {
	Server *httptest.Server

	mu      sync.Mutex
	routes  map[string]route
	hits    map[string]int
	queries map[string]url.Values
	stop    chan struct{}
}

// NewFakeUpstream starts a server that is closed when the test ends.
func NewFakeUpstream(t testing.TB) *FakeUpstream {
	t.Helper()
	f := &FakeUpstream{
		routes:  make(map[string]route),
		hits:    make(map[string]int),
		queries: make(map[string]url.Values),
		stop:    make(chan struct{}),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		close(f.stop)
		f.Server.Close()
	})
	return f
}

func (f *FakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.queries[r.URL.Path] = r.URL.Query()
	rt, ok := f.routes[r.URL.Path]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if rt.hang {
		select {
		case <-r.Context().Done():
		case <-f.stop:
		}
		return
	}
	if rt.contentType != "" {
		w.Header().Set("Content-Type", rt.contentType)
	}
	w.WriteHeader(rt.status)
	_, _ = w.Write(rt.body)
}

// Handle serves body with status and content type at path.
func (f *FakeUpstream) Handle(path string, status int, contentType string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = route{status: status, contentType: contentType, body: body}
}

// JSON serves body as a 200 application/json response at path.
func (f *FakeUpstream) JSON(path, body string) {
	f.Handle(path, http.StatusOK, "application/json", []byte(body))
}

// Fail makes path answer with status and an empty body.
func (f *FakeUpstream) Fail(path string, status int) {
	f.Handle(path, status, "text/plain", nil)
}

// Hang makes path block until the client gives up, simulating a network timeout.
func (f *FakeUpstream) Hang(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = route{hang: true}
}

// Hits returns how many requests reached path.
func (f *FakeUpstream) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

// TotalHits returns the number of requests across all paths.
func (f *FakeUpstream) TotalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.hits {
		n += h
	}
	return n
}

// LastQuery returns the query string of the most recent request to path.
func (f *FakeUpstream) LastQuery(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[path]
}

// URL returns the absolute URL of path on the fake server.
func (f *FakeUpstream) URL(path string) string {
	return f.Server.URL + path
}

// WriteFixture writes content to name under dir and returns the full path.
func WriteFixture(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
