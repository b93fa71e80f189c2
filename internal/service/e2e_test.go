package service

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
	"github.com/kjstillabower/relieflink-refdata/internal/testhelpers"
)

// Real adapters against a fake ArcGIS server: a bare FeatureServer URL with layer 1
// is queried at .../FeatureServer/1/query, and a hung upstream after the TTL
// falls back to the cached shelters.
func TestReferenceService_EndToEnd(t *testing.T) {
	upstream := testhelpers.NewFakeUpstream(t)
	upstream.JSON("/arcgis/rest/services/Shelters/FeatureServer/1/query", testhelpers.ShelterLayerJSON)
	upstream.JSON("/311", testhelpers.IncidentsGeoJSON)
	upstream.Handle("/wms", 200, "image/png", testhelpers.PNG)
	dir := t.TempDir()
	sheltersFile := testhelpers.WriteFixture(t, dir, "shelters.json", testhelpers.LocalSheltersJSON)

	layer := 1
	clock := clockwork.NewFakeClockAt(t0)
	client := source.NewClient(200 * time.Millisecond)
	svc := NewReferenceService(Config{
		Shelters: models.SourceConfig{
			URL:           upstream.URL("/arcgis/rest/services/Shelters/FeatureServer"),
			Layer:         &layer,
			TTL:           300 * time.Second,
			FallbackFiles: []string{sheltersFile},
		},
		Incidents:       models.SourceConfig{URL: upstream.URL("/311"), TTL: 120 * time.Second, MaxRecords: 100},
		Flood:           models.SourceConfig{URL: upstream.URL("/wms"), Layers: []string{"floodplain"}},
		UpstreamTimeout: 200 * time.Millisecond,
	}, Deps{
		ArcGIS: source.NewArcGIS(client),
		Feed:   source.NewIncidentFeed(client),
		WMS:    source.NewWMS(client),
		Local:  source.NewLocalFile(),
		Clock:  clock,
	})
	ctx := context.Background()

	res := svc.GetShelters(ctx, false)
	require.Equal(t, models.TierLive, res.Tier)
	require.Len(t, res.Value, 1)
	s := res.Value[0]
	assert.Equal(t, "Shelter A", s.Name)
	assert.Equal(t, 29.75, s.Lat)
	assert.Equal(t, -95.36, s.Lng)
	assert.Equal(t, models.CategoryShelter, s.Category)
	assert.Equal(t, "json", upstream.LastQuery("/arcgis/rest/services/Shelters/FeatureServer/1/query").Get("f"))

	upstream.Hang("/arcgis/rest/services/Shelters/FeatureServer/1/query")
	clock.Advance(301 * time.Second)
	stale := svc.GetShelters(ctx, false)
	assert.False(t, stale.Fresh)
	assert.Equal(t, models.TierStale, stale.Tier)
	assert.Equal(t, res.Value, stale.Value)
	assert.Equal(t, 2, upstream.Hits("/arcgis/rest/services/Shelters/FeatureServer/1/query"))

	incidents := svc.GetIncidentFeed(ctx)
	require.Len(t, incidents.Value, 3)
	assert.Equal(t, []string{"c3", "c2", "c1"}, []string{incidents.Value[0].ID, incidents.Value[1].ID, incidents.Value[2].ID})

	overlay := svc.GetFloodOverlay(ctx, houston)
	assert.Equal(t, models.TierLive, overlay.Tier)
	assert.Equal(t, testhelpers.PNG, overlay.Value.Data)
	assert.Equal(t, "floodplain", upstream.LastQuery("/wms").Get("LAYERS"))
}
