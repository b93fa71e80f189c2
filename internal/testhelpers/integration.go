//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/service"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

// IntegrationTestConfig holds live upstream endpoints for integration tests.
type IntegrationTestConfig struct {
	SheltersURL  string
	IncidentsURL string
	FloodWMSURL  string
}

// GetIntegrationConfig loads live endpoints from the environment.
// Skips the test if SHELTERS_URL is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	sheltersURL := os.Getenv("SHELTERS_URL")
	if sheltersURL == "" {
		t.Skip("SHELTERS_URL not set, skipping integration test")
	}
	return IntegrationTestConfig{
		SheltersURL:  sheltersURL,
		IncidentsURL: os.Getenv("HOUSTON_311_URL"),
		FloodWMSURL:  os.Getenv("FLOOD_WMS_URL"),
	}
}

// SetupIntegrationService creates a ReferenceService against the live endpoints
// with in-memory caches and no local fallback files.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) *service.ReferenceService {
	client := source.NewClient(10 * time.Second)
	return service.NewReferenceService(service.Config{
		Shelters:        models.SourceConfig{URL: cfg.SheltersURL, TTL: time.Minute},
		Incidents:       models.SourceConfig{URL: cfg.IncidentsURL, TTL: time.Minute, MaxRecords: 100},
		Flood:           models.SourceConfig{URL: cfg.FloodWMSURL, TTL: time.Minute},
		UpstreamTimeout: 10 * time.Second,
	}, service.Deps{
		ArcGIS: source.NewArcGIS(client),
		Feed:   source.NewIncidentFeed(client),
		WMS:    source.NewWMS(client),
		Local:  source.NewLocalFile(),
		Logger: zap.NewNop(),
	})
}
