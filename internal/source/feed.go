package source

import (
	"context"
	"fmt"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
)

// IncidentFeed fetches a city-service incident table (GeoJSON, ArcGIS JSON, or a plain array).
// Ordering and the 100-record cap are applied after normalization; see normalize.Latest.
type IncidentFeed struct {
	client *Client
}

// NewIncidentFeed returns an IncidentFeed adapter backed by client.
func NewIncidentFeed(client *Client) *IncidentFeed {
	return &IncidentFeed{client: client}
}

// Fetch downloads cfg.URL and decodes it into raw records.
func (f *IncidentFeed) Fetch(ctx context.Context, cfg models.SourceConfig) ([]Record, error) {
	if !cfg.LiveEnabled() {
		return nil, fmt.Errorf("%w: incident feed url is empty", ErrConfig)
	}
	resp, err := f.client.get(ctx, "incident_feed", cfg.URL, "application/json, application/geo+json")
	if err != nil {
		return nil, fmt.Errorf("incident feed: %w", err)
	}
	records, err := decodeRecords(resp.body, true)
	if err != nil {
		return nil, fmt.Errorf("incident feed: %w", err)
	}
	return records, nil
}
