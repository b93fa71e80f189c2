package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
)

// ArcGIS fetches point features from a FeatureServer or MapServer layer.
type ArcGIS struct {
	client *Client
}

// NewArcGIS returns an ArcGIS adapter backed by client.
func NewArcGIS(client *Client) *ArcGIS {
	return &ArcGIS{client: client}
}

// Fetch queries the configured layer and returns its features as raw records.
func (a *ArcGIS) Fetch(ctx context.Context, cfg models.SourceConfig) ([]Record, error) {
	queryURL, err := QueryURL(cfg)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.get(ctx, "arcgis", queryURL, "application/json")
	if err != nil {
		return nil, fmt.Errorf("arcgis query: %w", err)
	}
	records, err := decodeRecords(resp.body, false)
	if err != nil {
		return nil, fmt.Errorf("arcgis query: %w", err)
	}
	return records, nil
}

// QueryURL resolves cfg.URL to an ArcGIS query endpoint.
//
//	.../FeatureServer/3/query?...  used as-is (f=json added if missing)
//	.../FeatureServer/3            /query appended
//	.../FeatureServer              /{cfg.Layer}/query appended (layer 0 when unset)
//
// Constructed URLs request every attribute and WGS84 point geometry.
func QueryURL(cfg models.SourceConfig) (string, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return "", fmt.Errorf("%w: arcgis url is empty", ErrConfig)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid arcgis url %q", ErrConfig, raw)
	}

	path := strings.TrimRight(u.Path, "/")
	segments := strings.Split(path, "/")
	last := segments[len(segments)-1]
	q := u.Query()

	switch {
	case strings.EqualFold(last, "query"):
		setDefault(q, "f", "json")
		u.Path = path
		u.RawQuery = q.Encode()
		return u.String(), nil
	case isServiceSegment(last):
		layer := 0
		if cfg.Layer != nil {
			layer = *cfg.Layer
		}
		if layer < 0 {
			return "", fmt.Errorf("%w: arcgis layer index %d is negative", ErrConfig, layer)
		}
		path = path + "/" + strconv.Itoa(layer) + "/query"
	case len(segments) >= 2 && isServiceSegment(segments[len(segments)-2]) && isLayerIndex(last):
		path = path + "/query"
	default:
		return "", fmt.Errorf("%w: %q is not a FeatureServer/MapServer layer or query url", ErrConfig, raw)
	}

	setDefault(q, "where", "1=1")
	setDefault(q, "outFields", "*")
	setDefault(q, "returnGeometry", "true")
	setDefault(q, "outSR", "4326")
	setDefault(q, "f", "json")
	u.Path = path
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isServiceSegment(s string) bool {
	return strings.EqualFold(s, "FeatureServer") || strings.EqualFold(s, "MapServer")
}

func isLayerIndex(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0
}

func setDefault(q url.Values, key, value string) {
	if q.Get(key) == "" {
		q.Set(key, value)
	}
}
