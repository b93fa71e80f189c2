package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type arcgisError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type arcgisFeature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	} `json:"geometry"`
}

type geoJSONFeature struct {
	ID       any `json:"id"`
	Geometry *struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// envelope is enough of a response to tell GeoJSON, ArcGIS feature sets and ArcGIS errors apart.
type envelope struct {
	Type         string          `json:"type"`
	GeometryType string          `json:"geometryType"`
	Features     json.RawMessage `json:"features"`
	Error        *arcgisError    `json:"error"`
}

// decodeRecords parses a GeoJSON FeatureCollection, an ArcGIS feature set, or (when allowArray)
// a bare JSON array of objects.
func decodeRecords(body []byte, allowArray bool) ([]Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrParse)
	}

	if trimmed[0] == '[' {
		if !allowArray {
			return nil, fmt.Errorf("%w: expected feature set, got array", ErrParse)
		}
		return decodeObjects(trimmed)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%w: arcgis error %d: %s", ErrUpstream, env.Error.Code, env.Error.Message)
	}
	if len(env.Features) == 0 || bytes.Equal(env.Features, []byte("null")) {
		return nil, fmt.Errorf("%w: response has no features array", ErrParse)
	}
	if strings.EqualFold(env.Type, "FeatureCollection") {
		return decodeGeoJSON(env.Features)
	}
	return decodeArcGIS(env.Features, env.GeometryType != "")
}

func decodeObjects(body []byte) ([]Record, error) {
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		records = append(records, Record{Kind: KindObject, Attributes: row})
	}
	return records, nil
}

// decodeArcGIS decodes ArcGIS features. A spatial layer whose features all lack
// point geometry is an upstream fault; table rows carry no geometry by design.
func decodeArcGIS(raw json.RawMessage, spatial bool) ([]Record, error) {
	var features []arcgisFeature
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil, fmt.Errorf("%w: features: %w", ErrParse, err)
	}
	records := make([]Record, 0, len(features))
	withGeometry := 0
	for _, f := range features {
		rec := Record{Kind: KindArcGIS, Attributes: f.Attributes}
		if rec.Attributes == nil {
			rec.Attributes = map[string]any{}
		}
		if f.Geometry != nil && f.Geometry.X != nil && f.Geometry.Y != nil {
			rec.Geometry = &Point{X: *f.Geometry.X, Y: *f.Geometry.Y}
			withGeometry++
		}
		records = append(records, rec)
	}
	if spatial && len(records) > 0 && withGeometry == 0 {
		return nil, fmt.Errorf("%w: spatial layer returned %d features without geometry", ErrUpstream, len(records))
	}
	return records, nil
}

func decodeGeoJSON(raw json.RawMessage) ([]Record, error) {
	var features []geoJSONFeature
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil, fmt.Errorf("%w: features: %w", ErrParse, err)
	}
	records := make([]Record, 0, len(features))
	for _, f := range features {
		rec := Record{Kind: KindGeoJSON, Attributes: f.Properties}
		if rec.Attributes == nil {
			rec.Attributes = map[string]any{}
		}
		if f.ID != nil {
			if _, ok := rec.Attributes["id"]; !ok {
				rec.Attributes["id"] = f.ID
			}
		}
		if f.Geometry != nil && strings.EqualFold(f.Geometry.Type, "Point") {
			var coords []float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err == nil && len(coords) >= 2 {
				rec.Geometry = &Point{X: coords[0], Y: coords[1]}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
