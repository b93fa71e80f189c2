package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

// fieldIndex is a case-insensitive view over one record's attributes.
type fieldIndex map[string]any

func newFieldIndex(attrs map[string]any) fieldIndex {
	idx := make(fieldIndex, len(attrs))
	for k, v := range attrs {
		key := strings.ToLower(strings.TrimSpace(k))
		if prev, dup := idx[key]; dup && prev != nil {
			continue
		}
		idx[key] = v
	}
	return idx
}

// lookup returns the first candidate holding a non-empty value. Empty hints are skipped.
func (f fieldIndex) lookup(candidates ...string) (any, bool) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		v, ok := f[strings.ToLower(c)]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func (f fieldIndex) str(candidates ...string) string {
	if v, ok := f.lookup(candidates...); ok {
		return toString(v)
	}
	return ""
}

func (f fieldIndex) float(candidates ...string) (float64, bool) {
	for _, c := range candidates {
		if v, ok := f.lookup(c); ok {
			if n, ok := toFloat(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func (f fieldIndex) time(candidates ...string) time.Time {
	for _, c := range candidates {
		if v, ok := f.lookup(c); ok {
			if t, ok := toTime(v); ok {
				return t
			}
		}
	}
	return time.Time{}
}

var (
	latCandidates = []string{"Latitude", "Lat", "Y"}
	lngCandidates = []string{"Longitude", "Lng", "Lon", "Long", "X"}
)

// coordinate resolves a record's position from attribute columns, point geometry,
// or (for headerless CSV) the trailing numeric cells, in that order.
func coordinate(rec source.Record, f fieldIndex, hints models.FieldMapping) (lat, lng float64, ok bool) {
	latNames := append([]string{hints.Lat}, latCandidates...)
	lngNames := append([]string{hints.Lng}, lngCandidates...)
	if lat, okLat := f.float(latNames...); okLat {
		if lng, okLng := f.float(lngNames...); okLng && models.ValidCoordinate(lat, lng) {
			return lat, lng, true
		}
	}
	if rec.Geometry != nil && models.ValidCoordinate(rec.Geometry.Y, rec.Geometry.X) {
		return rec.Geometry.Y, rec.Geometry.X, true
	}
	if rec.Kind == source.KindCSVRow {
		if lat, lng, ok := rowCoordinate(rec.Row); ok && models.ValidCoordinate(lat, lng) {
			return lat, lng, true
		}
	}
	return 0, 0, false
}

// rowCoordinate scans from the end of a CSV row: the first numeric cell is the
// longitude, the next one the latitude.
func rowCoordinate(row []string) (lat, lng float64, ok bool) {
	var haveLng bool
	for i := len(row) - 1; i >= 0; i-- {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		if err != nil {
			continue
		}
		if !haveLng {
			lng, haveLng = v, true
			continue
		}
		return v, lng, true
	}
	return 0, 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case bool:
		if s {
			return "yes"
		}
		return "no"
	}
	return ""
}

func toInt(v any) int {
	f, ok := toFloat(v)
	if !ok || f < 0 || f > math.MaxInt32 {
		return 0
	}
	return int(f)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"2006-01-02",
}

// toTime accepts epoch numbers (values above 1e11 are milliseconds, as ArcGIS
// date fields are) and the common string layouts. Naive strings are read as UTC.
func toTime(v any) (time.Time, bool) {
	if n, ok := v.(string); ok {
		n = strings.TrimSpace(n)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, n); err == nil {
				return t.UTC(), true
			}
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e11 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Unix(int64(f), 0).UTC(), true
}
