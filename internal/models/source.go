package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldMapping lists attribute names to try before the built-in candidates.
// Empty fields are ignored.
type FieldMapping struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Lat      string `yaml:"lat"`
	Lng      string `yaml:"lng"`
	Category string `yaml:"category"`
	Status   string `yaml:"status"`
	Updated  string `yaml:"updated"`
}

// SourceConfig describes one upstream and its local fallback.
// Loaded once at startup; treat as immutable afterwards.
type SourceConfig struct {
	URL           string
	Layer         *int
	Layers        []string
	TTL           time.Duration
	FallbackFiles []string
	MergeLocal    bool
	Provenance    Provenance
	Fields        FieldMapping
	MaxRecords    int

	// WMS only.
	Version string
	CRS     string
	Format  string
	Width   int
	Height  int
}

// LiveEnabled reports whether a live upstream is configured.
func (c SourceConfig) LiveEnabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// BBox is an axis-aligned bounding box in the request CRS.
type BBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// String formats the box as a WMS BBOX parameter.
func (b BBox) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(b.MinX, 'f', -1, 64),
		strconv.FormatFloat(b.MinY, 'f', -1, 64),
		strconv.FormatFloat(b.MaxX, 'f', -1, 64),
		strconv.FormatFloat(b.MaxY, 'f', -1, 64),
	}, ",")
}

// Valid reports whether min < max on both axes.
func (b BBox) Valid() bool {
	return b.MinX < b.MaxX && b.MinY < b.MaxY
}

// OverlayRequest is a caller's flood overlay query.
type OverlayRequest struct {
	BBox   BBox
	Width  int
	Height int
	CRS    string
}

// Key returns a stable cache key for the request.
func (r OverlayRequest) Key() string {
	return fmt.Sprintf("%s|%dx%d|%s", r.BBox.String(), r.Width, r.Height, strings.ToUpper(r.CRS))
}
