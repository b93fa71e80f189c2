package source

// Kind tags the upstream shape a Record came from.
type Kind string

const (
	KindArcGIS  Kind = "arcgis"
	KindGeoJSON Kind = "geojson"
	KindObject  Kind = "object"
	KindCSVRow  Kind = "csvrow"
)

// Point is a WGS84 position; X is longitude, Y is latitude.
type Point struct {
	X float64
	Y float64
}

// Record is one raw upstream row. Only the normalizer reads it; handlers never see it.
type Record struct {
	Kind       Kind
	Attributes map[string]any
	Geometry   *Point
	// Row holds the raw cells for CSV input.
	Row []string
}
