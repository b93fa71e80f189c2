package models

import "time"

// Category is the kind of reference site shown on the map.
type Category string

const (
	CategoryShelter  Category = "shelter"
	CategoryFreeFood Category = "free_food"
	CategoryDropOff  Category = "drop_off"
)

// Provenance records who published a reference site.
type Provenance string

const (
	ProvenanceOfficial  Provenance = "official"
	ProvenanceCommunity Provenance = "community"
)

// ReferenceSite is a normalized shelter or food/supply location.
// Lat/Lng are always valid WGS84 degrees; records without a usable coordinate never become a ReferenceSite.
type ReferenceSite struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Category    Category   `json:"category"`
	Lat         float64    `json:"lat"`
	Lng         float64    `json:"lng"`
	Provenance  Provenance `json:"provenance"`
	Status      string     `json:"status,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Needs       string     `json:"needs,omitempty"`
	Address     string     `json:"address,omitempty"`
	Website     string     `json:"website,omitempty"`
	Capacity    int        `json:"capacity,omitempty"`
	LastUpdated time.Time  `json:"last_updated,omitzero"`
}

// Incident is a normalized city-service (311) report.
type Incident struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Status      string    `json:"status,omitempty"`
	Description string    `json:"description,omitempty"`
	Address     string    `json:"address,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// Overlay is an opaque map image returned by a WMS server.
type Overlay struct {
	Data        []byte `json:"data"`
	ContentType string `json:"contentType"`
}

// Empty reports whether the overlay carries no image.
func (o Overlay) Empty() bool {
	return len(o.Data) == 0
}

// ValidCoordinate reports whether lat/lng are finite WGS84 degrees.
// The exact pair (0,0) is rejected; upstream tables use it for "unknown".
func ValidCoordinate(lat, lng float64) bool {
	if lat != lat || lng != lng { // NaN
		return false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	return !(lat == 0 && lng == 0)
}
