package domain

import (
	"encoding/json"
	"time"
)

// Kind identifies the upstream record family an entity was normalized from.
type Kind string

const (
	KindEvent          Kind = "event"
	KindWeatherStation Kind = "weather_station"
	KindSign           Kind = "sign"
	KindCameraView     Kind = "camera_view"
)

// Category is the closed classification inferred from upstream icon hints.
type Category string

const (
	CategoryCamera       Category = "CAMERA"
	CategoryCrash        Category = "CRASH"
	CategoryIncident     Category = "INCIDENT"
	CategoryConstruction Category = "CONSTRUCTION"
	CategoryClosure      Category = "CLOSURE"
	CategoryPlow         Category = "PLOW"
	CategoryCondition    Category = "CONDITION"
	CategoryWeather      Category = "WEATHER"
	CategoryRoad         Category = "ROAD"
)

// Status is an entity's lifecycle state. Entities are active while the
// upstream keeps reporting them and cleared once the purge policy retires
// them; a cleared entity that reappears upstream flips back to active on
// the next upsert.
type Status string

const (
	StatusActive  Status = "active"
	StatusCleared Status = "cleared"
)

// BBox is a (minLon, minLat, maxLon, maxLat) rectangle in WGS-84.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Overlaps reports whether two boxes share any area. Boxes that merely
// touch along an edge still overlap. This is the four-inequality rectangle
// test, not a centroid-distance approximation.
func (b BBox) Overlaps(o BBox) bool {
	return !(b.MaxLon < o.MinLon || b.MinLon > o.MaxLon ||
		b.MaxLat < o.MinLat || b.MinLat > o.MaxLat)
}

// Center returns the box's midpoint as (lon, lat).
func (b BBox) Center() (float64, float64) {
	return (b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2
}

// GeometryType distinguishes the two geometry shapes the feed produces.
type GeometryType string

const (
	GeometryPoint      GeometryType = "Point"
	GeometryLineString GeometryType = "LineString"
)

// Geometry is the single representative geometry retained per entity.
// Points carry exactly one coordinate pair; line strings carry the full
// ordered sequence. Coordinates are always (lon, lat).
type Geometry struct {
	Type   GeometryType `json:"type"`
	Coords [][]float64  `json:"coordinates"`
}

// Point builds a point geometry at (lon, lat).
func Point(lon, lat float64) *Geometry {
	return &Geometry{Type: GeometryPoint, Coords: [][]float64{{lon, lat}}}
}

// Lon returns the longitude of a point geometry.
func (g *Geometry) Lon() float64 { return g.Coords[0][0] }

// Lat returns the latitude of a point geometry.
func (g *Geometry) Lat() float64 { return g.Coords[0][1] }

// Entity is the canonical record every upstream shape normalizes into and
// the unit the reconciliation store versions and retires.
type Entity struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	URI      string   `json:"uri,omitempty"`
	Title    string   `json:"title,omitempty"`
	Tooltip  string   `json:"tooltip,omitempty"`
	Category Category `json:"category,omitempty"`

	Road      string `json:"road,omitempty"`
	Direction string `json:"direction,omitempty"`

	Severity *int `json:"severity,omitempty"`
	Priority *int `json:"priority,omitempty"`

	Geometry *Geometry `json:"geometry,omitempty"`
	BBox     *BBox     `json:"bbox,omitempty"`

	Icon            string `json:"icon,omitempty"`
	URL             string `json:"url,omitempty"`
	RouteDesignator string `json:"route_designator,omitempty"`
	ParentURI       string `json:"parent_uri,omitempty"`

	Status Status `json:"status"`
	Source string `json:"source"`

	// SourceUpdatedMs is the upstream-reported update instant in epoch
	// milliseconds, when the upstream carried one.
	SourceUpdatedMs *int64 `json:"source_updated_ms,omitempty"`

	// Raw is the original upstream payload, retained for forward-compatible
	// re-derivation and optional pass-through.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Reconciliation fields, maintained by the store.
	SourceVersion     int64     `json:"source_version,omitempty"`
	SourceFingerprint string    `json:"source_fingerprint,omitempty"`
	FirstSeenAt       time.Time `json:"first_seen_at,omitzero"`
	LastSeenAt        time.Time `json:"last_seen_at,omitzero"`
	LastUpdatedAt     time.Time `json:"last_updated_at,omitzero"`
}

// HasPoint reports whether the entity carries point coordinates.
func (e *Entity) HasPoint() bool {
	return e.Geometry != nil && e.Geometry.Type == GeometryPoint && len(e.Geometry.Coords) == 1
}
