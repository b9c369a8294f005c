package httpapi

import (
	"encoding/json"
	"time"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
)

type collection struct {
	OK       bool      `json:"ok"`
	Count    int       `json:"count"`
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Geometry   *geometry      `json:"geometry"`
	BBox       []float64      `json:"bbox,omitempty"`
	Properties map[string]any `json:"properties"`
}

// geometry is GeoJSON-shaped: Point coordinates are a bare pair, LineString
// coordinates a pair sequence.
type geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

func toFeature(e domain.Entity, exposeRaw bool) feature {
	f := feature{
		Type:     "Feature",
		ID:       e.ID,
		Geometry: toGeometry(&e),
		Properties: map[string]any{
			"kind":            e.Kind,
			"uri":             e.URI,
			"title":           e.Title,
			"tooltip":         e.Tooltip,
			"category":        e.Category,
			"road":            e.Road,
			"direction":       e.Direction,
			"severity":        e.Severity,
			"priority":        e.Priority,
			"icon":            e.Icon,
			"status":          e.Status,
			"source":          e.Source,
			"source_version":  e.SourceVersion,
			"first_seen_at":   rfc3339OrNil(e.FirstSeenAt),
			"last_seen_at":    rfc3339OrNil(e.LastSeenAt),
			"last_updated_at": rfc3339OrNil(e.LastUpdatedAt),
		},
	}
	if e.URL != "" {
		f.Properties["url"] = e.URL
	}
	if e.RouteDesignator != "" {
		f.Properties["route_designator"] = e.RouteDesignator
	}
	if e.ParentURI != "" {
		f.Properties["parent_uri"] = e.ParentURI
	}
	if e.BBox != nil {
		f.BBox = []float64{e.BBox.MinLon, e.BBox.MinLat, e.BBox.MaxLon, e.BBox.MaxLat}
	}
	if exposeRaw && len(e.Raw) > 0 {
		f.Properties["raw"] = json.RawMessage(e.Raw)
	}
	return f
}

// toGeometry renders the stored geometry, or synthesizes a bbox-center
// point for rows that carry a bounding box but no geometry. The synthesized
// point is display-only and never persisted.
func toGeometry(e *domain.Entity) *geometry {
	if e.Geometry != nil {
		switch e.Geometry.Type {
		case domain.GeometryPoint:
			if len(e.Geometry.Coords) == 1 {
				return &geometry{Type: "Point", Coordinates: e.Geometry.Coords[0]}
			}
		case domain.GeometryLineString:
			return &geometry{Type: "LineString", Coordinates: e.Geometry.Coords}
		}
	}
	if e.BBox != nil {
		lon, lat := e.BBox.Center()
		return &geometry{Type: "Point", Coordinates: []float64{lon, lat}}
	}
	return nil
}

func rfc3339OrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
