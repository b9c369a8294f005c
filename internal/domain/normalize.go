package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// roadDirectionRe parses event titles that lead with a route designator and
// a direction word, e.g. "MN 13 northbound: Traffic incident reported."
var roadDirectionRe = regexp.MustCompile(`(?i)^([A-Z]{1,3}\s?\d+)\s+(northbound|southbound|eastbound|westbound)\b`)

// millisThreshold separates second-scaled from millisecond-scaled upstream
// timestamps. 2e9 seconds is the year 2033; 2e9 milliseconds is January
// 1970, so no real feed value is ambiguous.
const millisThreshold = 2_000_000_000

// categoryTable maps icon-identifier substrings to categories in priority
// order; the first match wins. Kept as an explicit table so inference stays
// independently testable rather than scattered through handlers.
var categoryTable = []struct {
	substr   string
	category Category
}{
	{"camera", CategoryCamera},
	{"crash", CategoryCrash},
	{"incident", CategoryIncident},
	{"construction", CategoryConstruction},
	{"closure", CategoryClosure},
	{"plow", CategoryPlow},
	{"condition", CategoryCondition},
	{"weather", CategoryWeather},
	{"snow", CategoryWeather},
	{"ice", CategoryWeather},
}

// CategoryFromIcon infers an entity category from an upstream icon URL or
// identifier. Unmatched icons fall back to the generic ROAD category.
func CategoryFromIcon(icon string) Category {
	u := strings.ToLower(icon)
	for _, row := range categoryTable {
		if strings.Contains(u, row.substr) {
			return row.category
		}
	}
	return CategoryRoad
}

// ExtractRoadDirection pulls a leading route token and direction word from
// an event title. Both are returned or neither.
func ExtractRoadDirection(title string) (road, direction string) {
	m := roadDirectionRe.FindStringSubmatch(title)
	if m == nil {
		return "", ""
	}
	road = strings.Join(strings.Fields(strings.ToUpper(m[1])), " ")
	return road, strings.ToLower(m[2])
}

// NormalizeTimestamp converts an upstream timestamp value into epoch
// milliseconds. It accepts numbers in seconds or milliseconds, numeric
// strings, and RFC 3339 strings. Returns nil when the value is absent or
// unparseable.
func NormalizeTimestamp(raw json.RawMessage) *int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return scaleToMillis(num)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return scaleToMillis(n)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		ms := t.UnixMilli()
		return &ms
	}
	return nil
}

func scaleToMillis(v float64) *int64 {
	ms := int64(v)
	if ms < millisThreshold {
		ms *= 1000
	}
	return &ms
}

// Fingerprint hashes an entity's raw upstream payload. Identical upstream
// bytes always produce the same fingerprint, which is what lets the store
// distinguish real change from re-fetch noise.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// fallbackID derives a deterministic ID from a truncated serialization of
// the record, for upstream records with no stable identifier. The prefix
// keeps it out of the real-identifier namespace.
func fallbackID(raw []byte) string {
	if len(raw) > 200 {
		raw = raw[:200]
	}
	sum := sha256.Sum256(raw)
	return "EVT-" + hex.EncodeToString(sum[:4])
}

// uriTail returns the segment after the final slash, or "" when the uri has
// no path structure to strip.
func uriTail(uri string) string {
	if !strings.Contains(uri, "/") {
		return ""
	}
	parts := strings.Split(uri, "/")
	return parts[len(parts)-1]
}

// Raw upstream shapes. Fields the normalizers never read stay in the
// retained raw payload rather than here.

type rawLastUpdated struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

type rawIcon struct {
	URL string `json:"url"`
}

type rawFeatureProperties struct {
	Icon rawIcon `json:"icon"`
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type rawFeature struct {
	ID         string               `json:"id"`
	Geometry   *rawGeometry         `json:"geometry"`
	Properties rawFeatureProperties `json:"properties"`
}

type rawMapFeature struct {
	Title       string          `json:"title"`
	Tooltip     string          `json:"tooltip"`
	URI         string          `json:"uri"`
	Priority    *int            `json:"priority"`
	BBox        []float64       `json:"bbox"`
	LastUpdated *rawLastUpdated `json:"lastUpdated"`
	Features    []rawFeature    `json:"features"`
}

type rawLocation struct {
	RouteDesignator          string `json:"routeDesignator"`
	PrimaryLinearReference   string `json:"primaryLinearReference"`
	SecondaryLinearReference string `json:"secondaryLinearReference"`
}

type rawWeatherStation struct {
	URI         string          `json:"uri"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Icon        string          `json:"icon"`
	Location    *rawLocation    `json:"location"`
	LastUpdated *rawLastUpdated `json:"lastUpdated"`
}

type rawSign struct {
	URI      string       `json:"uri"`
	Title    string       `json:"title"`
	CityRef  string       `json:"cityReference"`
	BBox     []float64    `json:"bbox"`
	Icon     string       `json:"icon"`
	Location *rawLocation `json:"location"`
}

type rawParentCollection struct {
	URI      string       `json:"uri"`
	Title    string       `json:"title"`
	Icon     string       `json:"icon"`
	BBox     []float64    `json:"bbox"`
	Location *rawLocation `json:"location"`
}

type rawCameraView struct {
	URI         string               `json:"uri"`
	Title       string               `json:"title"`
	Icon        string               `json:"icon"`
	URL         string               `json:"url"`
	LastUpdated *rawLastUpdated      `json:"lastUpdated"`
	Parent      *rawParentCollection `json:"parentCollection"`
}

// GraphQL envelopes, decoded per entity kind. Each element is kept as raw
// bytes so the original payload survives normalization byte for byte.

type rawMapFeaturesEnvelope struct {
	Data struct {
		MapFeaturesQuery struct {
			MapFeatures []json.RawMessage `json:"mapFeatures"`
		} `json:"mapFeaturesQuery"`
	} `json:"data"`
}

type rawWeatherStationsEnvelope struct {
	Data struct {
		ListWeatherStationsQuery struct {
			Stations []json.RawMessage `json:"stations"`
		} `json:"listWeatherStationsQuery"`
	} `json:"data"`
}

type rawSignsEnvelope struct {
	Data struct {
		ListSignsQuery struct {
			Signs []json.RawMessage `json:"signs"`
		} `json:"listSignsQuery"`
	} `json:"data"`
}

type rawCameraViewsEnvelope struct {
	Data struct {
		ListCameraViewsQuery struct {
			CameraViews []json.RawMessage `json:"cameraViews"`
		} `json:"listCameraViewsQuery"`
	} `json:"data"`
}

type rawDashboardEnvelope struct {
	Data struct {
		DashboardQuery struct {
			Collections []struct {
				URI         string          `json:"uri"`
				LastUpdated *rawLastUpdated `json:"lastUpdated"`
			} `json:"collections"`
		} `json:"dashboardQuery"`
	} `json:"data"`
}

// NormalizeMapFeatures turns a map-features GraphQL response body into
// canonical event entities. Malformed elements are dropped; the batch never
// aborts on a single bad record.
func NormalizeMapFeatures(body []byte, source string) []Entity {
	var env rawMapFeaturesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}

	out := make([]Entity, 0, len(env.Data.MapFeaturesQuery.MapFeatures))
	for _, raw := range env.Data.MapFeaturesQuery.MapFeatures {
		if e, ok := normalizeMapFeature(raw, source); ok {
			out = append(out, e)
		}
	}
	return out
}

func normalizeMapFeature(raw json.RawMessage, source string) (Entity, bool) {
	var mf rawMapFeature
	if err := json.Unmarshal(raw, &mf); err != nil {
		return Entity{}, false
	}

	var first *rawFeature
	if len(mf.Features) > 0 {
		first = &mf.Features[0]
	}

	iconURL := ""
	if first != nil {
		iconURL = first.Properties.Icon.URL
	}

	road, direction := ExtractRoadDirection(mf.Title)

	e := Entity{
		ID:        eventID(&mf, first, raw),
		Kind:      KindEvent,
		URI:       mf.URI,
		Title:     mf.Title,
		Tooltip:   mf.Tooltip,
		Category:  CategoryFromIcon(iconURL),
		Road:      road,
		Direction: direction,
		Severity:  mf.Priority,
		Priority:  mf.Priority,
		Icon:      iconName(iconURL),
		Status:    StatusActive,
		Source:    source,
		Raw:       raw,
	}

	if len(mf.BBox) == 4 {
		e.BBox = &BBox{MinLon: mf.BBox[0], MinLat: mf.BBox[1], MaxLon: mf.BBox[2], MaxLat: mf.BBox[3]}
	}
	if first != nil {
		e.Geometry = pickGeometry(first.Geometry)
	}
	if mf.LastUpdated != nil {
		e.SourceUpdatedMs = NormalizeTimestamp(mf.LastUpdated.Timestamp)
	}

	return e, true
}

// eventID prefers the uri tail, then the first feature's id base, then a
// deterministic hash fallback.
func eventID(mf *rawMapFeature, first *rawFeature, raw []byte) string {
	if tail := uriTail(mf.URI); tail != "" {
		return tail
	}
	if first != nil && first.ID != "" {
		parts := strings.Split(first.ID, "-")
		if len(parts) >= 2 {
			return parts[0] + "-" + parts[1]
		}
		return first.ID
	}
	return fallbackID(raw)
}

// pickGeometry extracts the representative geometry. Points pass through;
// line strings may arrive as a coordinate array or an encoded polyline
// string. Anything else is dropped.
func pickGeometry(g *rawGeometry) *Geometry {
	if g == nil {
		return nil
	}

	switch g.Type {
	case "Point":
		var pt []float64
		if err := json.Unmarshal(g.Coordinates, &pt); err != nil || len(pt) < 2 {
			return nil
		}
		return Point(pt[0], pt[1])

	case "LineString":
		var coords [][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err == nil && len(coords) > 0 {
			coords = normalizeLineCoords(coords)
			return &Geometry{Type: GeometryLineString, Coords: coords}
		}
		var encoded string
		if err := json.Unmarshal(g.Coordinates, &encoded); err == nil {
			if coords := DecodePolyline(encoded); len(coords) > 0 {
				return &Geometry{Type: GeometryLineString, Coords: coords}
			}
		}
		return nil
	}

	return nil
}

func iconName(iconURL string) string {
	if iconURL == "" {
		return ""
	}
	parts := strings.Split(iconURL, "/")
	return strings.TrimSuffix(parts[len(parts)-1], ".svg")
}

// NormalizeWeatherStations turns a list-weather-stations response body into
// weather station entities. Station IDs are namespaced with "ws:".
func NormalizeWeatherStations(body []byte, source string) []Entity {
	var env rawWeatherStationsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}

	out := make([]Entity, 0, len(env.Data.ListWeatherStationsQuery.Stations))
	for _, raw := range env.Data.ListWeatherStationsQuery.Stations {
		var st rawWeatherStation
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}

		e := Entity{
			ID:       staticID("ws:", st.URI, raw),
			Kind:     KindWeatherStation,
			URI:      st.URI,
			Title:    st.Title,
			Tooltip:  st.Description,
			Category: CategoryWeather,
			Icon:     st.Icon,
			Status:   StatusActive,
			Source:   source,
			Raw:      raw,
		}
		if st.Location != nil {
			e.RouteDesignator = st.Location.RouteDesignator
		}
		if st.LastUpdated != nil {
			e.SourceUpdatedMs = NormalizeTimestamp(st.LastUpdated.Timestamp)
		}
		out = append(out, e)
	}
	return out
}

// NormalizeSigns turns a list-signs response body into sign entities. Signs
// carry a bbox but no geometry; a center point is derived from the bbox
// when present. Sign IDs are namespaced with "sign:".
func NormalizeSigns(body []byte, source string) []Entity {
	var env rawSignsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}

	out := make([]Entity, 0, len(env.Data.ListSignsQuery.Signs))
	for _, raw := range env.Data.ListSignsQuery.Signs {
		var sg rawSign
		if err := json.Unmarshal(raw, &sg); err != nil {
			continue
		}

		e := Entity{
			ID:       staticID("sign:", sg.URI, raw),
			Kind:     KindSign,
			URI:      sg.URI,
			Title:    sg.Title,
			Tooltip:  sg.CityRef,
			Category: CategoryRoad,
			Icon:     sg.Icon,
			Status:   StatusActive,
			Source:   source,
			Raw:      raw,
		}
		if sg.Location != nil {
			e.RouteDesignator = sg.Location.RouteDesignator
		}
		if len(sg.BBox) == 4 {
			e.BBox = &BBox{MinLon: sg.BBox[0], MinLat: sg.BBox[1], MaxLon: sg.BBox[2], MaxLat: sg.BBox[3]}
			lon, lat := e.BBox.Center()
			e.Geometry = Point(lon, lat)
		}
		out = append(out, e)
	}
	return out
}

// NormalizeCameraViews turns a list-camera-views response body into camera
// view entities. Coordinates are left empty; the post-ingest coordinate
// sync fills them from the parent collection's event entity. Camera view
// IDs are namespaced with "cam:" so they can never collide with parent
// camera events.
func NormalizeCameraViews(body []byte, source string) []Entity {
	var env rawCameraViewsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}

	out := make([]Entity, 0, len(env.Data.ListCameraViewsQuery.CameraViews))
	for _, raw := range env.Data.ListCameraViewsQuery.CameraViews {
		var cv rawCameraView
		if err := json.Unmarshal(raw, &cv); err != nil {
			continue
		}

		e := Entity{
			ID:       staticID("cam:", cv.URI, raw),
			Kind:     KindCameraView,
			URI:      cv.URI,
			Title:    cv.Title,
			Category: CategoryCamera,
			Icon:     cv.Icon,
			URL:      cv.URL,
			Status:   StatusActive,
			Source:   source,
			Raw:      raw,
		}
		if cv.Parent != nil {
			e.ParentURI = cv.Parent.URI
			if cv.Parent.Location != nil {
				e.RouteDesignator = cv.Parent.Location.RouteDesignator
			}
		}
		if cv.LastUpdated != nil {
			e.SourceUpdatedMs = NormalizeTimestamp(cv.LastUpdated.Timestamp)
		}
		out = append(out, e)
	}
	return out
}

func staticID(prefix, uri string, raw []byte) string {
	if uri != "" {
		return prefix + uri
	}
	return prefix + fallbackID(raw)
}

// NormalizeDashboardUpdates extracts per-uri update instants from a
// dashboard summary response, for backfilling event entities the
// map-features query returned without a timestamp.
func NormalizeDashboardUpdates(body []byte) map[string]int64 {
	var env rawDashboardEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}

	updates := make(map[string]int64, len(env.Data.DashboardQuery.Collections))
	for _, c := range env.Data.DashboardQuery.Collections {
		if c.URI == "" || c.LastUpdated == nil {
			continue
		}
		if ms := NormalizeTimestamp(c.LastUpdated.Timestamp); ms != nil {
			updates[c.URI] = *ms
		}
	}
	return updates
}
