// Package domain models 511-style traffic feed data.
//
// # Data Source
//
// Records originate from a state 511 traveler-information GraphQL endpoint.
// The map-features query returns heterogeneous "map feature" collections
// (incidents, closures, cameras, plows, road conditions) for a viewport;
// separate list queries return weather stations, dynamic message signs, and
// camera views; a dashboard query returns per-collection update summaries.
// The upstream is a re-playable snapshot source: every poll returns the full
// current set for the requested viewport, with no delivery guarantees and no
// event log.
//
// # Feed Conventions
//
// Icon URLs encode the feature kind, e.g. ".../icons/crash-minor.svg".
// Category inference matches substrings of the icon identifier against a
// priority-ordered table (camera before crash before incident, and so on);
// the first match wins and unmatched icons fall back to the generic ROAD
// category. See [CategoryFromIcon].
//
// Event titles lead with a route designator and a direction word:
//
//	"MN 13 northbound: Traffic incident reported."
//
// [ExtractRoadDirection] pulls both or neither.
//
// LineString geometries arrive either as an explicit coordinate array or as
// an encoded polyline string (5-bit chunks, zig-zag sign, 1e5 scale). The
// upstream occasionally emits polylines in (lat, lon) order; decoded lines
// whose first pair has |first| <= 90 and |second| > 90 are assumed swapped
// and corrected. See [DecodePolyline].
//
// Upstream timestamps are numeric and inconsistently scaled: values below
// 2e9 are seconds, larger values milliseconds (2e9 ms is early 1970, 2e9 s
// is the year 2033, so the ambiguity window is empty in practice).
// [NormalizeTimestamp] returns epoch milliseconds or nil.
//
// # Identity
//
// Entity IDs are derived deterministically from upstream identifiers: the
// trailing segment of the record's uri, else the leading segments of the
// first feature id, else an "EVT-" prefixed hash of a truncated
// serialization of the record. Static kinds namespace their uri-derived IDs
// ("ws:", "sign:", "cam:") so camera views can never collide with parent
// cameras. The same logical record always yields the same ID across polls,
// which is what makes reconciliation upserts idempotent.
//
// # Change Detection
//
// [Fingerprint] hashes the raw upstream payload bytes. The fingerprint, not
// the upstream timestamp, is the authoritative change signal: the store
// bumps an entity's version only when the fingerprint moves. Upstream
// update times merely supply the value of last_updated_at when a change is
// detected.
package domain
