package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	"github.com/couchcryptid/traffic-feed-service/internal/store"
)

// preset pins filter fields for the convenience collection routes. Pinned
// fields win over query parameters.
type preset struct {
	status     domain.Status
	categories []domain.Category
}

func (s *Server) handleCollection(p preset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_FILTER")
			return
		}
		if p.status != "" {
			f.Status = p.status
		}
		if len(p.categories) > 0 {
			f.Categories = p.categories
		}

		entities, err := s.reader.Query(r.Context(), f)
		if err != nil {
			s.logger.Error("entity query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "STORE_ERROR")
			return
		}

		etag, lastModified := collectionValidators(entities)
		w.Header().Set("ETag", etag)
		if !lastModified.IsZero() {
			w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		}
		if notModified(r, etag, lastModified) {
			s.metrics.QueryNotModified.Inc()
			w.WriteHeader(http.StatusNotModified)
			return
		}

		features := make([]feature, 0, len(entities))
		for i := range entities {
			features = append(features, toFeature(entities[i], s.opts.ExposeRaw))
		}
		writeJSON(w, http.StatusOK, collection{
			OK:       true,
			Count:    len(features),
			Type:     "FeatureCollection",
			Features: features,
		})
	}
}

// collectionValidators derives a strong ETag and a Last-Modified instant
// from a result set. The ETag hashes one line per entity, sorted by id, so
// it is insensitive to result ordering and changes exactly when any
// member's identity, version, status, or update instant changes.
func collectionValidators(entities []domain.Entity) (string, time.Time) {
	lines := make([]string, 0, len(entities))
	var latest time.Time
	for i := range entities {
		e := &entities[i]
		lines = append(lines, fmt.Sprintf("%s|%d|%s|%d",
			e.ID, e.SourceVersion, e.Status, e.LastUpdatedAt.UnixMilli()))
		if e.LastUpdatedAt.After(latest) {
			latest = e.LastUpdatedAt
		}
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return `"` + hex.EncodeToString(sum[:]) + `"`, latest.Truncate(time.Second)
}

// notModified applies If-None-Match first, falling back to
// If-Modified-Since, per RFC 9110 precedence.
func notModified(r *http.Request, etag string, lastModified time.Time) bool {
	if match := r.Header.Get("If-None-Match"); match != "" {
		for _, candidate := range strings.Split(match, ",") {
			if strings.TrimSpace(candidate) == etag {
				return true
			}
		}
		return false
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" && !lastModified.IsZero() {
		t, err := http.ParseTime(since)
		if err == nil && !lastModified.After(t) {
			return true
		}
	}
	return false
}

func parseFilter(q url.Values) (store.Filter, error) {
	var f store.Filter

	if v := q.Get("kind"); v != "" {
		f.Kind = domain.Kind(v)
	}
	if v := q.Get("status"); v != "" {
		f.Status = domain.Status(v)
	}
	if v := q.Get("route"); v != "" {
		f.RouteDesignator = v
	}
	if v := q.Get("category"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				f.Categories = append(f.Categories, domain.Category(c))
			}
		}
	}

	var err error
	if f.MinSeverity, err = intParam(q, "min_severity"); err != nil {
		return f, err
	}
	if f.MaxSeverity, err = intParam(q, "max_severity"); err != nil {
		return f, err
	}
	if v := q.Get("since_version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("since_version: %w", err)
		}
		f.SinceVersion = &n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
		f.Since = &t
	}
	if v := q.Get("bbox"); v != "" {
		bbox, err := parseBBox(v)
		if err != nil {
			return f, err
		}
		f.BBox = bbox
	}
	if n, ok := parseInt(q.Get("limit")); ok {
		f.Limit = n
	}
	if n, ok := parseInt(q.Get("offset")); ok {
		f.Offset = n
	}
	return f, nil
}

func intParam(q url.Values, name string) (*int, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &n, nil
}

// parseBBox parses "minLon,minLat,maxLon,maxLat".
func parseBBox(v string) (*domain.BBox, error) {
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox: want 4 comma-separated numbers, got %d", len(parts))
	}
	nums := make([]float64, 4)
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox: %w", err)
		}
		nums[i] = n
	}
	return &domain.BBox{MinLon: nums[0], MinLat: nums[1], MaxLon: nums[2], MaxLat: nums[3]}, nil
}

func parseInt(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
