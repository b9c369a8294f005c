package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
)

// ErrNotFound is returned by Get for an unknown entity id.
var ErrNotFound = errors.New("entity not found")

const (
	defaultLimit = 200
	maxLimit     = 1000
)

// Filter is the predicate set for entity queries. Zero values mean "no
// constraint".
type Filter struct {
	Kind            domain.Kind
	Categories      []domain.Category
	Status          domain.Status
	RouteDesignator string

	MinSeverity *int
	MaxSeverity *int

	// BBox keeps rows whose stored bounding box overlaps it, using the
	// four-inequality rectangle test.
	BBox *domain.BBox

	// SinceVersion keeps rows whose source_version is strictly greater.
	SinceVersion *int64
	// Since keeps rows content-changed strictly after the instant.
	Since *time.Time

	Limit  int
	Offset int
}

const entityColumnsSQL = `
	id, kind, uri, title, tooltip, category, road, direction, severity, priority,
	geom_type, lat, lon, geom_coords,
	bbox_min_lon, bbox_min_lat, bbox_max_lon, bbox_max_lat,
	icon, url, route_designator, parent_uri,
	status, source, raw_json, source_updated_ms,
	source_version, source_fingerprint,
	first_seen_ms, last_seen_ms, last_updated_ms`

// Query returns entities matching the filter with stable ordering: active
// before cleared, then descending severity and priority, then most recently
// updated first, with id as the final tie-break so pagination never
// shuffles.
func (s *Store) Query(ctx context.Context, f Filter) ([]domain.Entity, error) {
	where, args := buildWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(`
		SELECT %s FROM entities
		%s
		ORDER BY
			CASE WHEN status = 'active' THEN 0 ELSE 1 END,
			COALESCE(severity, 0) DESC,
			COALESCE(priority, 0) DESC,
			last_updated_ms DESC,
			id ASC
		LIMIT ? OFFSET ?`, entityColumnsSQL, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one entity by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entities WHERE id = ?`, entityColumnsSQL), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entity{}, ErrNotFound
	}
	return e, err
}

// StatusSummary is the aggregate view served by the status endpoint.
type StatusSummary struct {
	Total      int64      `json:"total"`
	Active     int64      `json:"active"`
	Cleared    int64      `json:"cleared"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}

// Status returns entity counts and the most recent observation instant.
func (s *Store) Status(ctx context.Context) (StatusSummary, error) {
	var sum StatusSummary
	var lastSeen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cleared' THEN 1 ELSE 0 END), 0),
			MAX(last_seen_ms)
		FROM entities`).Scan(&sum.Total, &sum.Active, &sum.Cleared, &lastSeen)
	if err != nil {
		return StatusSummary{}, fmt.Errorf("status summary: %w", err)
	}
	if lastSeen.Valid {
		t := time.UnixMilli(lastSeen.Int64).UTC()
		sum.LastSeenAt = &t
	}
	return sum, nil
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.RouteDesignator != "" {
		clauses = append(clauses, "route_designator = ?")
		args = append(args, f.RouteDesignator)
	}
	if n := len(f.Categories); n == 1 {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Categories[0])
	} else if n > 1 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
		clauses = append(clauses, fmt.Sprintf("category IN (%s)", placeholders))
		for _, c := range f.Categories {
			args = append(args, c)
		}
	}
	if f.MinSeverity != nil {
		clauses = append(clauses, "severity >= ?")
		args = append(args, *f.MinSeverity)
	}
	if f.MaxSeverity != nil {
		clauses = append(clauses, "severity <= ?")
		args = append(args, *f.MaxSeverity)
	}
	if b := f.BBox; b != nil {
		// Overlap unless entirely west, east, south, or north of the filter
		// box.
		clauses = append(clauses, `NOT (
			bbox_max_lon < ? OR
			bbox_min_lon > ? OR
			bbox_max_lat < ? OR
			bbox_min_lat > ?
		)`)
		args = append(args, b.MinLon, b.MaxLon, b.MinLat, b.MaxLat)
	}
	if f.SinceVersion != nil {
		clauses = append(clauses, "source_version > ?")
		args = append(args, *f.SinceVersion)
	}
	if f.Since != nil {
		clauses = append(clauses, "last_updated_ms > ?")
		args = append(args, f.Since.UnixMilli())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (domain.Entity, error) {
	var (
		e domain.Entity

		uri, title, tooltip, category, road, direction sql.NullString
		severity, priority                             sql.NullInt64
		cols                                           sqlColumns
		icon, url, routeDesignator, parentURI          sql.NullString
		rawJSON                                        sql.NullString
		sourceUpdatedMs                                sql.NullInt64
		fingerprint                                    sql.NullString
		firstSeenMs, lastSeenMs, lastUpdatedMs         int64
	)

	err := row.Scan(
		&e.ID, &e.Kind, &uri, &title, &tooltip, &category, &road, &direction, &severity, &priority,
		&cols.geomType, &cols.lat, &cols.lon, &cols.geomCoords,
		&cols.bboxMinLon, &cols.bboxMinLat, &cols.bboxMaxLon, &cols.bboxMaxLat,
		&icon, &url, &routeDesignator, &parentURI,
		&e.Status, &e.Source, &rawJSON, &sourceUpdatedMs,
		&e.SourceVersion, &fingerprint,
		&firstSeenMs, &lastSeenMs, &lastUpdatedMs,
	)
	if err != nil {
		return domain.Entity{}, err
	}

	e.URI = uri.String
	e.Title = title.String
	e.Tooltip = tooltip.String
	e.Category = domain.Category(category.String)
	e.Road = road.String
	e.Direction = direction.String
	if severity.Valid {
		v := int(severity.Int64)
		e.Severity = &v
	}
	if priority.Valid {
		v := int(priority.Int64)
		e.Priority = &v
	}
	e.Icon = icon.String
	e.URL = url.String
	e.RouteDesignator = routeDesignator.String
	e.ParentURI = parentURI.String
	if rawJSON.Valid && rawJSON.String != "" {
		e.Raw = json.RawMessage(rawJSON.String)
	}
	if sourceUpdatedMs.Valid {
		v := sourceUpdatedMs.Int64
		e.SourceUpdatedMs = &v
	}
	e.SourceFingerprint = fingerprint.String
	e.FirstSeenAt = time.UnixMilli(firstSeenMs).UTC()
	e.LastSeenAt = time.UnixMilli(lastSeenMs).UTC()
	e.LastUpdatedAt = time.UnixMilli(lastUpdatedMs).UTC()

	e.Geometry, err = geometryFromColumns(cols)
	if err != nil {
		return domain.Entity{}, err
	}
	if cols.bboxMinLon.Valid && cols.bboxMinLat.Valid && cols.bboxMaxLon.Valid && cols.bboxMaxLat.Valid {
		e.BBox = &domain.BBox{
			MinLon: cols.bboxMinLon.Float64,
			MinLat: cols.bboxMinLat.Float64,
			MaxLon: cols.bboxMaxLon.Float64,
			MaxLat: cols.bboxMaxLat.Float64,
		}
	}

	return e, nil
}

func geometryFromColumns(cols sqlColumns) (*domain.Geometry, error) {
	switch domain.GeometryType(cols.geomType.String) {
	case domain.GeometryPoint:
		if !cols.lon.Valid || !cols.lat.Valid {
			return nil, nil
		}
		return domain.Point(cols.lon.Float64, cols.lat.Float64), nil
	case domain.GeometryLineString:
		if !cols.geomCoords.Valid {
			return nil, nil
		}
		var coords [][]float64
		if err := json.Unmarshal([]byte(cols.geomCoords.String), &coords); err != nil {
			return nil, fmt.Errorf("unmarshal line coords: %w", err)
		}
		return &domain.Geometry{Type: domain.GeometryLineString, Coords: coords}, nil
	}
	return nil, nil
}
