package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
)

// RunResult summarizes one reconciliation commit.
type RunResult struct {
	Upserted int
	Inserted int
	Changed  []domain.Entity // inserted or content-changed, with final version fields
	Retired  int64
}

// CommitRun applies one ingestion run atomically: every entity is upserted,
// then — when retireBefore is non-zero — active rows of the same kind and
// source not seen since retireBefore are marked cleared. Either the whole
// run commits or none of it does.
func (s *Store) CommitRun(ctx context.Context, kind domain.Kind, source string, entities []domain.Entity, retireBefore time.Time) (RunResult, error) {
	var res RunResult
	now := s.clock.Now().UTC()
	nowMs := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	for i := range entities {
		upserted, err := s.upsertTx(ctx, tx, &entities[i], nowMs)
		if err != nil {
			return RunResult{}, fmt.Errorf("upsert %s: %w", entities[i].ID, err)
		}
		res.Upserted++
		if upserted.inserted {
			res.Inserted++
		}
		if upserted.inserted || upserted.changed {
			res.Changed = append(res.Changed, entities[i])
		}
	}

	if !retireBefore.IsZero() {
		retired, err := retireTx(ctx, tx, kind, source, retireBefore.UnixMilli(), nowMs)
		if err != nil {
			return RunResult{}, err
		}
		res.Retired = retired
	}

	if err := tx.Commit(); err != nil {
		return RunResult{}, fmt.Errorf("commit run: %w", err)
	}
	return res, nil
}

type upsertOutcome struct {
	inserted bool
	changed  bool
}

// upsertTx reconciles one entity inside the transaction. The content
// fingerprint is the authoritative change signal: a moved fingerprint
// increments source_version by exactly one and advances last_updated_ms to
// the upstream-reported instant (or now, when the upstream carried none).
// last_seen_ms always advances and status always returns to active — an
// upsert is evidence the entity is currently present upstream.
//
// The entity is mutated in place with its final reconciliation fields so
// callers can forward it to the change feed without a re-read.
func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, e *domain.Entity, nowMs int64) (upsertOutcome, error) {
	var (
		prevFirstSeen   int64
		prevUpdated     int64
		prevVersion     int64
		prevFingerprint sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT first_seen_ms, last_updated_ms, source_version, source_fingerprint FROM entities WHERE id = ?`,
		e.ID,
	).Scan(&prevFirstSeen, &prevUpdated, &prevVersion, &prevFingerprint)

	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return upsertOutcome{}, err
	}

	fingerprint := domain.Fingerprint(e.Raw)
	changed := exists && fingerprint != prevFingerprint.String

	firstSeenMs := nowMs
	version := int64(1)
	updatedMs := nowMs
	if exists {
		firstSeenMs = prevFirstSeen
		version = prevVersion
		updatedMs = prevUpdated
		if changed {
			version++
			updatedMs = nowMs
			if e.SourceUpdatedMs != nil {
				updatedMs = *e.SourceUpdatedMs
			}
		}
	} else if e.SourceUpdatedMs != nil {
		updatedMs = *e.SourceUpdatedMs
	}

	// first_seen <= last_updated <= last_seen must hold even when the
	// upstream reports an instant outside our observation window.
	if updatedMs < firstSeenMs {
		updatedMs = firstSeenMs
	}
	if updatedMs > nowMs {
		updatedMs = nowMs
	}

	cols, err := entityColumns(e)
	if err != nil {
		return upsertOutcome{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (
			id, kind, uri, title, tooltip, category, road, direction, severity, priority,
			geom_type, lat, lon, geom_coords,
			bbox_min_lon, bbox_min_lat, bbox_max_lon, bbox_max_lat,
			icon, url, route_designator, parent_uri,
			status, source, raw_json, source_updated_ms,
			source_version, source_fingerprint,
			first_seen_ms, last_seen_ms, last_updated_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind,
			uri=excluded.uri,
			title=excluded.title,
			tooltip=excluded.tooltip,
			category=excluded.category,
			road=excluded.road,
			direction=excluded.direction,
			severity=excluded.severity,
			priority=excluded.priority,
			geom_type=excluded.geom_type,
			lat=excluded.lat,
			lon=excluded.lon,
			geom_coords=excluded.geom_coords,
			bbox_min_lon=excluded.bbox_min_lon,
			bbox_min_lat=excluded.bbox_min_lat,
			bbox_max_lon=excluded.bbox_max_lon,
			bbox_max_lat=excluded.bbox_max_lat,
			icon=excluded.icon,
			url=excluded.url,
			route_designator=excluded.route_designator,
			parent_uri=excluded.parent_uri,
			status='active',
			source=excluded.source,
			raw_json=excluded.raw_json,
			source_updated_ms=excluded.source_updated_ms,
			source_version=excluded.source_version,
			source_fingerprint=excluded.source_fingerprint,
			last_seen_ms=excluded.last_seen_ms,
			last_updated_ms=excluded.last_updated_ms`,
		e.ID, e.Kind, nullString(e.URI), nullString(e.Title), nullString(e.Tooltip), nullString(string(e.Category)),
		nullString(e.Road), nullString(e.Direction), nullInt(e.Severity), nullInt(e.Priority),
		cols.geomType, cols.lat, cols.lon, cols.geomCoords,
		cols.bboxMinLon, cols.bboxMinLat, cols.bboxMaxLon, cols.bboxMaxLat,
		nullString(e.Icon), nullString(e.URL), nullString(e.RouteDesignator), nullString(e.ParentURI),
		domain.StatusActive, e.Source, string(e.Raw), nullInt64(e.SourceUpdatedMs),
		version, fingerprint,
		firstSeenMs, nowMs, updatedMs,
	)
	if err != nil {
		return upsertOutcome{}, err
	}

	e.Status = domain.StatusActive
	e.SourceVersion = version
	e.SourceFingerprint = fingerprint
	e.FirstSeenAt = time.UnixMilli(firstSeenMs).UTC()
	e.LastSeenAt = time.UnixMilli(nowMs).UTC()
	e.LastUpdatedAt = time.UnixMilli(updatedMs).UTC()

	return upsertOutcome{inserted: !exists, changed: changed}, nil
}

// RetireUnseen marks active rows whose last_seen_ms is strictly older than
// cutoff as cleared. Kind and source scope the sweep; pass zero values to
// sweep everything. A row seen exactly at the cutoff is not yet stale.
func (s *Store) RetireUnseen(ctx context.Context, kind domain.Kind, source string, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retire: %w", err)
	}
	defer tx.Rollback()

	n, err := retireTx(ctx, tx, kind, source, cutoff.UnixMilli(), s.clock.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retire: %w", err)
	}
	return n, nil
}

func retireTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, source string, cutoffMs, nowMs int64) (int64, error) {
	q := `UPDATE entities SET status = ?, last_updated_ms = ? WHERE status = ? AND last_seen_ms < ?`
	args := []any{domain.StatusCleared, nowMs, domain.StatusActive, cutoffMs}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	if source != "" {
		q += ` AND source = ?`
		args = append(args, source)
	}

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("retire unseen: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired hard-deletes rows whose last_seen_ms is strictly older than
// cutoff, regardless of status.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE last_seen_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return res.RowsAffected()
}

// SyncCoordinates copies known point coordinates from event entities onto
// static entities that lack them: weather stations and signs match on uri,
// camera views on their parent collection's uri.
func (s *Store) SyncCoordinates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entities SET
			geom_type = 'Point',
			lat = (SELECT ev.lat FROM entities ev WHERE ev.kind = 'event' AND ev.uri = entities.uri AND ev.lat IS NOT NULL),
			lon = (SELECT ev.lon FROM entities ev WHERE ev.kind = 'event' AND ev.uri = entities.uri AND ev.lat IS NOT NULL)
		WHERE kind IN ('weather_station', 'sign')
		  AND lat IS NULL
		  AND EXISTS (
			SELECT 1 FROM entities ev
			WHERE ev.kind = 'event' AND ev.uri = entities.uri AND ev.lat IS NOT NULL
		  )`)
	if err != nil {
		return fmt.Errorf("sync station coordinates: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE entities SET
			geom_type = 'Point',
			lat = (SELECT ev.lat FROM entities ev WHERE ev.kind = 'event' AND ev.uri = entities.parent_uri AND ev.lat IS NOT NULL),
			lon = (SELECT ev.lon FROM entities ev WHERE ev.kind = 'event' AND ev.uri = entities.parent_uri AND ev.lat IS NOT NULL)
		WHERE kind = 'camera_view'
		  AND lat IS NULL
		  AND EXISTS (
			SELECT 1 FROM entities ev
			WHERE ev.kind = 'event' AND ev.uri = entities.parent_uri AND ev.lat IS NOT NULL
		  )`)
	if err != nil {
		return fmt.Errorf("sync camera coordinates: %w", err)
	}
	return nil
}

// sqlColumns holds the nullable geometry and bbox columns for one entity.
type sqlColumns struct {
	geomType   sql.NullString
	lat, lon   sql.NullFloat64
	geomCoords sql.NullString

	bboxMinLon, bboxMinLat sql.NullFloat64
	bboxMaxLon, bboxMaxLat sql.NullFloat64
}

func entityColumns(e *domain.Entity) (sqlColumns, error) {
	var c sqlColumns

	if g := e.Geometry; g != nil {
		c.geomType = sql.NullString{String: string(g.Type), Valid: true}
		switch g.Type {
		case domain.GeometryPoint:
			c.lon = sql.NullFloat64{Float64: g.Lon(), Valid: true}
			c.lat = sql.NullFloat64{Float64: g.Lat(), Valid: true}
		case domain.GeometryLineString:
			coords, err := json.Marshal(g.Coords)
			if err != nil {
				return c, fmt.Errorf("marshal line coords: %w", err)
			}
			c.geomCoords = sql.NullString{String: string(coords), Valid: true}
		}
	}

	if b := e.BBox; b != nil {
		c.bboxMinLon = sql.NullFloat64{Float64: b.MinLon, Valid: true}
		c.bboxMinLat = sql.NullFloat64{Float64: b.MinLat, Valid: true}
		c.bboxMaxLon = sql.NullFloat64{Float64: b.MaxLon, Valid: true}
		c.bboxMaxLat = sql.NullFloat64{Float64: b.MaxLat, Valid: true}
	}

	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
