// Package ingest orchestrates scheduled reconciliation runs: tiled upstream
// fetches, merge, enrichment, and the atomic commit into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	"github.com/couchcryptid/traffic-feed-service/internal/observability"
	"github.com/couchcryptid/traffic-feed-service/internal/store"
)

// ErrAlreadyRunning reports that a run was requested while the same
// ingestion kind was still in flight. The caller treats it as a no-op, not
// a failure.
var ErrAlreadyRunning = errors.New("ingestion run already in progress")

// UpstreamClient is the slice of the feed client the orchestrator needs.
type UpstreamClient interface {
	FetchMapFeatures(ctx context.Context, vp domain.BBox, zoom int, layerSlugs []string, source string) ([]domain.Entity, error)
	FetchWeatherStations(ctx context.Context, vp domain.BBox, source string) ([]domain.Entity, error)
	FetchSigns(ctx context.Context, vp domain.BBox, source string) ([]domain.Entity, error)
	FetchCameraViews(ctx context.Context, vp domain.BBox, source string) ([]domain.Entity, error)
	FetchDashboardUpdates(ctx context.Context, layerSlugs []string) (map[string]int64, error)
}

// Store is the slice of the reconciliation store the orchestrator needs.
type Store interface {
	CommitRun(ctx context.Context, kind domain.Kind, source string, entities []domain.Entity, retireBefore time.Time) (store.RunResult, error)
	RetireUnseen(ctx context.Context, kind domain.Kind, source string, cutoff time.Time) (int64, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	SyncCoordinates(ctx context.Context) error
}

// ChangePublisher receives inserted and content-changed entities after a
// committed run. Publish failures never fail the run.
type ChangePublisher interface {
	PublishChanges(ctx context.Context, entities []domain.Entity) error
}

// Config carries the region and policy knobs for ingestion runs.
type Config struct {
	Source string

	// Region is the full area of interest; event runs split it into
	// TileRows x TileCols sub-viewports so no single upstream request hits
	// the feature cap.
	Region   domain.BBox
	TileRows int
	TileCols int
	Zoom     int

	EventLayers     []string
	DashboardLayers []string

	StaleAfter time.Duration
	HardExpire time.Duration
}

// Orchestrator drives the two ingestion domains. Event ingestion and
// static-kind ingestion are independent single-flight domains: each may run
// concurrently with the other but never with itself.
type Orchestrator struct {
	client    UpstreamClient
	store     Store
	publisher ChangePublisher // nil when the change feed is disabled
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	cfg       Config

	eventsRunning atomic.Bool
	staticRunning atomic.Bool
}

// New creates an Orchestrator. publisher may be nil.
func New(client UpstreamClient, st Store, publisher ChangePublisher, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		client:    client,
		store:     st,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Tiles partitions a region into rows x cols sub-viewports, row-major from
// the southwest corner. Iteration order is deterministic so the
// first-seen-wins merge is too.
func Tiles(region domain.BBox, rows, cols int) []domain.BBox {
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}

	latStep := (region.MaxLat - region.MinLat) / float64(rows)
	lonStep := (region.MaxLon - region.MinLon) / float64(cols)

	tiles := make([]domain.BBox, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			south := region.MinLat + float64(r)*latStep
			west := region.MinLon + float64(c)*lonStep
			tiles = append(tiles, domain.BBox{
				MinLon: west,
				MinLat: south,
				MaxLon: west + lonStep,
				MaxLat: south + latStep,
			})
		}
	}
	return tiles
}

// RunEvents executes one event-kind ingestion run: tile fetches, merge,
// best-effort timestamp enrichment, atomic commit with
// absence-from-this-run retirement, then the purge pass. Returns
// ErrAlreadyRunning when an event run is already in flight.
func (o *Orchestrator) RunEvents(ctx context.Context) error {
	if !o.eventsRunning.CompareAndSwap(false, true) {
		o.metrics.IngestRuns.WithLabelValues("events", "skipped").Inc()
		return ErrAlreadyRunning
	}
	defer o.eventsRunning.Store(false)

	start := o.clock.Now().UTC()
	logger := o.logger.With("run_id", uuid.NewString(), "kind", "events")

	err := o.runEvents(ctx, start, logger)
	o.observeRun("events", start, err)
	return err
}

func (o *Orchestrator) runEvents(ctx context.Context, start time.Time, logger *slog.Logger) error {
	tiles := Tiles(o.cfg.Region, o.cfg.TileRows, o.cfg.TileCols)

	merged := make(map[string]int)
	var entities []domain.Entity
	failedTiles := 0

	for i, tile := range tiles {
		batch, err := o.client.FetchMapFeatures(ctx, tile, o.cfg.Zoom, o.cfg.EventLayers, o.cfg.Source)
		if err != nil {
			logger.Warn("tile fetch failed, excluding from merge", "tile", i, "error", err)
			failedTiles++
			continue
		}
		for _, e := range batch {
			// First tile to report an id wins on cross-tile duplicates.
			if _, seen := merged[e.ID]; seen {
				continue
			}
			merged[e.ID] = len(entities)
			entities = append(entities, e)
		}
	}

	if failedTiles == len(tiles) {
		return fmt.Errorf("all %d tiles failed, aborting run", len(tiles))
	}

	o.enrichTimestamps(ctx, entities, logger)

	res, err := o.store.CommitRun(ctx, domain.KindEvent, o.cfg.Source, entities, start)
	if err != nil {
		return fmt.Errorf("commit events run: %w", err)
	}

	o.metrics.EntitiesUpserted.Add(float64(res.Upserted))
	o.metrics.EntitiesChanged.Add(float64(len(res.Changed)))
	o.metrics.EntitiesRetired.Add(float64(res.Retired))

	o.purge(ctx, logger)
	o.publishChanges(ctx, res.Changed, logger)

	logger.Info("events ingest complete",
		"ingested", res.Upserted,
		"inserted", res.Inserted,
		"changed", len(res.Changed),
		"retired", res.Retired,
		"failed_tiles", failedTiles,
	)
	return nil
}

// enrichTimestamps is the best-effort post-merge enrichment stage: entities
// the map-features query returned without an update instant get one from
// the dashboard summary, matched by uri. Its failure boundary is its own —
// a dashboard error is logged and the run continues.
func (o *Orchestrator) enrichTimestamps(ctx context.Context, entities []domain.Entity, logger *slog.Logger) {
	updates, err := o.client.FetchDashboardUpdates(ctx, o.cfg.DashboardLayers)
	if err != nil {
		logger.Warn("dashboard enrichment failed", "error", err)
		return
	}

	backfilled := 0
	for i := range entities {
		e := &entities[i]
		if e.URI == "" || e.SourceUpdatedMs != nil {
			continue
		}
		if ms, ok := updates[e.URI]; ok {
			e.SourceUpdatedMs = &ms
			backfilled++
		}
	}
	if backfilled > 0 {
		logger.Debug("backfilled update timestamps", "count", backfilled)
	}
}

// RunStatic executes one static-kind ingestion run: weather stations,
// signs, and camera views, each fetched once over the full region. A
// failure in one kind aborts only that kind. Afterwards known event
// coordinates are copied onto static entities that lack them.
func (o *Orchestrator) RunStatic(ctx context.Context) error {
	if !o.staticRunning.CompareAndSwap(false, true) {
		o.metrics.IngestRuns.WithLabelValues("static", "skipped").Inc()
		return ErrAlreadyRunning
	}
	defer o.staticRunning.Store(false)

	start := o.clock.Now().UTC()
	logger := o.logger.With("run_id", uuid.NewString(), "kind", "static")

	err := o.runStatic(ctx, start, logger)
	o.observeRun("static", start, err)
	return err
}

func (o *Orchestrator) runStatic(ctx context.Context, start time.Time, logger *slog.Logger) error {
	kinds := []struct {
		kind  domain.Kind
		fetch func(context.Context, domain.BBox, string) ([]domain.Entity, error)
	}{
		{domain.KindWeatherStation, o.client.FetchWeatherStations},
		{domain.KindSign, o.client.FetchSigns},
		{domain.KindCameraView, o.client.FetchCameraViews},
	}

	failed := 0
	for _, k := range kinds {
		batch, err := k.fetch(ctx, o.cfg.Region, o.cfg.Source)
		if err != nil {
			logger.Error("static kind fetch failed", "entity_kind", k.kind, "error", err)
			failed++
			continue
		}

		res, err := o.store.CommitRun(ctx, k.kind, o.cfg.Source, batch, start)
		if err != nil {
			logger.Error("static kind commit failed", "entity_kind", k.kind, "error", err)
			failed++
			continue
		}

		o.metrics.EntitiesUpserted.Add(float64(res.Upserted))
		o.metrics.EntitiesChanged.Add(float64(len(res.Changed)))
		o.metrics.EntitiesRetired.Add(float64(res.Retired))
		logger.Info("static kind ingest complete",
			"entity_kind", k.kind,
			"ingested", res.Upserted,
			"changed", len(res.Changed),
			"retired", res.Retired,
		)
	}

	if err := o.store.SyncCoordinates(ctx); err != nil {
		logger.Error("coordinate sync failed", "error", err)
	} else {
		logger.Info("coordinate sync complete")
	}

	if failed == len(kinds) {
		return errors.New("every static kind failed")
	}
	return nil
}

// purge applies the staleness and hard-expiry windows across all kinds.
// Entities seen exactly at a cutoff survive it; the comparisons are strict.
func (o *Orchestrator) purge(ctx context.Context, logger *slog.Logger) {
	now := o.clock.Now().UTC()

	retired, err := o.store.RetireUnseen(ctx, "", "", now.Add(-o.cfg.StaleAfter))
	if err != nil {
		logger.Error("stale retire failed", "error", err)
	} else if retired > 0 {
		o.metrics.EntitiesRetired.Add(float64(retired))
	}

	deleted, err := o.store.DeleteExpired(ctx, now.Add(-o.cfg.HardExpire))
	if err != nil {
		logger.Error("hard expiry failed", "error", err)
	} else if deleted > 0 {
		o.metrics.EntitiesDeleted.Add(float64(deleted))
		logger.Info("hard-expired entities deleted", "count", deleted)
	}
}

func (o *Orchestrator) publishChanges(ctx context.Context, changed []domain.Entity, logger *slog.Logger) {
	if o.publisher == nil || len(changed) == 0 {
		return
	}
	if err := o.publisher.PublishChanges(ctx, changed); err != nil {
		logger.Warn("change feed publish failed", "count", len(changed), "error", err)
		return
	}
	o.metrics.ChangesPublished.Add(float64(len(changed)))
}

func (o *Orchestrator) observeRun(kind string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.metrics.IngestRuns.WithLabelValues(kind, outcome).Inc()
	o.metrics.IngestDuration.WithLabelValues(kind).Observe(o.clock.Now().Sub(start).Seconds())
}
