package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/traffic-feed-service/internal/adapter/fiveoneone"
	"github.com/couchcryptid/traffic-feed-service/internal/adapter/httpapi"
	kafkaadapter "github.com/couchcryptid/traffic-feed-service/internal/adapter/kafka"
	"github.com/couchcryptid/traffic-feed-service/internal/config"
	"github.com/couchcryptid/traffic-feed-service/internal/ingest"
	"github.com/couchcryptid/traffic-feed-service/internal/observability"
	"github.com/couchcryptid/traffic-feed-service/internal/store"
)

// eventLayerSlugs is the upstream map layer polled by event ingestion runs.
var eventLayerSlugs = []string{"metroTrafficMap"}

// dashboardLayerSlugs are the upstream collections whose update summaries
// backfill missing event timestamps.
var dashboardLayerSlugs = []string{
	"constructionReports",
	"roadConditions",
	"ferryReports",
	"towingProhibitedReports",
	"truckersReports",
	"wazeReports",
	"weatherWarningsAreaEvents",
	"winterDriving",
	"roadReports",
	"wazeJams",
	"metroTrafficMap",
	"future",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	st, err := store.Open(cfg.SQLitePath, clock, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client := fiveoneone.NewClient(
		cfg.UpstreamURL,
		cfg.UpstreamUserAgent,
		cfg.UpstreamTimeout(),
		cfg.UpstreamRetryAttempts,
		cfg.UpstreamRetryDelay(),
		metrics,
		logger,
	)

	// Change feed is feature-flagged via TRAFFIC_KAFKA_ENABLED.
	var publisher ingest.ChangePublisher
	var kafkaPublisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		kafkaPublisher = kafkaadapter.NewPublisher(cfg, logger)
		publisher = kafkaPublisher
		logger.Info("change feed enabled", "topic", cfg.KafkaTopic, "brokers", cfg.Brokers())
	} else {
		logger.Info("change feed disabled")
	}

	orch := ingest.New(client, st, publisher, clock, logger, metrics, ingest.Config{
		Source:          cfg.Source,
		Region:          cfg.Region(),
		TileRows:        cfg.TileRows,
		TileCols:        cfg.TileCols,
		Zoom:            cfg.Zoom,
		EventLayers:     eventLayerSlugs,
		DashboardLayers: dashboardLayerSlugs,
		StaleAfter:      cfg.StaleAfter(),
		HardExpire:      cfg.HardExpire(),
	})
	sched := ingest.NewScheduler(orch, clock, logger,
		cfg.EventsInterval(), cfg.StaticInterval(), cfg.IngestOnStart)

	srv := httpapi.NewServer(cfg.Addr, st, client, metrics, logger, httpapi.Options{
		Source:    cfg.Source,
		Zoom:      cfg.Zoom,
		ExposeRaw: cfg.ExposeRaw,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
