package ingest_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	"github.com/couchcryptid/traffic-feed-service/internal/ingest"
)

// signalClient reports each fetch over a channel so tests can observe
// triggers without sharing mutable state across goroutines.
type signalClient struct {
	events chan struct{}
	static chan struct{}
}

func (c *signalClient) FetchMapFeatures(context.Context, domain.BBox, int, []string, string) ([]domain.Entity, error) {
	c.events <- struct{}{}
	return nil, nil
}

func (c *signalClient) FetchWeatherStations(context.Context, domain.BBox, string) ([]domain.Entity, error) {
	c.static <- struct{}{}
	return nil, nil
}

func (c *signalClient) FetchSigns(context.Context, domain.BBox, string) ([]domain.Entity, error) {
	return nil, nil
}

func (c *signalClient) FetchCameraViews(context.Context, domain.BBox, string) ([]domain.Entity, error) {
	return nil, nil
}

func (c *signalClient) FetchDashboardUpdates(context.Context, []string) (map[string]int64, error) {
	return nil, nil
}

func awaitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestScheduler_TicksTriggerRuns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &signalClient{events: make(chan struct{}, 4), static: make(chan struct{}, 4)}
	st := &mockStore{}
	o := newOrchestrator(client, st, nil, clock, testConfig(1, 1))

	sched := ingest.NewScheduler(o, clock, slog.Default(), time.Minute, time.Hour, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// Wait for both tickers to be registered before advancing time.
	clock.BlockUntil(2)

	clock.Advance(time.Minute)
	awaitSignal(t, client.events, "events tick")

	clock.Advance(time.Hour)
	awaitSignal(t, client.static, "static tick")

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_IngestOnStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &signalClient{events: make(chan struct{}, 4), static: make(chan struct{}, 4)}
	st := &mockStore{}
	o := newOrchestrator(client, st, nil, clock, testConfig(1, 1))

	sched := ingest.NewScheduler(o, clock, slog.Default(), time.Hour, time.Hour, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	awaitSignal(t, client.events, "startup events run")
	awaitSignal(t, client.static, "startup static run")

	cancel()
	require.NoError(t, <-done)
}
