package store_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	"github.com/couchcryptid/traffic-feed-service/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*store.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	s, err := store.Open(":memory:", clock, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func makeEvent(id, title string) domain.Entity {
	sev := 3
	return domain.Entity{
		ID:       id,
		Kind:     domain.KindEvent,
		URI:      "event/" + id,
		Title:    title,
		Category: domain.CategoryIncident,
		Severity: &sev,
		Priority: &sev,
		Geometry: domain.Point(-93.25, 44.92),
		BBox:     &domain.BBox{MinLon: -93.3, MinLat: 44.9, MaxLon: -93.2, MaxLat: 44.95},
		Source:   "MN 511",
		Raw:      []byte(fmt.Sprintf(`{"id":%q,"title":%q}`, id, title)),
	}
}

func commitOne(t *testing.T, s *store.Store, e domain.Entity) store.RunResult {
	t.Helper()
	res, err := s.CommitRun(context.Background(), e.Kind, e.Source, []domain.Entity{e}, time.Time{})
	require.NoError(t, err)
	return res
}

func TestCommitRun_InsertThenIdempotentReupsert(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	res := commitOne(t, s, makeEvent("EVT-1", "Crash reported"))
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Changed, 1)
	assert.Equal(t, int64(1), res.Changed[0].SourceVersion)

	clock.Advance(2 * time.Minute)

	// Same upstream bytes: a re-fetch, not a change.
	res = commitOne(t, s, makeEvent("EVT-1", "Crash reported"))
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, 0, res.Inserted)
	assert.Empty(t, res.Changed)

	got, err := s.Get(ctx, "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SourceVersion)
	assert.Equal(t, testEpoch, got.FirstSeenAt)
	assert.Equal(t, testEpoch, got.LastUpdatedAt)
	assert.Equal(t, testEpoch.Add(2*time.Minute), got.LastSeenAt)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestCommitRun_VersionBumpOnContentChange(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-1", "Crash reported"))
	clock.Advance(5 * time.Minute)

	res := commitOne(t, s, makeEvent("EVT-1", "Crash cleared to shoulder"))
	require.Len(t, res.Changed, 1)
	assert.Equal(t, int64(2), res.Changed[0].SourceVersion)

	got, err := s.Get(ctx, "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SourceVersion)
	assert.Equal(t, "Crash cleared to shoulder", got.Title)
	assert.Equal(t, testEpoch, got.FirstSeenAt)
	assert.Equal(t, testEpoch.Add(5*time.Minute), got.LastUpdatedAt)
}

func TestCommitRun_UpstreamTimestampDrivesUpdateInstant(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-1", "Crash reported"))
	clock.Advance(10 * time.Minute)

	upstream := testEpoch.Add(4 * time.Minute).UnixMilli()
	e := makeEvent("EVT-1", "Crash blocking left lane")
	e.SourceUpdatedMs = &upstream
	commitOne(t, s, e)

	got, err := s.Get(ctx, "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(4*time.Minute), got.LastUpdatedAt)
}

func TestCommitRun_UpdateInstantClamped(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	// A claimed future instant never outruns the observation time.
	future := testEpoch.Add(24 * time.Hour).UnixMilli()
	e := makeEvent("EVT-1", "Crash reported")
	e.SourceUpdatedMs = &future
	commitOne(t, s, e)

	got, err := s.Get(ctx, "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, testEpoch, got.LastUpdatedAt)

	// An instant before first_seen is pulled forward to it.
	clock.Advance(time.Minute)
	past := testEpoch.Add(-time.Hour).UnixMilli()
	e = makeEvent("EVT-1", "Crash, new details")
	e.SourceUpdatedMs = &past
	commitOne(t, s, e)

	got, err = s.Get(ctx, "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, testEpoch, got.LastUpdatedAt)
	assert.Equal(t, int64(2), got.SourceVersion)
}

func TestCommitRun_RetiresRowsUnseenThisRun(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-OLD", "Old crash"))

	clock.Advance(2 * time.Minute)
	runStart := clock.Now()
	res, err := s.CommitRun(ctx, domain.KindEvent, "MN 511",
		[]domain.Entity{makeEvent("EVT-NEW", "New crash")}, runStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Retired)

	old, err := s.Get(ctx, "EVT-OLD")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCleared, old.Status)
	assert.Equal(t, runStart.UTC(), old.LastUpdatedAt)
	assert.Equal(t, int64(1), old.SourceVersion)

	fresh, err := s.Get(ctx, "EVT-NEW")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, fresh.Status)
}

func TestCommitRun_ReappearanceReactivates(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-1", "Crash reported"))
	clock.Advance(time.Minute)
	_, err := s.RetireUnseen(ctx, domain.KindEvent, "MN 511", clock.Now())
	require.NoError(t, err)

	got, err := s.Get(ctx, "EVT-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCleared, got.Status)

	clock.Advance(time.Minute)
	commitOne(t, s, makeEvent("EVT-1", "Crash reported"))

	got, err = s.Get(ctx, "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, int64(1), got.SourceVersion, "same content, reappearance is not a content change")
}

func TestRetireUnseen_StrictCutoff(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-1", "Crash reported"))

	// Seen exactly at the cutoff: not yet stale.
	n, err := s.RetireUnseen(ctx, domain.KindEvent, "MN 511", clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.RetireUnseen(ctx, domain.KindEvent, "MN 511", clock.Now().Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRetireUnseen_ScopedByKind(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-1", "Crash reported"))
	sign := makeEvent("sign:DMS-7", "DMS 7")
	sign.Kind = domain.KindSign
	commitOne(t, s, sign)

	clock.Advance(time.Hour)
	n, err := s.RetireUnseen(ctx, domain.KindEvent, "MN 511", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, "sign:DMS-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestDeleteExpired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-OLD", "Old"))
	clock.Advance(time.Hour)
	commitOne(t, s, makeEvent("EVT-NEW", "New"))

	n, err := s.DeleteExpired(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "EVT-OLD")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, "EVT-NEW")
	assert.NoError(t, err)
}

func TestSyncCoordinates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	parent := makeEvent("CAMERA-123", "Camera site")
	parent.URI = "event/CAMERA-123"
	commitOne(t, s, parent)

	view := domain.Entity{
		ID:        "cam:camera-view/C123-east",
		Kind:      domain.KindCameraView,
		URI:       "camera-view/C123-east",
		Title:     "C123 looking east",
		Category:  domain.CategoryCamera,
		ParentURI: "event/CAMERA-123",
		Source:    "MN 511",
		Raw:       []byte(`{"uri":"camera-view/C123-east"}`),
	}
	commitOne(t, s, view)

	station := domain.Entity{
		ID:       "ws:event/CAMERA-123",
		Kind:     domain.KindWeatherStation,
		URI:      "event/CAMERA-123",
		Title:    "Co-located station",
		Category: domain.CategoryWeather,
		Source:   "MN 511",
		Raw:      []byte(`{"uri":"event/CAMERA-123"}`),
	}
	commitOne(t, s, station)

	require.NoError(t, s.SyncCoordinates(ctx))

	got, err := s.Get(ctx, "cam:camera-view/C123-east")
	require.NoError(t, err)
	require.True(t, got.HasPoint())
	assert.InDelta(t, -93.25, got.Geometry.Lon(), 1e-9)
	assert.InDelta(t, 44.92, got.Geometry.Lat(), 1e-9)

	got, err = s.Get(ctx, "ws:event/CAMERA-123")
	require.NoError(t, err)
	require.True(t, got.HasPoint())
	assert.InDelta(t, 44.92, got.Geometry.Lat(), 1e-9)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "traffic.sqlite")
	clock := clockwork.NewFakeClockAt(testEpoch)

	s, err := store.Open(path, clock, slog.Default())
	require.NoError(t, err)
	commitOne(t, s, makeEvent("EVT-1", "Crash reported"))
	require.NoError(t, s.Close())

	// Reopening applies no migrations twice and keeps the data.
	s, err = store.Open(path, clock, slog.Default())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(context.Background(), "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SourceVersion)
}
