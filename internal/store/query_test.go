package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	"github.com/couchcryptid/traffic-feed-service/internal/store"
)

func seedQueryFixtures(t *testing.T, s *store.Store, clock *clockwork.FakeClock) {
	t.Helper()
	ctx := context.Background()

	crash := makeEvent("EVT-CRASH", "MN 13 northbound: Crash")
	crash.Category = domain.CategoryCrash
	sev5 := 5
	crash.Severity = &sev5
	crash.Priority = &sev5
	crash.RouteDesignator = "MN 13"
	commitOne(t, s, crash)

	clock.Advance(time.Minute)
	work := makeEvent("EVT-WORK", "Road work")
	work.Category = domain.CategoryConstruction
	sev2 := 2
	work.Severity = &sev2
	work.Priority = &sev2
	work.BBox = &domain.BBox{MinLon: -92.5, MinLat: 46.0, MaxLon: -92.4, MaxLat: 46.1}
	commitOne(t, s, work)

	clock.Advance(time.Minute)
	closure := makeEvent("EVT-CLOSED", "Full closure")
	closure.Category = domain.CategoryClosure
	sev4 := 4
	closure.Severity = &sev4
	closure.Priority = &sev4
	commitOne(t, s, closure)

	// Retire the construction row so one cleared entity exists.
	clock.Advance(time.Minute)
	_, err := s.CommitRun(ctx, domain.KindEvent, "MN 511",
		[]domain.Entity{
			makeRefetch(crash), makeRefetch(closure),
		}, clock.Now())
	require.NoError(t, err)
}

// makeRefetch rebuilds the same upstream record so a commit counts as a
// re-fetch, not a content change.
func makeRefetch(e domain.Entity) domain.Entity {
	e.SourceVersion = 0
	e.SourceFingerprint = ""
	e.FirstSeenAt, e.LastSeenAt, e.LastUpdatedAt = time.Time{}, time.Time{}, time.Time{}
	e.Status = ""
	return e
}

func TestQuery_Ordering(t *testing.T) {
	s, clock := newTestStore(t)
	seedQueryFixtures(t, s, clock)

	got, err := s.Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Active rows first; among them severity descending; cleared last.
	assert.Equal(t, "EVT-CRASH", got[0].ID)
	assert.Equal(t, "EVT-CLOSED", got[1].ID)
	assert.Equal(t, "EVT-WORK", got[2].ID)
	assert.Equal(t, domain.StatusCleared, got[2].Status)
}

func TestQuery_CategoryFilter(t *testing.T) {
	s, clock := newTestStore(t)
	seedQueryFixtures(t, s, clock)

	got, err := s.Query(context.Background(), store.Filter{
		Categories: []domain.Category{domain.CategoryCrash, domain.CategoryClosure},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "EVT-CRASH", got[0].ID)
	assert.Equal(t, "EVT-CLOSED", got[1].ID)

	got, err = s.Query(context.Background(), store.Filter{
		Categories: []domain.Category{domain.CategoryCamera},
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_StatusAndSeverityFilters(t *testing.T) {
	s, clock := newTestStore(t)
	seedQueryFixtures(t, s, clock)

	got, err := s.Query(context.Background(), store.Filter{Status: domain.StatusActive})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	minSev := 4
	got, err = s.Query(context.Background(), store.Filter{MinSeverity: &minSev})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	maxSev := 2
	got, err = s.Query(context.Background(), store.Filter{MaxSeverity: &maxSev})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EVT-WORK", got[0].ID)
}

func TestQuery_BBoxFilter(t *testing.T) {
	s, clock := newTestStore(t)
	seedQueryFixtures(t, s, clock)

	// Metro box: catches the two default-bbox rows, not the far-north one.
	got, err := s.Query(context.Background(), store.Filter{
		BBox: &domain.BBox{MinLon: -93.5, MinLat: 44.5, MaxLon: -93.0, MaxLat: 45.0},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(context.Background(), store.Filter{
		BBox: &domain.BBox{MinLon: -92.6, MinLat: 45.9, MaxLon: -92.3, MaxLat: 46.2},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EVT-WORK", got[0].ID)
}

func TestQuery_ChangeCursors(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	commitOne(t, s, makeEvent("EVT-1", "v1"))
	clock.Advance(time.Minute)
	commitOne(t, s, makeEvent("EVT-2", "other"))
	clock.Advance(time.Minute)
	commitOne(t, s, makeEvent("EVT-1", "v2"))

	v1 := int64(1)
	got, err := s.Query(ctx, store.Filter{SinceVersion: &v1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EVT-1", got[0].ID)
	assert.Equal(t, int64(2), got[0].SourceVersion)

	since := testEpoch.Add(90 * time.Second)
	got, err = s.Query(ctx, store.Filter{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EVT-1", got[0].ID)
}

func TestQuery_Pagination(t *testing.T) {
	s, clock := newTestStore(t)
	seedQueryFixtures(t, s, clock)
	ctx := context.Background()

	page1, err := s.Query(ctx, store.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := s.Query(ctx, store.Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
	assert.NotEqual(t, page1[1].ID, page2[0].ID)
}

func TestQuery_RouteDesignatorFilter(t *testing.T) {
	s, clock := newTestStore(t)
	seedQueryFixtures(t, s, clock)

	got, err := s.Query(context.Background(), store.Filter{RouteDesignator: "MN 13"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EVT-CRASH", got[0].ID)
}

func TestStatus(t *testing.T) {
	s, clock := newTestStore(t)
	seedQueryFixtures(t, s, clock)

	sum, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Total)
	assert.Equal(t, int64(2), sum.Active)
	assert.Equal(t, int64(1), sum.Cleared)
	require.NotNil(t, sum.LastSeenAt)
	assert.Equal(t, testEpoch.Add(3*time.Minute), *sum.LastSeenAt)
}
