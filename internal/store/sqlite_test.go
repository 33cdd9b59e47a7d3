package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/normalize"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testPortal(t *testing.T, s *SQLiteStore) *model.Portal {
	t.Helper()
	p, err := s.UpsertPortal(context.Background(), &model.Portal{
		Name:    "springfield",
		BaseURL: "https://bids.springfield.gov",
	})
	require.NoError(t, err)
	return p
}

func testOpportunity(portalID, externalID, title string) *model.Opportunity {
	opp := &model.Opportunity{
		PortalID:       portalID,
		ExternalID:     externalID,
		Title:          title,
		Status:         model.StatusOpen,
		StatusExplicit: true,
	}
	opp.Fingerprint = normalize.Fingerprint(opp)
	return opp
}

func TestPortalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPortal(t, s)
	assert.NotEmpty(t, p.ID)

	// upserting the same name updates instead of duplicating
	p2, err := s.UpsertPortal(ctx, &model.Portal{
		Name:    "springfield",
		BaseURL: "https://bids.springfield.gov/v2",
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, p2.ID)
	assert.Equal(t, "https://bids.springfield.gov/v2", p2.BaseURL)

	got, err := s.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)

	missing, err := s.GetPortal(ctx, "shelbyville")
	require.NoError(t, err)
	assert.Nil(t, missing)

	portals, err := s.ListPortals(ctx)
	require.NoError(t, err)
	assert.Len(t, portals, 1)
}

func TestUpdatePortalStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPortal(t, s)

	require.NoError(t, s.UpdatePortalStats(ctx, p.ID, true, 12))
	require.NoError(t, s.UpdatePortalStats(ctx, p.ID, false, 0))

	got, err := s.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalRuns)
	assert.Equal(t, 12, got.TotalOpportunities)
	require.NotNil(t, got.LastScrapedAt)
	require.NotNil(t, got.LastSuccessAt)
	assert.True(t, got.LastScrapedAt.After(*got.LastSuccessAt) || got.LastScrapedAt.Equal(*got.LastSuccessAt))

	err = s.UpdatePortalStats(ctx, "no-such-portal", true, 0)
	require.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPortal(t, s)

	run, err := s.CreateRun(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.True(t, run.DryRun)

	stats := &model.RunStats{PagesScraped: 4, PagesFailed: 1, OpportunitiesFound: 37}
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusCompleted, stats, ""))

	runs, err := s.ListRuns(ctx, RunFilter{PortalID: p.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	assert.True(t, runs[0].DryRun)
	assert.Equal(t, 4, runs[0].Stats.PagesScraped)
	assert.Equal(t, 1, runs[0].Stats.PagesFailed)
	require.NotNil(t, runs[0].FinishedAt)

	failed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, failed)

	err = s.FinishRun(ctx, "no-such-run", model.RunStatusFailed, stats, "boom")
	require.Error(t, err)
}

func TestUpsertOpportunityNewThenUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPortal(t, s)

	opp := testOpportunity(p.ID, "RFP-001", "Road Resurfacing Phase 2")
	stored, event, err := s.UpsertOpportunity(ctx, opp)
	require.NoError(t, err)
	assert.Equal(t, model.EventNew, event)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.FirstSeenAt.IsZero())

	// same content again: unchanged, last_seen advances, first_seen sticks
	again := testOpportunity(p.ID, "RFP-001", "Road Resurfacing Phase 2")
	stored2, event2, err := s.UpsertOpportunity(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, model.EventUnchanged, event2)
	assert.Equal(t, stored.ID, stored2.ID)
	assert.Equal(t, stored.FirstSeenAt, stored2.FirstSeenAt)
	assert.False(t, stored2.LastSeenAt.Before(stored.LastSeenAt))
}

func TestUpsertOpportunityUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPortal(t, s)

	_, _, err := s.UpsertOpportunity(ctx, testOpportunity(p.ID, "RFP-002", "HVAC Replacement"))
	require.NoError(t, err)

	changed := testOpportunity(p.ID, "RFP-002", "HVAC Replacement")
	changed.Status = model.StatusClosed
	changed.Fingerprint = normalize.Fingerprint(changed)

	stored, event, err := s.UpsertOpportunity(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, model.EventClosed, event)
	assert.Equal(t, model.StatusClosed, stored.Status)

	got, err := s.GetOpportunity(ctx, p.ID, "RFP-002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusClosed, got.Status)
}

func TestUpsertPreservesExplicitStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPortal(t, s)

	explicit := testOpportunity(p.ID, "RFP-003", "Sewer Line Inspection")
	explicit.Status = model.StatusClosed
	explicit.Fingerprint = normalize.Fingerprint(explicit)
	_, _, err := s.UpsertOpportunity(ctx, explicit)
	require.NoError(t, err)

	// a later scrape where status was only inferred must not overwrite
	inferred := testOpportunity(p.ID, "RFP-003", "Sewer Line Inspection")
	inferred.Status = model.StatusOpen
	inferred.StatusExplicit = false
	inferred.Fingerprint = normalize.Fingerprint(inferred)

	stored, event, err := s.UpsertOpportunity(ctx, inferred)
	require.NoError(t, err)
	assert.Equal(t, model.EventUnchanged, event)
	assert.Equal(t, model.StatusClosed, stored.Status)
	assert.True(t, stored.StatusExplicit)
}

func TestGetOpportunityNotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetOpportunity(context.Background(), "nope", "RFP-404")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListOpportunitiesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPortal(t, s)

	_, _, err := s.UpsertOpportunity(ctx, testOpportunity(p.ID, "RFP-010", "Park Mowing Services"))
	require.NoError(t, err)
	closed := testOpportunity(p.ID, "RFP-011", "Bridge Painting")
	closed.Status = model.StatusClosed
	closed.Fingerprint = normalize.Fingerprint(closed)
	_, _, err = s.UpsertOpportunity(ctx, closed)
	require.NoError(t, err)

	all, err := s.ListOpportunities(ctx, OpportunityFilter{PortalID: p.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := s.ListOpportunities(ctx, OpportunityFilter{PortalID: p.ID, Status: model.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "RFP-010", open[0].ExternalID)

	byTitle, err := s.ListOpportunities(ctx, OpportunityFilter{Search: "Bridge"})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "RFP-011", byTitle[0].ExternalID)
}

func TestRecordAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPortal(t, s)

	stored, _, err := s.UpsertOpportunity(ctx, testOpportunity(p.ID, "RFP-020", "Fleet Fuel Contract"))
	require.NoError(t, err)

	ev := &model.Event{
		OpportunityID: stored.ID,
		RunID:         "run-1",
		Type:          model.EventUpdated,
		Summary:       "Status: OPEN → CLOSED",
		Changes:       map[string]any{"status": map[string]any{"old": "OPEN", "new": "CLOSED"}},
	}
	require.NoError(t, s.RecordEvent(ctx, ev))
	assert.NotEmpty(t, ev.ID)

	events, err := s.ListEvents(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventUpdated, events[0].Type)
	assert.Contains(t, events[0].Summary, "CLOSED")
	assert.Contains(t, events[0].Changes, "status")
}

func TestRunLockContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireRunLock(ctx, "portal-springfield", "host-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// another holder is refused while the lock is live
	ok, err = s.AcquireRunLock(ctx, "portal-springfield", "host-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// the original holder can re-acquire (TTL extension)
	ok, err = s.AcquireRunLock(ctx, "portal-springfield", "host-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// wrong holder cannot release
	released, err := s.ReleaseRunLock(ctx, "portal-springfield", "host-b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseRunLock(ctx, "portal-springfield", "host-a")
	require.NoError(t, err)
	assert.True(t, released)

	// freed lock is up for grabs
	ok, err = s.AcquireRunLock(ctx, "portal-springfield", "host-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunLockExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireRunLock(ctx, "portal-stale", "host-a", -time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// expired locks do not block new holders
	ok, err = s.AcquireRunLock(ctx, "portal-stale", "host-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupExpiredLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireRunLock(ctx, "stale-1", "host-a", -time.Minute)
	require.NoError(t, err)
	_, err = s.AcquireRunLock(ctx, "stale-2", "host-a", -time.Minute)
	require.NoError(t, err)
	_, err = s.AcquireRunLock(ctx, "live-1", "host-a", time.Hour)
	require.NoError(t, err)

	n, err := s.CleanupExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
