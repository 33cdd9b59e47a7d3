package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurewatch/procurewatch/internal/config"
	"github.com/procurewatch/procurewatch/internal/fetch"
	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/normalize"
	"github.com/procurewatch/procurewatch/internal/store"
)

func newRunnerStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newRunnerFetcher() fetch.Fetcher {
	return fetch.NewHTTPFetcher(fetch.Options{Timeout: 5 * time.Second, MaxRetries: 1})
}

func listingPage(baseURL string, page, totalPages, rowsPerPage int) string {
	rows := ""
	for i := 0; i < rowsPerPage; i++ {
		id := fmt.Sprintf("B-%d-%d", page, i)
		rows += fmt.Sprintf(`<tr>
			<td><a href="/bid/%s">%s</a></td>
			<td>Road Resurfacing Phase %d-%d</td>
			<td>2027-05-01</td>
			<td>Open</td>
		</tr>`, id, id, page, i)
	}
	next := ""
	if page < totalPages {
		next = fmt.Sprintf(`<a rel="next" href="/bids?page=%d">Next</a>`, page+1)
	}
	return fmt.Sprintf(`<html><body>
		<table>
			<thead><tr><th>Bid Number</th><th>Title</th><th>Closing Date</th><th>Status</th></tr></thead>
			<tbody>%s</tbody>
		</table>
		%s
	</body></html>`, rows, next)
}

func testPortalConfig(name, baseURL string) *config.PortalConfig {
	return &config.PortalConfig{
		Name:    name,
		BaseURL: baseURL,
		SeedURLs: []string{
			baseURL + "/bids?page=1",
		},
	}
}

func TestRunPaginatedPortal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		fmt.Fprint(w, listingPage("http://"+r.Host, page, 3, 2))
	}))
	defer srv.Close()

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), testPortalConfig("springfield", srv.URL))
	ctx := context.Background()

	stats, err := r.Run(ctx, Options{MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PagesScraped)
	assert.Equal(t, 0, stats.PagesFailed)
	assert.Equal(t, 6, stats.OpportunitiesFound)
	assert.Equal(t, 6, stats.OpportunitiesNew)
	assert.Equal(t, 0, stats.OpportunitiesUnchanged)

	portal, err := st.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	require.NotNil(t, portal)

	opps, err := st.ListOpportunities(ctx, store.OpportunityFilter{PortalID: portal.ID})
	require.NoError(t, err)
	assert.Len(t, opps, 6)

	runs, err := st.ListRuns(ctx, store.RunFilter{PortalID: portal.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	assert.False(t, runs[0].DryRun)

	opp, err := st.GetOpportunity(ctx, portal.ID, "B-1-0")
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, "Road Resurfacing Phase 1-0", opp.Title)
	assert.Equal(t, model.StatusOpen, opp.Status)
	require.NotNil(t, opp.ClosingAt)

	events, err := st.ListEvents(ctx, opp.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventNew, events[0].Type)

	// second pass sees the same pages and records no changes
	stats, err = r.Run(ctx, Options{MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, 6, stats.OpportunitiesUnchanged)
	assert.Equal(t, 0, stats.OpportunitiesNew)

	events, err = st.ListEvents(ctx, opp.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunToleratesFailedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		if page == 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, listingPage("http://"+r.Host, page, 3, 2))
	}))
	defer srv.Close()

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), testPortalConfig("springfield", srv.URL))
	ctx := context.Background()

	stats, err := r.Run(ctx, Options{MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PagesScraped)
	assert.Equal(t, 1, stats.PagesFailed)
	assert.Equal(t, 2, stats.OpportunitiesFound)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "page=2")

	portal, err := st.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	runs, err := st.ListRuns(ctx, store.RunFilter{PortalID: portal.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
}

func TestRunStopsWhenBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		if page == 2 {
			w.Header().Set("cf-ray", "8abc123")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "<html>Checking your browser before accessing</html>")
			return
		}
		fmt.Fprint(w, listingPage("http://"+r.Host, page, 5, 1))
	}))
	defer srv.Close()

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), testPortalConfig("springfield", srv.URL))

	stats, err := r.Run(context.Background(), Options{MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PagesScraped)
	assert.Equal(t, 1, stats.PagesFailed)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "blocked")
}

func TestRunRespectsMaxPages(t *testing.T) {
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		// always links to another page
		fmt.Fprint(w, listingPage("http://"+r.Host, page, page+1, 1))
	}))
	defer srv.Close()

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), testPortalConfig("springfield", srv.URL))

	stats, err := r.Run(context.Background(), Options{MaxPages: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PagesScraped)
	assert.Equal(t, int32(2), served.Load())
}

func TestRunParamPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		if page > 2 {
			fmt.Fprint(w, `<html><body><p>No results.</p></body></html>`)
			return
		}
		// no next link; param pagination drives the iteration
		fmt.Fprint(w, listingPage("http://"+r.Host, page, page, 2))
	}))
	defer srv.Close()

	portal := testPortalConfig("springfield", srv.URL)
	portal.Pagination.Type = "page_param"

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), portal)

	stats, err := r.Run(context.Background(), Options{MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PagesScraped)
	assert.Equal(t, 0, stats.PagesFailed)
	assert.Equal(t, 4, stats.OpportunitiesFound)

	found := false
	for _, warning := range stats.Warnings {
		if strings.Contains(warning, "no records") {
			found = true
		}
	}
	assert.True(t, found, "expected a pagination-exhausted warning")
}

func TestRunParamPaginationSurvivesFailedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		switch {
		case page == 3:
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
		case page > 5:
			fmt.Fprint(w, `<html><body><p>No results.</p></body></html>`)
		default:
			fmt.Fprint(w, listingPage("http://"+r.Host, page, page, 2))
		}
	}))
	defer srv.Close()

	portal := testPortalConfig("springfield", srv.URL)
	portal.Pagination.Type = "page_param"

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), portal)

	stats, err := r.Run(context.Background(), Options{MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.PagesScraped)
	assert.Equal(t, 1, stats.PagesFailed)
	assert.Equal(t, 8, stats.OpportunitiesFound)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "page=3")

	// pages past the failure were still persisted
	ctx := context.Background()
	stored, err := st.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	for _, id := range []string{"B-4-0", "B-5-1"} {
		opp, err := st.GetOpportunity(ctx, stored.ID, id)
		require.NoError(t, err, "opportunity %s", id)
		require.NotNil(t, opp, "opportunity %s", id)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingPage("http://"+r.Host, 1, 1, 2))
	}))
	defer srv.Close()

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), testPortalConfig("springfield", srv.URL))
	ctx := context.Background()

	stats, err := r.Run(ctx, Options{MaxPages: 10, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.OpportunitiesFound)
	assert.Equal(t, 2, stats.OpportunitiesNew)

	portal, err := st.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	opps, err := st.ListOpportunities(ctx, store.OpportunityFilter{PortalID: portal.ID})
	require.NoError(t, err)
	assert.Empty(t, opps)

	runs, err := st.ListRuns(ctx, store.RunFilter{PortalID: portal.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].DryRun)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingPage("http://"+r.Host, 1, 1, 1))
	}))
	defer srv.Close()

	st := newRunnerStore(t)
	ctx := context.Background()
	ok, err := st.AcquireRunLock(ctx, "portal-springfield", "other-host-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(st, newRunnerFetcher(), testPortalConfig("springfield", srv.URL))
	_, err = r.Run(ctx, Options{MaxPages: 10, HolderID: "this-host-2"})
	require.ErrorIs(t, err, ErrLockHeld)

	portal, err := st.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	runs, err := st.ListRuns(ctx, store.RunFilter{PortalID: portal.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunFollowDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bid/B-1-0" {
			fmt.Fprint(w, `<html><body><div class="desc">Full scope of the resurfacing work.</div></body></html>`)
			return
		}
		fmt.Fprint(w, listingPage("http://"+r.Host, 1, 1, 1))
	}))
	defer srv.Close()

	portal := testPortalConfig("springfield", srv.URL)
	portal.Extraction.Detail.DescriptionSelector = "div.desc"

	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), portal)
	ctx := context.Background()

	stats, err := r.Run(ctx, Options{MaxPages: 10, FollowDetails: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OpportunitiesNew)

	rec, err := st.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	opp, err := st.GetOpportunity(ctx, rec.ID, "B-1-0")
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, "Full scope of the resurfacing work.", opp.Description)
}

func TestRunDetailFailureDegradesConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bid/B-1-0" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, listingPage("http://"+r.Host, 1, 1, 1))
	}))
	defer srv.Close()

	portal := testPortalConfig("springfield", srv.URL)
	st := newRunnerStore(t)
	r := New(st, newRunnerFetcher(), portal)
	ctx := context.Background()

	stats, err := r.Run(ctx, Options{MaxPages: 10, FollowDetails: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OpportunitiesNew)
	require.NotEmpty(t, stats.Warnings)

	rec, err := st.GetPortal(ctx, "springfield")
	require.NoError(t, err)
	opp, err := st.GetOpportunity(ctx, rec.ID, "B-1-0")
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Less(t, opp.ExtractionConfidence, 0.9)
}

func TestClassifyChange(t *testing.T) {
	base := func() *model.Opportunity {
		opp := &model.Opportunity{
			ExternalID:     "B-1",
			Title:          "Road Resurfacing",
			Status:         model.StatusOpen,
			StatusExplicit: true,
		}
		opp.Fingerprint = normalize.Fingerprint(opp)
		return opp
	}

	assert.Equal(t, model.EventNew, classifyChange(nil, base()))
	assert.Equal(t, model.EventUnchanged, classifyChange(base(), base()))

	closed := base()
	closed.Status = model.StatusClosed
	closed.Fingerprint = normalize.Fingerprint(closed)
	assert.Equal(t, model.EventClosed, classifyChange(base(), closed))

	retitled := base()
	retitled.Title = "Road Resurfacing and Striping"
	retitled.Fingerprint = normalize.Fingerprint(retitled)
	assert.Equal(t, model.EventUpdated, classifyChange(base(), retitled))

	// stored explicit status wins over an inferred one
	inferred := base()
	inferred.Status = model.StatusOpen
	inferred.StatusExplicit = false
	inferred.Fingerprint = normalize.Fingerprint(inferred)
	existing := base()
	existing.Status = model.StatusClosed
	existing.Fingerprint = normalize.Fingerprint(existing)
	assert.Equal(t, model.EventUnchanged, classifyChange(existing, inferred))
}

func TestCoordinatorRunAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingPage("http://"+r.Host, 1, 1, 2))
	}))
	defer srv.Close()

	disabled := false
	portals := []*config.PortalConfig{
		testPortalConfig("alpha", srv.URL),
		func() *config.PortalConfig {
			p := testPortalConfig("beta", srv.URL)
			p.Enabled = &disabled
			return p
		}(),
	}

	cfg := &config.Config{
		Scrape: config.ScrapeConfig{TimeoutSecs: 5, LockTTLMins: 5},
		Politeness: config.PolitenessConfig{
			Concurrency: 2,
			MinDelayMS:  1,
			MaxDelayMS:  1,
			BurstLimit:  100,
			MaxRetries:  1,
		},
	}

	st := newRunnerStore(t)
	c := NewCoordinator(st, cfg)

	results, err := c.RunAll(context.Background(), portals, Options{MaxPages: 2})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results, "alpha")
	assert.Equal(t, 2, results["alpha"].OpportunitiesNew)

	ctx := context.Background()
	portal, err := st.GetPortal(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, portal)
	beta, err := st.GetPortal(ctx, "beta")
	require.NoError(t, err)
	assert.Nil(t, beta)
}
