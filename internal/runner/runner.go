// Package runner orchestrates scrape runs: page iteration, extraction,
// normalization, change detection and persistence for one portal.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procurewatch/procurewatch/internal/config"
	"github.com/procurewatch/procurewatch/internal/extract"
	"github.com/procurewatch/procurewatch/internal/fetch"
	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/normalize"
	"github.com/procurewatch/procurewatch/internal/resilience"
	"github.com/procurewatch/procurewatch/internal/store"
)

// ErrLockHeld is returned when another run holds the portal lock. It
// means skip, not failure.
var ErrLockHeld = eris.New("runner: portal lock held by another run")

const (
	defaultMaxPages = 10
	defaultLockTTL  = 2 * time.Hour
)

// Options controls a single run.
type Options struct {
	MaxPages      int
	FollowDetails bool
	DryRun        bool
	HolderID      string
	LockTTL       time.Duration
}

// Runner executes scrape runs for one portal.
type Runner struct {
	store   store.Store
	fetcher fetch.Fetcher
	portal  *config.PortalConfig
	logger  *zap.Logger
}

// New creates a Runner for the given portal.
func New(st store.Store, f fetch.Fetcher, portal *config.PortalConfig) *Runner {
	return &Runner{
		store:   st,
		fetcher: f,
		portal:  portal,
		logger:  zap.L().With(zap.String("portal", portal.Name)),
	}
}

// Run executes one scrape run. Page-level failures are tolerated and
// counted; the run only fails on orchestration errors (store access,
// cancellation). In dry-run mode changes are classified but nothing is
// written beyond the run record.
func (r *Runner) Run(ctx context.Context, opts Options) (*model.RunStats, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = r.portal.Pagination.MaxPages
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	holder := opts.HolderID
	if holder == "" {
		holder = defaultHolderID()
	}

	portal, err := r.store.UpsertPortal(ctx, &model.Portal{
		Name:    r.portal.Name,
		BaseURL: r.portal.BaseURL,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "runner: upsert portal %s", r.portal.Name)
	}

	lockName := "portal-" + r.portal.Name
	ok, err := r.store.AcquireRunLock(ctx, lockName, holder, lockTTL)
	if err != nil {
		return nil, eris.Wrapf(err, "runner: acquire lock %s", lockName)
	}
	if !ok {
		r.logger.Info("portal lock held, skipping run", zap.String("lock", lockName))
		return nil, ErrLockHeld
	}
	defer func() {
		if _, err := r.store.ReleaseRunLock(context.WithoutCancel(ctx), lockName, holder); err != nil {
			r.logger.Warn("release lock failed", zap.Error(err))
		}
	}()

	run, err := r.store.CreateRun(ctx, portal.ID, opts.DryRun)
	if err != nil {
		return nil, eris.Wrapf(err, "runner: create run for %s", r.portal.Name)
	}
	logger := r.logger.With(zap.String("run_id", run.ID))
	logger.Info("run started",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("max_pages", maxPages),
	)

	stats := &model.RunStats{StartedAt: run.StartedAt}
	runErr := r.scrapePages(ctx, run, portal, stats, opts, maxPages)

	now := time.Now().UTC()
	stats.FinishedAt = &now

	status := model.RunStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = model.RunStatusFailed
		errMsg = runErr.Error()
	}

	finishCtx := context.WithoutCancel(ctx)
	if err := r.store.FinishRun(finishCtx, run.ID, status, stats, errMsg); err != nil {
		logger.Error("finish run failed", zap.Error(err))
	}
	if !opts.DryRun {
		if err := r.store.UpdatePortalStats(finishCtx, portal.ID, status == model.RunStatusCompleted, stats.OpportunitiesNew); err != nil {
			logger.Error("update portal stats failed", zap.Error(err))
		}
	}

	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("pages_scraped", stats.PagesScraped),
		zap.Int("pages_failed", stats.PagesFailed),
		zap.Int("found", stats.OpportunitiesFound),
		zap.Int("new", stats.OpportunitiesNew),
		zap.Int("updated", stats.OpportunitiesUpdated),
		zap.Int("unchanged", stats.OpportunitiesUnchanged),
	)
	return stats, runErr
}

// scrapePages walks each seed's pagination chain up to the page cap.
func (r *Runner) scrapePages(ctx context.Context, run *model.Run, portal *model.Portal, stats *model.RunStats, opts Options, maxPages int) error {
	pipeline := r.buildPipeline()
	visited := make(map[string]bool)
	pages := 0

	paramMode := r.portal.Pagination.Type == "page_param"
	for _, seed := range r.portal.Seeds() {
		current := seed
		for current != "" && pages < maxPages {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "runner: canceled")
			}
			if visited[current] {
				break
			}
			visited[current] = true
			pages++

			resp, err := r.fetcher.Fetch(ctx, fetch.Request{URL: current, PageType: "listing"})
			if err != nil {
				stats.PagesFailed++
				stats.ErrorsCount++
				stats.Errors = append(stats.Errors, fmt.Sprintf("page %s: %s", current, err))
				if resilience.IsBlocked(err) {
					r.logger.Warn("portal is blocking, stopping pagination",
						zap.String("url", current), zap.Error(err))
					return nil
				}
				r.logger.Warn("page fetch failed", zap.String("url", current), zap.Error(err))
				if r.portal.Pagination.StopOnFirstError {
					return nil
				}
				// the next param page is computable without the body;
				// next-link mode has nothing left to follow
				if paramMode {
					current = nextParamPage(current, r.portal.Pagination.Param)
					continue
				}
				break
			}

			result := pipeline.Extract(string(resp.Body), current)
			switch {
			case result.OK():
				stats.PagesScraped++
				stats.Warnings = append(stats.Warnings, result.Warnings...)
				r.processRecords(ctx, run, portal, result, current, stats, opts)
			case paramMode:
				// an empty page marks the end of param pagination
				stats.Warnings = append(stats.Warnings, fmt.Sprintf("page %s: no records, stopping pagination", current))
				r.logger.Debug("empty page, pagination exhausted", zap.String("url", current))
			default:
				stats.PagesFailed++
				stats.ErrorsCount++
				stats.Errors = append(stats.Errors, fmt.Sprintf("page %s: extraction failed (%s)", current, result.Method))
				r.logger.Warn("extraction failed",
					zap.String("url", current),
					zap.String("method", result.Method),
					zap.Strings("errors", result.Errors))
				if r.portal.Pagination.StopOnFirstError {
					return nil
				}
			}

			if paramMode {
				if !result.OK() {
					break
				}
				current = nextParamPage(current, r.portal.Pagination.Param)
				continue
			}
			doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
			if err != nil {
				break
			}
			current = detectNextPage(doc, current, r.portal.Pagination.SelectorHint)
		}
	}
	return nil
}

// processRecords normalizes and persists each extracted record.
// Item-level failures are counted and skipped.
func (r *Runner) processRecords(ctx context.Context, run *model.Run, portal *model.Portal, result *extract.Result, pageURL string, stats *model.RunStats, opts Options) {
	for _, rec := range result.Records {
		confidence := result.Confidence
		if opts.FollowDetails {
			confidence = r.mergeDetail(ctx, rec, confidence, stats)
		}

		opp := normalize.Normalize(normalize.Input{
			Record:         rec,
			PortalName:     r.portal.Name,
			SourceURL:      pageURL,
			Confidence:     confidence,
			PreferDayFirst: r.portal.Extraction.PreferDayFirst,
		})
		opp.PortalID = portal.ID
		stats.OpportunitiesFound++
		stats.Warnings = append(stats.Warnings, opp.NormalizationWarnings...)

		existing, err := r.store.GetOpportunity(ctx, portal.ID, opp.ExternalID)
		if err != nil {
			stats.ErrorsCount++
			stats.Errors = append(stats.Errors, fmt.Sprintf("lookup %s: %s", opp.ExternalID, err))
			continue
		}

		var event model.EventType
		var stored *model.Opportunity
		if opts.DryRun {
			stored = opp
			event = classifyChange(existing, opp)
		} else {
			stored, event, err = r.store.UpsertOpportunity(ctx, opp)
			if err != nil {
				stats.ErrorsCount++
				stats.Errors = append(stats.Errors, fmt.Sprintf("upsert %s: %s", opp.ExternalID, err))
				continue
			}
		}

		switch event {
		case model.EventNew:
			stats.OpportunitiesNew++
		case model.EventUnchanged:
			stats.OpportunitiesUnchanged++
		default:
			stats.OpportunitiesUpdated++
		}

		if opts.DryRun || event == model.EventUnchanged {
			continue
		}
		if err := r.recordEvent(ctx, run, existing, stored, event); err != nil {
			stats.Warnings = append(stats.Warnings, fmt.Sprintf("event for %s: %s", opp.ExternalID, err))
		}
	}
}

// mergeDetail fetches the record's detail page and merges extracted
// fields without overwriting listing values. Failures keep the record
// at a degraded confidence.
func (r *Runner) mergeDetail(ctx context.Context, rec map[string]any, confidence float64, stats *model.RunStats) float64 {
	detailURL, _ := rec["detail_url"].(string)
	if detailURL == "" {
		return confidence
	}

	resp, err := r.fetcher.Fetch(ctx, fetch.Request{URL: detailURL, PageType: "detail"})
	if err != nil {
		stats.Warnings = append(stats.Warnings, fmt.Sprintf("detail %s: %s", detailURL, err))
		return confidence * 0.9
	}

	detail := extract.ExtractDetail(string(resp.Body), detailURL, r.portal.Extraction.Detail)
	for k, v := range detail {
		if k == "source_url" || k == "confidence" || strings.HasPrefix(k, "_") {
			continue
		}
		if cur, ok := rec[k]; ok {
			if s, isStr := cur.(string); !isStr || s != "" {
				continue
			}
		}
		rec[k] = v
	}
	return confidence
}

func (r *Runner) recordEvent(ctx context.Context, run *model.Run, existing, stored *model.Opportunity, event model.EventType) error {
	ev := &model.Event{
		OpportunityID: stored.ID,
		RunID:         run.ID,
		Type:          event,
	}
	if event == model.EventNew {
		ev.Summary = "New opportunity"
	} else {
		diff := normalize.ComputeDiff(existing, stored)
		ev.Summary = diff.Summary
		ev.Changes = diff.ChangesMap()
	}
	return r.store.RecordEvent(ctx, ev)
}

// classifyChange mirrors the persisted upsert semantics for dry runs,
// including explicit-status preservation.
func classifyChange(existing, incoming *model.Opportunity) model.EventType {
	if existing == nil {
		return model.EventNew
	}

	snapshot := *incoming
	if !snapshot.StatusExplicit && existing.StatusExplicit {
		snapshot.Status = existing.Status
		snapshot.StatusExplicit = true
		snapshot.Fingerprint = normalize.Fingerprint(&snapshot)
	}
	if snapshot.Fingerprint == existing.Fingerprint {
		return model.EventUnchanged
	}
	diff := normalize.ComputeDiff(existing, &snapshot)
	return normalize.DetectEvent(existing, diff, &snapshot)
}

func (r *Runner) buildPipeline() *extract.Pipeline {
	ex := r.portal.Extraction

	var opts []extract.PipelineOption
	if ex.ConfidenceThreshold > 0 {
		opts = append(opts, extract.WithThreshold(ex.ConfidenceThreshold))
	}

	var rules *extract.RuleExtractor
	if len(ex.Listing.Fields) > 0 {
		rules = &extract.RuleExtractor{
			XPathMode:         ex.Listing.UseXPath,
			ContainerSelector: ex.Listing.ContainerSelector,
			Fields:            ex.Listing.Fields,
		}
	}

	switch ex.Mode {
	case "rules":
		if rules != nil {
			opts = append(opts, extract.WithExtractors(rules))
		}
	case "table":
		opts = append(opts, extract.WithExtractors(&extract.TableExtractor{HeaderAliases: ex.HeaderAliases}))
	case "structured":
		opts = append(opts, extract.WithExtractors(&extract.StructuredExtractor{}))
	case "card":
		opts = append(opts, extract.WithExtractors(&extract.CardExtractor{}))
	default:
		chain := []extract.Extractor{
			&extract.StructuredExtractor{},
			&extract.TableExtractor{HeaderAliases: ex.HeaderAliases},
			&extract.CardExtractor{},
		}
		if rules != nil {
			chain = append([]extract.Extractor{rules}, chain...)
		}
		opts = append(opts, extract.WithExtractors(chain...))
	}
	return extract.NewPipeline(opts...)
}

func defaultHolderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Coordinator runs multiple portals with one fetcher per portal.
type Coordinator struct {
	store store.Store
	cfg   *config.Config
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st store.Store, cfg *config.Config) *Coordinator {
	return &Coordinator{store: st, cfg: cfg}
}

// NewFetcher builds a throttled fetcher honoring the portal's
// politeness overrides.
func (c *Coordinator) NewFetcher(p *config.PortalConfig) fetch.Fetcher {
	httpFetcher := fetch.NewHTTPFetcher(fetch.Options{
		UserAgent:  c.cfg.Scrape.UserAgent,
		Timeout:    time.Duration(c.cfg.Scrape.TimeoutSecs) * time.Second,
		MaxRetries: c.cfg.Politeness.MaxRetries,
	})

	limiter := fetch.NewRateLimiter(politenessFromConfig(c.cfg.Politeness))
	if p.Politeness != nil {
		if u, err := url.Parse(p.BaseURL); err == nil && u.Hostname() != "" {
			limiter.SetDomainPoliteness(u.Hostname(), politenessFromConfig(*p.Politeness))
		}
	}
	throttled := fetch.NewThrottledFetcher(httpFetcher, limiter)
	circuitCfg := resilience.FromCircuitConfig(c.cfg.Scrape.CircuitFailures, c.cfg.Scrape.CircuitResetSecs)
	return fetch.NewCircuitFetcher(throttled, circuitCfg)
}

// RunPortal executes a single portal run with a dedicated fetcher.
func (c *Coordinator) RunPortal(ctx context.Context, p *config.PortalConfig, opts Options) (*model.RunStats, error) {
	opts.LockTTL = time.Duration(c.cfg.Scrape.LockTTLMins) * time.Minute
	return New(c.store, c.NewFetcher(p), p).Run(ctx, opts)
}

// RunAll executes every enabled portal concurrently. A portal whose
// lock is held is skipped; a failed portal does not stop the others.
func (c *Coordinator) RunAll(ctx context.Context, portals []*config.PortalConfig, opts Options) (map[string]*model.RunStats, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var mu sync.Mutex
	results := make(map[string]*model.RunStats)
	var errs []error

	for _, p := range portals {
		if !p.IsEnabled() {
			zap.L().Info("portal disabled, skipping", zap.String("portal", p.Name))
			continue
		}
		g.Go(func() error {
			stats, err := c.RunPortal(ctx, p, opts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrLockHeld):
				zap.L().Warn("portal run skipped, lock held", zap.String("portal", p.Name))
			case err != nil:
				zap.L().Error("portal run failed", zap.String("portal", p.Name), zap.Error(err))
				errs = append(errs, eris.Wrapf(err, "portal %s", p.Name))
				results[p.Name] = stats
			default:
				results[p.Name] = stats
			}
			return nil
		})
	}

	_ = g.Wait()
	return results, errors.Join(errs...)
}

func politenessFromConfig(pc config.PolitenessConfig) fetch.Politeness {
	return fetch.Politeness{
		MinDelay:       time.Duration(pc.MinDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(pc.MaxDelayMS) * time.Millisecond,
		MaxConcurrency: pc.Concurrency,
		BurstLimit:     pc.BurstLimit,
		BurstWindow:    time.Duration(pc.BurstWindowSecs) * time.Second,
	}
}
