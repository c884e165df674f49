// Package harvest discovers candidate subsidy pages on public-aid sites and
// stores their cleaned content as raw pages.
package harvest

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/scrape"
	"github.com/agrisubsidy/harvest-cli/internal/store"
)

// ActionScrape is the only supported harvest action.
const ActionScrape = "scrape"

// ErrUnknownSite is returned when a requested source site is not registered.
var ErrUnknownSite = eris.New("harvest: unknown source site")

// Request triggers a harvest run.
type Request struct {
	Action      string   `json:"action"`
	SourceSites []string `json:"sourceSites"`
	MaxPages    int      `json:"maxPages"`
	RunID       string   `json:"runId"`
}

// Result summarises a harvest run.
type Result struct {
	Success              bool     `json:"success"`
	RunID                string   `json:"runId"`
	PagesDiscovered      int      `json:"pagesDiscovered"`
	PagesInsertedToStore int      `json:"pagesInsertedToStore"`
	InsertedIDs          []string `json:"insertedIds"`
	Duplicates           int      `json:"duplicates"`
	Skipped              int      `json:"skipped"`
	Errors               int      `json:"errors"`
	OrphansReconciled    int      `json:"orphansReconciled"`
	Error                string   `json:"error,omitempty"`
}

// Harvester runs discovery and scraping against the site registry.
type Harvester struct {
	store        store.Store
	fetcher      scrape.Fetcher
	limiter      *scrape.HostLimiter
	registry     *Registry
	filter       Filter
	concurrency  int
	maxPages     int
	orphanWindow time.Duration
	now          func() time.Time
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithConcurrency bounds how many pages of a site are fetched at once.
func WithConcurrency(n int) Option {
	return func(h *Harvester) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithMaxPages sets the default per-site page cap.
func WithMaxPages(n int) Option {
	return func(h *Harvester) {
		if n > 0 {
			h.maxPages = n
		}
	}
}

// WithMinTextLength sets the minimum page text length in characters.
func WithMinTextLength(n int) Option {
	return func(h *Harvester) { h.filter.MinTextLength = n }
}

// WithLanguageDetector enables language detection of kept pages.
func WithLanguageDetector(d LanguageDetector) Option {
	return func(h *Harvester) { h.filter.Detector = d }
}

// WithOrphanWindow sets how far back the orphan sweep looks.
func WithOrphanWindow(d time.Duration) Option {
	return func(h *Harvester) {
		if d > 0 {
			h.orphanWindow = d
		}
	}
}

// WithHostLimiter lets per-site request rates be applied to the fetcher's
// limiter.
func WithHostLimiter(l *scrape.HostLimiter) Option {
	return func(h *Harvester) { h.limiter = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Harvester) { h.now = now }
}

// New creates a Harvester.
func New(st store.Store, f scrape.Fetcher, reg *Registry, opts ...Option) *Harvester {
	h := &Harvester{
		store:        st,
		fetcher:      f,
		registry:     reg,
		filter:       Filter{MinTextLength: 500},
		concurrency:  3,
		maxPages:     20,
		orphanWindow: time.Hour,
		now:          time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// runState accumulates counters across workers.
type runState struct {
	mu  sync.Mutex
	res *Result
}

func (s *runState) add(fn func(r *Result)) {
	s.mu.Lock()
	fn(s.res)
	s.mu.Unlock()
}

// Run executes a harvest. Page-level failures are logged and counted; only
// invalid requests and store failures on the run record return an error.
func (h *Harvester) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Action != "" && req.Action != ActionScrape {
		return nil, eris.Errorf("harvest: unsupported action %q", req.Action)
	}
	siteIDs := req.SourceSites
	if len(siteIDs) == 0 {
		siteIDs = h.registry.IDs()
	}
	sites := make([]SiteConfig, 0, len(siteIDs))
	for _, id := range siteIDs {
		s, ok := h.registry.Get(id)
		if !ok {
			return nil, eris.Wrapf(ErrUnknownSite, "%s", id)
		}
		sites = append(sites, s)
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = h.maxPages
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	run := &model.HarvestRun{
		ID:          runID,
		SourceSites: siteIDs,
		Status:      model.RunStatusRunning,
		StartedAt:   h.now().UTC(),
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "harvest: create run")
	}

	log := zap.L().With(zap.String("run_id", runID))
	log.Info("harvest: run started", zap.Strings("sites", siteIDs), zap.Int("max_pages", maxPages))

	state := &runState{res: &Result{RunID: runID, InsertedIDs: []string{}}}
	for _, site := range sites {
		if ctx.Err() != nil {
			break
		}
		h.harvestSite(ctx, site, runID, maxPages, state)
	}

	res := state.res
	if ctx.Err() == nil {
		since := h.now().Add(-h.orphanWindow).UTC()
		n, err := h.store.BackfillRunID(ctx, siteIDs, runID, since)
		if err != nil {
			log.Error("harvest: orphan sweep failed", zap.Error(err))
			res.Errors++
		} else {
			res.OrphansReconciled = n
			log.Info("harvest: orphan sweep", zap.Int("reconciled", n), zap.Time("since", since))
		}
	}

	res.Success = ctx.Err() == nil
	run.Status = model.RunStatusComplete
	if !res.Success {
		run.Status = model.RunStatusFailed
		run.Error = ctx.Err().Error()
		res.Error = run.Error
	}
	finished := h.now().UTC()
	run.FinishedAt = &finished
	run.PagesDiscovered = res.PagesDiscovered
	run.PagesInserted = res.PagesInsertedToStore
	run.Duplicates = res.Duplicates
	run.Skipped = res.Skipped
	run.Errors = res.Errors
	run.OrphansReconciled = res.OrphansReconciled

	// The run record is closed even when the caller has gone away.
	if err := h.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		return res, eris.Wrap(err, "harvest: finish run")
	}

	log.Info("harvest: run finished",
		zap.Bool("success", res.Success),
		zap.Int("discovered", res.PagesDiscovered),
		zap.Int("inserted", res.PagesInsertedToStore),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// Discover fetches a site's seed pages and returns its candidate URLs:
// discovered links first, then allow-listed URLs, each once.
func (h *Harvester) Discover(ctx context.Context, site SiteConfig) ([]string, int) {
	d := NewDiscoverer(site)
	var found []string
	failures := 0
	for _, seed := range site.SeedURLs {
		page, err := h.fetcher.Fetch(ctx, seed)
		if err != nil {
			zap.L().Warn("harvest: seed fetch failed",
				zap.String("site", site.ID), zap.String("url", seed), zap.Error(err))
			failures++
			continue
		}
		pageURL := page.FinalURL
		if pageURL == "" {
			pageURL = seed
		}
		links, err := ExtractLinks(page.Body, pageURL)
		if err != nil {
			zap.L().Warn("harvest: seed parse failed",
				zap.String("site", site.ID), zap.String("url", seed), zap.Error(err))
			failures++
			continue
		}
		found = append(found, d.Candidates(links, pageURL)...)
	}
	candidates := Dedupe(append(found, site.AllowList...))
	zap.L().Info("harvest: candidates discovered",
		zap.String("site", site.ID),
		zap.Int("from_links", len(Dedupe(found))),
		zap.Int("total", len(candidates)),
	)
	return candidates, failures
}

func (h *Harvester) harvestSite(ctx context.Context, site SiteConfig, runID string, maxPages int, state *runState) {
	if h.limiter != nil && site.RequestsPerSecond > 0 {
		for _, raw := range append([]string{site.BaseURL}, site.SeedURLs...) {
			if u, err := url.Parse(raw); err == nil && u.Host != "" {
				h.limiter.SetHostRate(u.Host, site.RequestsPerSecond)
			}
		}
	}

	candidates, seedFailures := h.Discover(ctx, site)
	state.add(func(r *Result) {
		r.PagesDiscovered += len(candidates)
		r.Errors += seedFailures
	})
	if len(candidates) > maxPages {
		candidates = candidates[:maxPages]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, pageURL := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil //nolint:nilerr // cancelled; remaining pages are not attempted
			}
			h.harvestPage(gctx, site, runID, pageURL, state)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Harvester) harvestPage(ctx context.Context, site SiteConfig, runID, pageURL string, state *runState) {
	log := zap.L().With(zap.String("site", site.ID), zap.String("url", pageURL))

	exists, err := h.store.PageExists(ctx, site.ID, pageURL)
	if err != nil {
		log.Error("harvest: existence check failed", zap.Error(err))
		state.add(func(r *Result) { r.Errors++ })
		return
	}
	if exists {
		log.Debug("harvest: page already stored")
		state.add(func(r *Result) { r.Duplicates++ })
		return
	}

	page, err := h.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		if eris.Is(err, scrape.ErrBlocked) {
			log.Warn("harvest: page skipped", zap.String("reason", SkipBlocked), zap.Error(err))
			state.add(func(r *Result) { r.Skipped++ })
			return
		}
		log.Warn("harvest: page fetch failed", zap.Error(err))
		state.add(func(r *Result) { r.Errors++ })
		return
	}

	content, err := ExtractContent(page.Body, pageURL)
	if err != nil {
		log.Warn("harvest: content extraction failed", zap.Error(err))
		state.add(func(r *Result) { r.Errors++ })
		return
	}
	reason, lang := h.filter.Check(content, site)
	if reason != "" {
		log.Info("harvest: page skipped", zap.String("reason", reason), zap.String("language", lang))
		state.add(func(r *Result) { r.Skipped++ })
		return
	}

	rp := &model.RawPage{
		ID:              uuid.NewString(),
		RunID:           &runID,
		SourceSite:      site.ID,
		SourceURL:       pageURL,
		Title:           content.Title,
		Language:        lang,
		RawHTML:         string(page.Body),
		RawText:         content.Text,
		TextMarkdown:    content.Markdown,
		ContentHash:     ContentHash(content.Text),
		AttachmentPaths: content.Attachments,
		AttachmentCount: len(content.Attachments),
		Status:          model.PageStatusScraped,
		ScrapeTimestamp: h.now().UTC(),
	}
	if err := h.store.InsertRawPage(ctx, rp); err != nil {
		if eris.Is(err, store.ErrDuplicate) {
			log.Debug("harvest: duplicate page")
			state.add(func(r *Result) { r.Duplicates++ })
			return
		}
		log.Error("harvest: insert failed", zap.Error(err))
		state.add(func(r *Result) { r.Errors++ })
		return
	}

	log.Info("harvest: page inserted",
		zap.String("page_id", rp.ID),
		zap.Int("text_length", len([]rune(rp.RawText))),
		zap.Int("attachments", rp.AttachmentCount),
	)
	state.add(func(r *Result) {
		r.PagesInsertedToStore++
		r.InsertedIDs = append(r.InsertedIDs, rp.ID)
	})
}
