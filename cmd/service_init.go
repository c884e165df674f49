package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/config"
	"github.com/agrisubsidy/harvest-cli/internal/cost"
	"github.com/agrisubsidy/harvest-cli/internal/db"
	"github.com/agrisubsidy/harvest-cli/internal/extract"
	"github.com/agrisubsidy/harvest-cli/internal/harvest"
	"github.com/agrisubsidy/harvest-cli/internal/jobs"
	"github.com/agrisubsidy/harvest-cli/internal/ocr"
	"github.com/agrisubsidy/harvest-cli/internal/pipeline"
	"github.com/agrisubsidy/harvest-cli/internal/quality"
	"github.com/agrisubsidy/harvest-cli/internal/resilience"
	"github.com/agrisubsidy/harvest-cli/internal/review"
	"github.com/agrisubsidy/harvest-cli/internal/scrape"
	"github.com/agrisubsidy/harvest-cli/internal/store"
	anthropicpkg "github.com/agrisubsidy/harvest-cli/pkg/anthropic"
	"github.com/agrisubsidy/harvest-cli/pkg/docjobs"
	"github.com/agrisubsidy/harvest-cli/pkg/notion"
)

// serviceEnv holds the store and the pipeline service used by the harvest,
// extract and serve commands.
type serviceEnv struct {
	Store    store.Store
	Service  *pipeline.Service
	Breakers *resilience.Breakers
}

// Close waits for in-process background jobs, then releases the store.
func (e *serviceEnv) Close() {
	if e.Service != nil {
		e.Service.Wait()
	}
	if e.Breakers != nil {
		for name, st := range e.Breakers.States() {
			if st != resilience.Closed {
				zap.L().Warn("circuit not closed at exit", zap.String("breaker", name), zap.Stringer("state", st))
			}
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "harvest.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initService validates the configuration for scope and wires every
// pipeline component. Callers should defer env.Close().
func initService(ctx context.Context, scope string) (*serviceEnv, error) {
	if err := cfg.Validate(scope); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	retry := resilience.PolicyFrom(cfg.Retry)
	breakers := resilience.NewBreakers(cfg.Circuit)

	ex, err := initExtractor(retry, breakers)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pdf, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	loader := ocr.NewLoader(pdf,
		ocr.WithTempDir(cfg.OCR.TempDir),
		ocr.WithMaxBytes(cfg.OCR.MaxBytes),
		ocr.WithLoaderRetry(retry),
	)

	h, err := initHarvester(st, retry)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithHarvester(h),
		pipeline.WithLoader(loader),
		pipeline.WithRouter(extract.NewRouter(cfg.Extract.AsyncDocumentTypes, cfg.Extract.AsyncNameKeywords)),
		pipeline.WithQuality(quality.Config{
			ApproveThreshold:    cfg.Quality.ApproveThreshold,
			ConfidenceThreshold: cfg.Extract.ConfidenceThreshold,
		}),
		pipeline.WithJobTimeout(cfg.Jobs.JobTimeout),
		pipeline.WithMonitorOptions(
			jobs.WithPollInterval(cfg.Jobs.PollInterval),
			jobs.WithPollTimeout(cfg.Jobs.PollTimeout),
		),
	}

	if cfg.Jobs.Runner == "remote" {
		client := docjobs.NewClient(cfg.Jobs.BaseURL, cfg.Jobs.Key)
		opts = append(opts, pipeline.WithRunner(jobs.NewRemoteRunner(client, st)))
		zap.L().Info("remote job runner enabled", zap.String("base_url", cfg.Jobs.BaseURL))
	}

	if n := initReview(cfg.Review); len(n) > 0 {
		opts = append(opts, pipeline.WithReview(n, cfg.Review.DashboardURL))
	}

	return &serviceEnv{
		Store:    st,
		Service:  pipeline.New(st, ex, opts...),
		Breakers: breakers,
	}, nil
}

func initExtractor(retry resilience.Policy, breakers *resilience.Breakers) (*extract.Extractor, error) {
	opts := []extract.Option{
		extract.WithThreshold(cfg.Extract.ConfidenceThreshold),
		extract.WithAITimeout(cfg.Extract.AITimeout),
		extract.WithMaxInputChars(cfg.Extract.MaxInputChars),
		extract.WithMapper(extract.NewMapper(cfg.Extract.FieldMapping)),
		extract.WithCalculator(cost.NewCalculator(cost.RatesFrom(cfg.Pricing))),
		extract.WithRetry(retry),
	}

	keys := cfg.Anthropic.AccountKeys()
	if len(keys) == 0 {
		zap.L().Warn("no anthropic key configured, extraction is local only")
		return extract.NewExtractor(opts...), nil
	}

	var clientOpts []anthropicpkg.ClientOption
	if cfg.Anthropic.BaseURL != "" {
		clientOpts = append(clientOpts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	pool, err := anthropicpkg.NewPoolFromKeys(keys, clientOpts, anthropicpkg.WithGuard(breakerGuard(breakers)))
	if err != nil {
		return nil, eris.Wrap(err, "init anthropic pool")
	}
	zap.L().Info("anthropic pool ready", zap.Int("accounts", pool.Size()))

	opts = append(opts, extract.WithAI(pool, cfg.Anthropic.Model, int64(cfg.Anthropic.MaxTokens)))
	return extract.NewExtractor(opts...), nil
}

// breakerGuard runs every pool call through the account's circuit breaker.
func breakerGuard(breakers *resilience.Breakers) anthropicpkg.Guard {
	return func(ctx context.Context, account string, call func(ctx context.Context) (*anthropicpkg.MessageResponse, error)) (*anthropicpkg.MessageResponse, error) {
		return resilience.Call(ctx, breakers.Get("anthropic:"+account), call)
	}
}

func initHarvester(st store.Store, retry resilience.Policy) (*harvest.Harvester, error) {
	sites, err := harvest.LoadSites(cfg.Harvest.SitesFile)
	if err != nil {
		return nil, err
	}

	limiter := scrape.NewHostLimiter(cfg.Harvest.RequestsPerSecond)
	fetcher := scrape.NewHTTPFetcher(
		scrape.WithUserAgent(cfg.Harvest.UserAgent),
		scrape.WithTimeout(cfg.Harvest.FetchTimeout),
		scrape.WithHostLimiter(limiter),
		scrape.WithRetry(retry),
	)

	opts := []harvest.Option{
		harvest.WithConcurrency(cfg.Harvest.Concurrency),
		harvest.WithMaxPages(cfg.Harvest.MaxPages),
		harvest.WithMinTextLength(cfg.Harvest.MinTextLength),
		harvest.WithOrphanWindow(cfg.Harvest.OrphanWindow),
		harvest.WithHostLimiter(limiter),
	}
	if cfg.Harvest.DetectLanguage {
		opts = append(opts, harvest.WithLanguageDetector(harvest.NewLinguaDetector()))
	}
	return harvest.New(st, fetcher, harvest.NewRegistry(sites), opts...), nil
}

// initReview returns the configured review destinations.
func initReview(c config.ReviewConfig) review.Multi {
	var out review.Multi
	if c.WebhookURL != "" {
		out = append(out, review.NewWebhook(c.WebhookURL))
	}
	if c.NotionToken != "" && c.NotionDB != "" {
		out = append(out, review.NewNotion(notion.NewClient(c.NotionToken), c.NotionDB))
	}
	return out
}
