// Package pipeline is the service behind the harvest and extract triggers.
// It routes each document to the synchronous hybrid extractor or to a
// background job, gates the result through quality control and records
// every attempt.
package pipeline

import (
	"context"
	"time"

	"github.com/agrisubsidy/harvest-cli/internal/extract"
	"github.com/agrisubsidy/harvest-cli/internal/harvest"
	"github.com/agrisubsidy/harvest-cli/internal/jobs"
	"github.com/agrisubsidy/harvest-cli/internal/ocr"
	"github.com/agrisubsidy/harvest-cli/internal/quality"
	"github.com/agrisubsidy/harvest-cli/internal/review"
	"github.com/agrisubsidy/harvest-cli/internal/store"
	"github.com/agrisubsidy/harvest-cli/internal/tracker"
)

// Harvester runs a harvest.
type Harvester interface {
	Run(ctx context.Context, req harvest.Request) (*harvest.Result, error)
}

// TextLoader reads the text of a document by URL or path.
type TextLoader interface {
	Load(ctx context.Context, source, fileName string) (*ocr.Document, error)
}

// Service wires the pipeline components together.
type Service struct {
	store     store.Store
	harvester Harvester
	extractor *extract.Extractor
	router    *extract.Router
	loader    TextLoader
	runner    jobs.Runner
	monitor   *jobs.Monitor
	tracker   *tracker.Tracker
	review    review.Notifier
	quality   quality.Config

	dashboardURL string
	jobTimeout   time.Duration
	monitorOpts  []jobs.MonitorOption
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHarvester sets the harvester behind Harvest.
func WithHarvester(h Harvester) Option {
	return func(s *Service) { s.harvester = h }
}

// WithLoader sets how document URLs are turned into text.
func WithLoader(l TextLoader) Option {
	return func(s *Service) { s.loader = l }
}

// WithRouter replaces the default extraction router.
func WithRouter(r *extract.Router) Option {
	return func(s *Service) { s.router = r }
}

// WithRunner runs async documents on r instead of in-process goroutines.
func WithRunner(r jobs.Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithJobTimeout bounds in-process background jobs.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Service) { s.jobTimeout = d }
}

// WithMonitorOptions configures how async jobs are polled.
func WithMonitorOptions(opts ...jobs.MonitorOption) Option {
	return func(s *Service) { s.monitorOpts = append(s.monitorOpts, opts...) }
}

// WithQuality sets the quality gate thresholds.
func WithQuality(cfg quality.Config) Option {
	return func(s *Service) { s.quality = cfg }
}

// WithReview sends manual-review verdicts to n. dashboardURL, when set, is
// linked from each review item.
func WithReview(n review.Notifier, dashboardURL string) Option {
	return func(s *Service) {
		s.review = n
		s.dashboardURL = dashboardURL
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. Without WithRunner, async documents run in
// background goroutines of this process.
func New(st store.Store, ex *extract.Extractor, opts ...Option) *Service {
	s := &Service{
		store:     st,
		extractor: ex,
		router:    extract.NewRouter(nil, nil),
		quality:   quality.DefaultConfig(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.runner == nil {
		s.runner = jobs.NewLocalRunner(st, s.runJob, jobs.WithJobTimeout(s.jobTimeout))
	}
	s.monitor = jobs.NewMonitor(s.runner, st, s.monitorOpts...)
	s.tracker = tracker.New(st, ex.Schema(), s.quality)
	return s
}

// Tracker returns the read side of the attempt store.
func (s *Service) Tracker() *tracker.Tracker {
	return s.tracker
}

// Runner returns the job runner.
func (s *Service) Runner() jobs.Runner {
	return s.runner
}

// Wait blocks until in-process background jobs have finished. It returns
// immediately for remote runners.
func (s *Service) Wait() {
	if lr, ok := s.runner.(*jobs.LocalRunner); ok {
		lr.Wait()
	}
}
