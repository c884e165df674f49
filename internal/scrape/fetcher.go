// Package scrape fetches static HTML pages politely: per-host rate limits,
// retries on transient failures and anti-bot wall detection.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/resilience"
)

// ErrBlocked is returned when a page sits behind an anti-bot wall or needs
// JavaScript to render.
var ErrBlocked = eris.New("scrape: blocked")

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scrape: %s returned status %d", e.URL, e.StatusCode)
}

// Page is a fetched HTML document.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Fetcher fetches a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// HTTPFetcher implements Fetcher with net/http.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	limiter   *HostLimiter
	retry     resilience.Policy
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithHostLimiter sets the per-host rate limiter.
func WithHostLimiter(l *HostLimiter) Option {
	return func(f *HTTPFetcher) { f.limiter = l }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p resilience.Policy) Option {
	return func(f *HTTPFetcher) { f.retry = p }
}

// WithMaxBody caps how many bytes of a response body are read.
func WithMaxBody(n int64) Option {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// NewHTTPFetcher creates an HTTPFetcher with sensible defaults.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
		userAgent: "Mozilla/5.0 (compatible; SubsidyHarvester/1.0)",
		maxBody:   2 << 20,
		limiter:   NewHostLimiter(1),
		retry:     resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads rawURL, retrying transient failures.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*Page, error) {
		return f.fetchOnce(ctx, rawURL)
	})
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse url %s", rawURL)
	}
	if err := f.limiter.Wait(ctx, u.Host); err != nil {
		return nil, eris.Wrap(err, "scrape: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: create request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: fetch %s", rawURL)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "scrape: read body"), 0)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		f.limiter.OnRateLimit(u.Host)
	}

	if blocked, kind := DetectBlock(resp, body); blocked {
		return nil, eris.Wrapf(ErrBlocked, "%s (%s)", rawURL, kind)
	}

	if resp.StatusCode >= 400 {
		serr := &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(serr, resp.StatusCode)
		}
		return nil, serr
	}
	f.limiter.OnSuccess(u.Host)

	return &Page{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now().UTC(),
	}, nil
}
