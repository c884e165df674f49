// Package notion is a rate-limited wrapper around the Notion API, used for
// the manual-review database.
package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultRateLimit is Notion's documented average request rate.
const DefaultRateLimit = 3.0

// Client is the subset of the Notion API the review queue needs.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// ClientOption configures a Client.
type ClientOption func(*client)

// WithRateLimit sets the request rate. Zero or less disables throttling.
func WithRateLimit(rps float64) ClientOption {
	return func(c *client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

// WithRetries sets how often the SDK retries a 429 response.
func WithRetries(n int) ClientOption {
	return func(c *client) { c.retries = n }
}

type client struct {
	api     *notionapi.Client
	limiter *rate.Limiter
	retries int
}

// NewClient creates a Client for an integration token.
func NewClient(token string, opts ...ClientOption) Client {
	c := &client{
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), 1),
		retries: 3,
	}
	for _, o := range opts {
		o(c)
	}
	c.api = notionapi.NewClient(notionapi.Token(token), notionapi.WithRetry(c.retries))
	return c
}

func (c *client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notion: rate limit")
	}
	return nil
}

func (c *client) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query database %s", dbID)
	}
	return resp, nil
}

func (c *client) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	page, err := c.api.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: create page")
	}
	return page, nil
}

func (c *client) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	page, err := c.api.Page.Update(ctx, notionapi.PageID(pageID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: update page %s", pageID)
	}
	return page, nil
}
