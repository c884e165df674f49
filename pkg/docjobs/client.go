// Package docjobs is a client for a remote document-processing service
// that extracts large documents in the background.
package docjobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the job service operations.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
}

// SubmitRequest is the body for POST /jobs.
type SubmitRequest struct {
	DocumentID   string `json:"documentId"`
	AttemptID    string `json:"attemptId,omitempty"`
	FileURL      string `json:"fileUrl,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	DocumentType string `json:"documentType,omitempty"`
	UseHybrid    bool   `json:"useHybridMode"`
}

// Job is the service's view of a job.
type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	AttemptID  string    `json:"attemptId,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// APIError is returned when the service responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docjobs: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the service at baseURL. apiKey may be
// empty when the service needs no auth.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	var job Job
	if err := c.post(ctx, "/jobs", req, &job); err != nil {
		return nil, eris.Wrapf(err, "docjobs: submit job for %s", req.DocumentID)
	}
	return &job, nil
}

func (c *httpClient) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.get(ctx, "/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, eris.Wrapf(err, "docjobs: get job %s", id)
	}
	return &job, nil
}

func (c *httpClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return eris.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
