package review

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Webhook posts review items as JSON to a reviewer queue endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook notifier for url.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "review: marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "review: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "review: webhook request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return eris.Errorf("review: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
