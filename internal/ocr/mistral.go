package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/resilience"
)

const (
	mistralEndpoint     = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
)

// MistralOCR sends PDFs to the Mistral OCR API. It handles scanned
// documents pdftotext returns nothing for.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// MistralOption configures a MistralOCR.
type MistralOption func(*MistralOCR)

// WithEndpoint overrides the OCR endpoint.
func WithEndpoint(u string) MistralOption {
	return func(m *MistralOCR) { m.endpoint = u }
}

// NewMistralOCR creates a MistralOCR. An empty model selects the default.
func NewMistralOCR(apiKey, model string, opts ...MistralOption) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	m := &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralEndpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type mistralRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
}

type mistralDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type mistralResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// ExtractText uploads pdfPath inline as a data URL and joins the returned
// page markdown.
func (m *MistralOCR) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", eris.Wrapf(err, "ocr: read pdf %s", pdfPath)
	}

	body, err := json.Marshal(mistralRequest{
		Model: m.model,
		Document: mistralDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "ocr: marshal mistral request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "ocr: mistral request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "ocr: read mistral response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ocr: mistral returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	var out mistralResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", eris.Wrap(err, "ocr: unmarshal mistral response")
	}
	pages := make([]string, 0, len(out.Pages))
	for _, p := range out.Pages {
		pages = append(pages, p.Markdown)
	}
	return strings.Join(pages, "\n\n"), nil
}
