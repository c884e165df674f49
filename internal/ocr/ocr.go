// Package ocr turns subsidy documents (PDF attachments, HTML pages and plain
// text) into the text the extractor works on.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/config"
)

// Extractor pulls the text out of a PDF file on disk.
type Extractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
}

// NewExtractor returns the PDF extractor selected by cfg.Provider: "local"
// shells out to pdftotext, "mistral" calls the Mistral OCR API.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires ocr.mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
