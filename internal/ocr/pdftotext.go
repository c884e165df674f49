package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText runs the poppler pdftotext binary.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText. An empty binPath means "pdftotext" on PATH.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText converts pdfPath keeping the physical layout, which keeps
// amount tables readable. Page breaks become blank lines.
func (p *PdfToText) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext %s: %s", pdfPath, strings.TrimSpace(stderr.String()))
	}
	return strings.ReplaceAll(stdout.String(), "\f", "\n\n"), nil
}
