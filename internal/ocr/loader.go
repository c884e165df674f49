package ocr

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/harvest"
	"github.com/agrisubsidy/harvest-cli/internal/resilience"
)

var (
	// ErrUnsupported is returned for document formats no text can be read from.
	ErrUnsupported = eris.New("ocr: unsupported document type")
	// ErrTooLarge is returned when a document exceeds the size limit.
	ErrTooLarge = eris.New("ocr: document too large")
)

// Kind is the detected format of a document.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindHTML  Kind = "html"
	KindText  Kind = "text"
	KindOther Kind = "other"
)

// Document is the text of a loaded document.
type Document struct {
	Source      string
	FileName    string
	Kind        Kind
	ContentType string
	Title       string
	Text        string
	Size        int
}

// Loader fetches documents by URL or path and returns their text.
type Loader struct {
	pdf      Extractor
	client   *http.Client
	tempDir  string
	maxBytes int64
	retry    resilience.Policy
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithTempDir sets where downloaded PDFs are staged for extraction.
func WithTempDir(dir string) LoaderOption {
	return func(l *Loader) { l.tempDir = dir }
}

// WithMaxBytes caps document size.
func WithMaxBytes(n int64) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithLoaderHTTPClient replaces the download client.
func WithLoaderHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.client = c }
}

// WithLoaderRetry sets the download retry policy.
func WithLoaderRetry(p resilience.Policy) LoaderOption {
	return func(l *Loader) { l.retry = p }
}

// NewLoader creates a Loader that hands PDFs to pdf.
func NewLoader(pdf Extractor, opts ...LoaderOption) *Loader {
	l := &Loader{
		pdf:      pdf,
		client:   &http.Client{Timeout: time.Minute},
		maxBytes: 25 << 20,
		retry:    resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load reads the document at source, an http(s) URL, a file:// URL or a
// local path. fileName, when set, takes precedence over the name in source
// for format detection.
func (l *Loader) Load(ctx context.Context, source, fileName string) (*Document, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: parse source %s", source)
	}
	if fileName == "" {
		fileName = path.Base(u.Path)
	}

	var data []byte
	var contentType string
	switch u.Scheme {
	case "http", "https":
		data, contentType, err = l.download(ctx, source)
	case "file", "":
		p := source
		if u.Scheme == "file" {
			p = u.Path
		}
		data, err = l.readFile(p)
	default:
		return nil, eris.Errorf("ocr: unsupported source scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return l.FromBytes(ctx, data, fileName, contentType, source)
}

// FromBytes extracts text from an in-memory document.
func (l *Loader) FromBytes(ctx context.Context, data []byte, fileName, contentType, source string) (*Document, error) {
	if int64(len(data)) > l.maxBytes {
		return nil, eris.Wrapf(ErrTooLarge, "%s is %d bytes", fileName, len(data))
	}
	doc := &Document{
		Source:      source,
		FileName:    fileName,
		Kind:        DetectKind(fileName, contentType, data),
		ContentType: contentType,
		Size:        len(data),
	}

	switch doc.Kind {
	case KindPDF:
		text, err := l.extractPDF(ctx, data)
		if err != nil {
			return nil, err
		}
		doc.Text = text
	case KindHTML:
		base := source
		if !strings.HasPrefix(base, "http") {
			base = "file:///" + fileName
		}
		c, err := harvest.ExtractContent(data, base)
		if err != nil {
			return nil, eris.Wrap(err, "ocr: html content")
		}
		doc.Title = c.Title
		doc.Text = c.Text
	case KindText:
		doc.Text = string(data)
	default:
		return nil, eris.Wrapf(ErrUnsupported, "%s (%s)", fileName, contentType)
	}

	doc.Text = strings.TrimSpace(doc.Text)
	zap.L().Debug("ocr: document loaded",
		zap.String("file", fileName),
		zap.String("kind", string(doc.Kind)),
		zap.Int("bytes", doc.Size),
		zap.Int("chars", utf8.RuneCountInString(doc.Text)),
	)
	return doc, nil
}

func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	type payload struct {
		data        []byte
		contentType string
	}
	p, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (payload, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return payload{}, eris.Wrap(err, "ocr: create download request")
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return payload{}, eris.Wrapf(err, "ocr: download %s", rawURL)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 400 {
			err := eris.Errorf("ocr: download %s returned %d", rawURL, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return payload{}, resilience.NewTransientError(err, resp.StatusCode)
			}
			return payload{}, err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
		if err != nil {
			return payload{}, resilience.NewTransientError(eris.Wrap(err, "ocr: read download"), 0)
		}
		return payload{data: data, contentType: resp.Header.Get("Content-Type")}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return p.data, p.contentType, nil
}

func (l *Loader) readFile(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: stat %s", p)
	}
	if info.Size() > l.maxBytes {
		return nil, eris.Wrapf(ErrTooLarge, "%s is %d bytes", p, info.Size())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: read %s", p)
	}
	return data, nil
}

func (l *Loader) extractPDF(ctx context.Context, data []byte) (string, error) {
	f, err := os.CreateTemp(l.tempDir, "harvest-*.pdf")
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp pdf")
	}
	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", eris.Wrap(err, "ocr: write temp pdf")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "ocr: close temp pdf")
	}
	return l.pdf.ExtractText(ctx, f.Name())
}

// DetectKind classifies a document by content type, then file extension,
// then its leading bytes.
func DetectKind(fileName, contentType string, head []byte) Kind {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "application/pdf":
			return KindPDF
		case mt == "text/html" || mt == "application/xhtml+xml":
			return KindHTML
		case strings.HasPrefix(mt, "text/"), mt == "application/json":
			return KindText
		}
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return KindPDF
	case ".html", ".htm":
		return KindHTML
	case ".txt", ".md", ".csv", ".json":
		return KindText
	case ".doc", ".docx", ".xls", ".xlsx", ".odt":
		return KindOther
	}

	if bytes.HasPrefix(head, []byte("%PDF-")) {
		return KindPDF
	}
	sniff := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(sniff, "text/html"):
		return KindHTML
	case strings.HasPrefix(sniff, "text/plain"):
		return KindText
	}
	return KindOther
}
