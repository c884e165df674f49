package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agrisubsidy/harvest-cli/internal/harvest"
	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/prefill"
)

// ErrNotExtracted is returned by Prefill when the document has no
// completed extraction to apply.
var ErrNotExtracted = eris.New("pipeline: document has no completed extraction")

// Harvest runs the harvester.
func (s *Service) Harvest(ctx context.Context, req harvest.Request) (*harvest.Result, error) {
	if s.harvester == nil {
		return nil, eris.New("pipeline: no harvester configured")
	}
	return s.harvester.Run(ctx, req)
}

// PrefillResult is the reply of the apply-to-profile operation.
type PrefillResult struct {
	AttemptID string         `json:"attemptId"`
	Applied   []string       `json:"applied"`
	Form      map[string]any `json:"form"`
}

// Prefill applies the mapped fields of a document's current attempt to
// form. Existing form values are kept unless overwrite is set.
func (s *Service) Prefill(ctx context.Context, documentID string, form map[string]any, overwrite bool) (*PrefillResult, error) {
	a, err := s.tracker.Latest(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if a.Status != model.AttemptCompleted {
		return nil, eris.Wrapf(ErrNotExtracted, "%s is %s", documentID, a.Status)
	}
	if form == nil {
		form = map[string]any{}
	}
	applied := prefill.ApplyToMap(a.MappedFields, form, overwrite)
	zap.L().Info("pipeline: profile prefilled",
		zap.String("document_id", documentID),
		zap.String("attempt_id", a.ID),
		zap.Strings("applied", applied),
	)
	return &PrefillResult{AttemptID: a.ID, Applied: applied, Form: form}, nil
}

// BatchResult summarises ExtractScraped.
type BatchResult struct {
	Pages     int `json:"pages"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ExtractScraped extracts harvested pages still in status scraped, at most
// concurrency at a time. A page failing does not stop the batch.
func (s *Service) ExtractScraped(ctx context.Context, filter model.PageFilter, concurrency int) (*BatchResult, error) {
	filter.Status = model.PageStatusScraped
	pages, err := s.store.ListRawPages(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list scraped pages")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	out := &BatchResult{Pages: len(pages)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, p := range pages {
		g.Go(func() error {
			resp, err := s.Extract(gctx, ExtractRequest{
				DocumentID: p.ID,
				FileName:   fileNameOf(p.SourceURL),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !resp.Success {
				out.Failed++
				if err != nil {
					zap.L().Warn("pipeline: batch extraction failed", zap.String("page_id", p.ID), zap.Error(err))
				}
				return nil
			}
			out.Completed++
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("pipeline: batch done",
		zap.Int("pages", out.Pages),
		zap.Int("completed", out.Completed),
		zap.Int("failed", out.Failed),
	)
	return out, ctx.Err()
}
