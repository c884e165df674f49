// Package tracker reads extraction attempts back for the UI, diagnostics
// and offline review.
package tracker

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/extract"
	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/quality"
	"github.com/agrisubsidy/harvest-cli/internal/store"
)

// Source is the read side of the attempt store.
type Source interface {
	GetAttempt(ctx context.Context, id string) (*model.ExtractionAttempt, error)
	LatestAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error)
	ListAttempts(ctx context.Context, filter store.AttemptFilter) ([]model.ExtractionAttempt, error)
}

// Tracker answers questions about past attempts. It never writes.
type Tracker struct {
	src     Source
	schema  *extract.Schema
	quality quality.Config
	now     func() time.Time
}

// New creates a Tracker. Quality in exports is assessed with schema and
// cfg.
func New(src Source, schema *extract.Schema, cfg quality.Config) *Tracker {
	if schema == nil {
		schema = extract.DefaultSchema()
	}
	return &Tracker{src: src, schema: schema, quality: cfg, now: time.Now}
}

// Latest returns the current attempt for a document. It returns
// store.ErrNotFound when the document was never extracted.
func (t *Tracker) Latest(ctx context.Context, documentID string) (*model.ExtractionAttempt, error) {
	a, err := t.src.LatestAttempt(ctx, documentID)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: latest attempt for %s", documentID)
	}
	if a == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "tracker: no attempts for %s", documentID)
	}
	return a, nil
}

// History returns a document's attempts, newest first. limit <= 0 returns
// all of them.
func (t *Tracker) History(ctx context.Context, documentID string, limit int) ([]model.ExtractionAttempt, error) {
	out, err := t.src.ListAttempts(ctx, store.AttemptFilter{DocumentIDs: []string{documentID}, Limit: limit})
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: history for %s", documentID)
	}
	if out == nil {
		out = []model.ExtractionAttempt{}
	}
	return out, nil
}

// Stats aggregates attempts of the given documents, or of every document
// when none is given.
func (t *Tracker) Stats(ctx context.Context, documentIDs ...string) (Stats, error) {
	attempts, err := t.src.ListAttempts(ctx, store.AttemptFilter{DocumentIDs: documentIDs})
	if err != nil {
		return Stats{}, eris.Wrap(err, "tracker: list attempts for stats")
	}
	return ComputeStats(attempts), nil
}

// Stats summarises a set of attempts.
type Stats struct {
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Pending         int            `json:"pending"`
	Processing      int            `json:"processing"`
	SuccessRate     float64        `json:"success_rate"`
	AvgConfidence   float64        `json:"avg_confidence"`
	TotalTokens     int            `json:"total_tokens"`
	AvgProcessingMs float64        `json:"avg_processing_ms"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	ByMethod        map[string]int `json:"by_method"`
}

// ComputeStats aggregates attempts. Success rate is over all attempts;
// average confidence is over completed ones only.
func ComputeStats(attempts []model.ExtractionAttempt) Stats {
	s := Stats{Total: len(attempts), ByMethod: map[string]int{}}
	var confSum, msSum float64
	timed := 0
	for _, a := range attempts {
		switch a.Status {
		case model.AttemptCompleted:
			s.Completed++
			confSum += a.Confidence
		case model.AttemptFailed:
			s.Failed++
		case model.AttemptPending:
			s.Pending++
		case model.AttemptProcessing:
			s.Processing++
		}
		if a.TokensUsed != nil {
			s.TotalTokens += *a.TokensUsed
		}
		if a.ProcessingTimeMs != nil {
			msSum += float64(*a.ProcessingTimeMs)
			timed++
		}
		if a.ExtractionMethod != "" {
			s.ByMethod[string(a.ExtractionMethod)]++
		}
		s.TotalCostUSD += a.CostUSD
	}
	if s.Total > 0 {
		s.SuccessRate = round2(float64(s.Completed) * 100 / float64(s.Total))
	}
	if s.Completed > 0 {
		s.AvgConfidence = round2(confSum / float64(s.Completed))
	}
	if timed > 0 {
		s.AvgProcessingMs = round2(msSum / float64(timed))
	}
	return s
}

// Export is the diagnostic bundle of one attempt.
type Export struct {
	AttemptID  string                   `json:"attempt_id"`
	DocumentID string                   `json:"document_id"`
	ExportedAt time.Time                `json:"exported_at"`
	Input      model.AttemptInput       `json:"input"`
	Output     ExportOutput             `json:"output"`
	Errors     ExportErrors             `json:"errors"`
	Timing     ExportTiming             `json:"timing"`
	Cost       ExportCost               `json:"cost"`
	Quality    quality.Assessment       `json:"quality"`
	Attempt    *model.ExtractionAttempt `json:"attempt"`
}

// ExportOutput is what the attempt produced.
type ExportOutput struct {
	Status          model.AttemptStatus    `json:"status"`
	Method          model.ExtractionMethod `json:"method"`
	Confidence      float64                `json:"confidence"`
	LocalConfidence float64                `json:"local_confidence"`
	Extracted       map[string]any         `json:"extracted"`
	Mapped          map[string]any         `json:"mapped"`
	Unmapped        []string               `json:"unmapped"`
}

// ExportErrors collects every failure recorded on the attempt.
type ExportErrors struct {
	Message     string   `json:"message,omitempty"`
	Validation  []string `json:"validation"`
	AIAttempted bool     `json:"ai_attempted"`
	AIError     string   `json:"ai_error,omitempty"`
}

// ExportTiming describes when and how long.
type ExportTiming struct {
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ProcessingTimeMs *int64    `json:"processing_time_ms,omitempty"`
}

// ExportCost is the AI spend.
type ExportCost struct {
	Model      string  `json:"model,omitempty"`
	TokensUsed *int    `json:"tokens_used,omitempty"`
	USD        float64 `json:"usd"`
}

// Export builds the diagnostic bundle for attemptID.
func (t *Tracker) Export(ctx context.Context, attemptID string) (*Export, error) {
	a, err := t.src.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: export %s", attemptID)
	}
	msg := ""
	if a.ErrorMessage != nil {
		msg = *a.ErrorMessage
	}
	return &Export{
		AttemptID:  a.ID,
		DocumentID: a.DocumentID,
		ExportedAt: t.now().UTC(),
		Input:      a.Input,
		Output: ExportOutput{
			Status:          a.Status,
			Method:          a.ExtractionMethod,
			Confidence:      a.Confidence,
			LocalConfidence: a.LocalConfidence,
			Extracted:       a.ExtractedFields,
			Mapped:          a.MappedFields,
			Unmapped:        a.UnmappedFields,
		},
		Errors: ExportErrors{
			Message:     msg,
			Validation:  a.ValidationErrors,
			AIAttempted: a.AIAttempted,
			AIError:     a.AIError,
		},
		Timing: ExportTiming{
			CreatedAt:        a.CreatedAt,
			UpdatedAt:        a.UpdatedAt,
			ProcessingTimeMs: a.ProcessingTimeMs,
		},
		Cost: ExportCost{
			Model:      a.Model,
			TokensUsed: a.TokensUsed,
			USD:        a.CostUSD,
		},
		Quality: quality.Assess(a, t.schema, t.quality),
		Attempt: a,
	}, nil
}

// JSON renders the export indented for humans.
func (e *Export) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "tracker: marshal export")
	}
	return b, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
