// Package review sends extractions that failed the quality gate to a
// manual-review queue.
package review

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/quality"
)

// Item is one extraction waiting for a reviewer.
type Item struct {
	AttemptID    string                 `json:"attemptId"`
	DocumentID   string                 `json:"documentId"`
	FileName     string                 `json:"fileName,omitempty"`
	Method       model.ExtractionMethod `json:"extractionMethod,omitempty"`
	Confidence   float64                `json:"confidence"`
	Overall      float64                `json:"qualityScore"`
	Verdict      quality.Verdict        `json:"verdict"`
	Reasons      []string               `json:"reasons"`
	DashboardURL string                 `json:"dashboardUrl,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// NewItem builds a review item from an attempt and its assessment. Reasons
// are the error and warning messages, in assessment order.
func NewItem(a *model.ExtractionAttempt, qa quality.Assessment, dashboardURL string) Item {
	item := Item{
		AttemptID:  a.ID,
		DocumentID: a.DocumentID,
		FileName:   a.Input.FileName,
		Method:     a.ExtractionMethod,
		Confidence: a.Confidence,
		Overall:    qa.Overall,
		Verdict:    qa.Verdict,
		Reasons:    []string{},
		CreatedAt:  time.Now().UTC(),
	}
	for _, is := range qa.Issues {
		if is.Type == quality.IssueInfo {
			continue
		}
		item.Reasons = append(item.Reasons, is.Message)
	}
	if dashboardURL != "" {
		item.DashboardURL = dashboardURL + "/attempts/" + a.ID
	}
	return item
}

// Notifier delivers review items.
type Notifier interface {
	Notify(ctx context.Context, item Item) error
}

// Multi fans an item out to every notifier. Failures are logged and never
// returned, so a broken review queue cannot fail an extraction.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, item Item) error {
	for _, n := range m {
		if err := n.Notify(ctx, item); err != nil {
			zap.L().Warn("review: notify failed",
				zap.String("attempt_id", item.AttemptID),
				zap.String("document_id", item.DocumentID),
				zap.Error(err),
			)
		}
	}
	return nil
}
