// Package store persists raw pages, harvest runs, extraction attempts and
// async jobs in PostgreSQL or SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/model"
)

var (
	// ErrDuplicate is returned when a raw page with the same site and URL
	// already exists.
	ErrDuplicate = eris.New("store: duplicate page")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrFinal is returned when updating a completed or failed record.
	ErrFinal = eris.New("store: record is in a terminal state")
)

// AttemptFilter selects extraction attempts. Results are newest first.
type AttemptFilter struct {
	DocumentIDs []string
	Status      model.AttemptStatus
	Since       time.Time
	Limit       int
}

// Store defines the persistence interface for the harvest-and-extract
// pipeline.
type Store interface {
	// Raw pages
	InsertRawPage(ctx context.Context, page *model.RawPage) error
	GetRawPage(ctx context.Context, id string) (*model.RawPage, error)
	PageExists(ctx context.Context, sourceSite, sourceURL string) (bool, error)
	ListRawPages(ctx context.Context, filter model.PageFilter) ([]model.RawPage, error)
	UpdatePageStatus(ctx context.Context, id string, status model.PageStatus) error
	BackfillRunID(ctx context.Context, sourceSites []string, runID string, since time.Time) (int, error)

	// Harvest runs
	CreateRun(ctx context.Context, run *model.HarvestRun) error
	FinishRun(ctx context.Context, run *model.HarvestRun) error
	GetRun(ctx context.Context, id string) (*model.HarvestRun, error)

	// Extraction attempts
	CreateAttempt(ctx context.Context, a *model.ExtractionAttempt) error
	UpdateAttempt(ctx context.Context, a *model.ExtractionAttempt) error
	GetAttempt(ctx context.Context, id string) (*model.ExtractionAttempt, error)
	LatestAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.ExtractionAttempt, error)

	// Async jobs
	CreateJob(ctx context.Context, job *model.AsyncJob) error
	UpdateJob(ctx context.Context, job *model.AsyncJob) error
	GetJob(ctx context.Context, id string) (*model.AsyncJob, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// attemptJSON holds the JSON-encoded columns of an attempt.
type attemptJSON struct {
	extracted, mapped, validation, unmapped, input []byte
}

func encodeAttempt(a *model.ExtractionAttempt) (attemptJSON, error) {
	var out attemptJSON
	var err error
	if out.extracted, err = marshalOr(a.ExtractedFields, "{}"); err != nil {
		return out, eris.Wrap(err, "store: marshal extracted fields")
	}
	if out.mapped, err = marshalOr(a.MappedFields, "{}"); err != nil {
		return out, eris.Wrap(err, "store: marshal mapped fields")
	}
	if out.validation, err = marshalOr(a.ValidationErrors, "[]"); err != nil {
		return out, eris.Wrap(err, "store: marshal validation errors")
	}
	if out.unmapped, err = marshalOr(a.UnmappedFields, "[]"); err != nil {
		return out, eris.Wrap(err, "store: marshal unmapped fields")
	}
	if out.input, err = json.Marshal(a.Input); err != nil {
		return out, eris.Wrap(err, "store: marshal input")
	}
	return out, nil
}

func decodeAttempt(a *model.ExtractionAttempt, j attemptJSON) error {
	for _, c := range []struct {
		raw  []byte
		dst  any
		name string
	}{
		{j.extracted, &a.ExtractedFields, "extracted fields"},
		{j.mapped, &a.MappedFields, "mapped fields"},
		{j.validation, &a.ValidationErrors, "validation errors"},
		{j.unmapped, &a.UnmappedFields, "unmapped fields"},
		{j.input, &a.Input, "input"},
	} {
		if len(c.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(c.raw, c.dst); err != nil {
			return eris.Wrapf(err, "store: unmarshal %s", c.name)
		}
	}
	// A stored JSON null decodes to nil; keep collections non-nil.
	if a.ExtractedFields == nil {
		a.ExtractedFields = map[string]any{}
	}
	if a.MappedFields == nil {
		a.MappedFields = map[string]any{}
	}
	if a.ValidationErrors == nil {
		a.ValidationErrors = []string{}
	}
	if a.UnmappedFields == nil {
		a.UnmappedFields = []string{}
	}
	return nil
}

func marshalOr(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func encodeStrings(v []string) ([]byte, error) {
	return marshalOr(v, "[]")
}

func decodeStrings(raw []byte) ([]string, error) {
	out := []string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
