package model

import "time"

// AttemptStatus is the lifecycle state of an extraction attempt.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptProcessing AttemptStatus = "processing"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
)

// Terminal reports whether the attempt can no longer change.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptCompleted || s == AttemptFailed
}

// ExtractionMethod records where an attempt's fields came from.
type ExtractionMethod string

const (
	MethodLocal       ExtractionMethod = "local"
	MethodHybrid      ExtractionMethod = "hybrid"
	MethodAI          ExtractionMethod = "ai"
	MethodPhase2Async ExtractionMethod = "phase2-async"
	// MethodLocalFallback marks local fields kept after the AI pass failed.
	MethodLocalFallback ExtractionMethod = "local-fallback"
)

// AttemptInput describes the document an attempt was run against.
type AttemptInput struct {
	FileURL      string `json:"file_url,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	UseHybrid    bool   `json:"use_hybrid"`
	TextLength   int    `json:"text_length"`
}

// ExtractionAttempt is one extraction run for a document. A retry creates a
// new attempt; the latest by CreatedAt is the current one.
type ExtractionAttempt struct {
	ID               string           `json:"id"`
	DocumentID       string           `json:"document_id"`
	Status           AttemptStatus    `json:"status"`
	Confidence       float64          `json:"confidence"`
	LocalConfidence  float64          `json:"local_confidence"`
	ExtractionMethod ExtractionMethod `json:"extraction_method,omitempty"`
	TokensUsed       *int             `json:"tokens_used,omitempty"`
	ProcessingTimeMs *int64           `json:"processing_time_ms,omitempty"`
	ExtractedFields  map[string]any   `json:"extracted_fields"`
	MappedFields     map[string]any   `json:"mapped_fields"`
	ValidationErrors []string         `json:"validation_errors"`
	UnmappedFields   []string         `json:"unmapped_fields"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	AIAttempted      bool             `json:"ai_attempted"`
	AIError          string           `json:"ai_error,omitempty"`
	Model            string           `json:"model,omitempty"`
	CostUSD          float64          `json:"cost_usd"`
	Input            AttemptInput     `json:"input"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewAttempt returns a pending attempt with empty collections.
func NewAttempt(id, documentID string, input AttemptInput, now time.Time) *ExtractionAttempt {
	return &ExtractionAttempt{
		ID:               id,
		DocumentID:       documentID,
		Status:           AttemptPending,
		ExtractedFields:  map[string]any{},
		MappedFields:     map[string]any{},
		ValidationErrors: []string{},
		UnmappedFields:   []string{},
		Input:            input,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Fail marks the attempt failed with msg.
func (a *ExtractionAttempt) Fail(msg string) {
	a.Status = AttemptFailed
	a.ErrorMessage = &msg
}

// FieldCount returns the number of non-empty extracted fields.
func (a *ExtractionAttempt) FieldCount() int {
	n := 0
	for _, v := range a.ExtractedFields {
		if !IsEmptyValue(v) {
			n++
		}
	}
	return n
}

// IsEmptyValue reports whether v carries no information: nil, blank
// strings and empty slices or maps.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case []float64:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
