package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPageStatusValid(t *testing.T) {
	assert.True(t, PageStatusScraped.Valid())
	assert.True(t, PageStatusFailed.Valid())
	assert.False(t, PageStatus("archived").Valid())
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, AttemptPending.Terminal())
	assert.False(t, AttemptProcessing.Terminal())
	assert.True(t, AttemptCompleted.Terminal())
	assert.True(t, AttemptFailed.Terminal())

	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
}

func TestNewAttemptHasEmptyCollections(t *testing.T) {
	now := time.Now()
	a := NewAttempt("a1", "doc1", AttemptInput{FileName: "x.pdf"}, now)
	assert.Equal(t, AttemptPending, a.Status)
	assert.NotNil(t, a.ExtractedFields)
	assert.NotNil(t, a.MappedFields)
	assert.NotNil(t, a.ValidationErrors)
	assert.NotNil(t, a.UnmappedFields)
	assert.Equal(t, now, a.CreatedAt)
}

func TestAttemptFail(t *testing.T) {
	a := NewAttempt("a1", "doc1", AttemptInput{}, time.Now())
	a.Fail("no text")
	assert.Equal(t, AttemptFailed, a.Status)
	if assert.NotNil(t, a.ErrorMessage) {
		assert.Equal(t, "no text", *a.ErrorMessage)
	}
}

func TestFieldCount(t *testing.T) {
	a := NewAttempt("a1", "doc1", AttemptInput{}, time.Now())
	a.ExtractedFields = map[string]any{
		"title":   "Aide",
		"regions": []any{},
		"amount":  []float64{5000},
		"agency":  "",
		"rate":    20.0,
		"nothing": nil,
	}
	assert.Equal(t, 3, a.FieldCount())
}

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{InputTokens: 10, OutputTokens: 5, Cost: 0.01}
	u.Add(TokenUsage{InputTokens: 1, OutputTokens: 2, Cost: 0.02})
	assert.Equal(t, 11, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 18, u.Total())
	assert.InDelta(t, 0.03, u.Cost, 1e-9)
}
