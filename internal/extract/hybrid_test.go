package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/resilience"
	"github.com/agrisubsidy/harvest-cli/pkg/anthropic"
)

type mockAI struct {
	mock.Mock
}

func (m *mockAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 200},
	}
}

const (
	confidentText = "Aide aux investissements\nLa subvention couvre 20% sur investissement entre 5 000 € et 30 000 €."
	weakText      = "Aide à la modernisation\nL'aide peut atteindre jusqu'à 10 000 € par exploitation, sous réserve de crédits disponibles. Date limite : 31/12/2025."
)

func newTestExtractor(ai anthropic.Client, opts ...Option) *Extractor {
	base := []Option{
		WithAI(ai, "claude-haiku-4-5-20251001", 1024),
		WithRetry(resilience.Policy{MaxAttempts: 1}),
	}
	return NewExtractor(append(base, opts...)...)
}

func TestExtract_LocalConfidentSkipsAI(t *testing.T) {
	ai := new(mockAI)
	e := newTestExtractor(ai)

	res, err := e.Extract(context.Background(), Input{Text: confidentText})
	require.NoError(t, err)

	ai.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	assert.Equal(t, model.MethodLocal, res.Method)
	assert.False(t, res.AIAttempted)
	assert.Equal(t, []float64{5000, 30000}, res.Fields["amount"])
	assert.Equal(t, 20.0, res.Fields["co_financing_rate"])
	assert.GreaterOrEqual(t, res.Confidence, 60.0)
	assert.Equal(t, []float64{5000, 30000}, res.Mapped["funding_amount"])
	assert.Equal(t, []string{}, res.Fields["regions"])
	assert.Equal(t, []string{}, res.ValidationErrors)
}

func TestExtract_AITimeoutKeepsLocal(t *testing.T) {
	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	e := newTestExtractor(ai, WithAITimeout(20*time.Millisecond))
	res, err := e.Extract(context.Background(), Input{Text: weakText})
	require.NoError(t, err)

	assert.Less(t, res.LocalConfidence, 60.0)
	assert.True(t, res.AIAttempted)
	assert.Contains(t, res.AIError, "timed out")
	assert.Equal(t, model.MethodLocalFallback, res.Method)
	assert.Equal(t, []float64{10000}, res.Fields["amount"])
	assert.Equal(t, "2025-12-31", res.Fields["deadline"])
	ai.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestExtract_HybridMerge(t *testing.T) {
	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(reply("```json\n"+`{
		"amount": [1, 2, 3],
		"co_financing_rate": 40,
		"regions": ["Bretagne"],
		"legal_entities": "GAEC; EARL",
		"programme_code": "73.01"
	}`+"\n```"), nil)

	e := newTestExtractor(ai)
	res, err := e.Extract(context.Background(), Input{Text: weakText, FileName: "fiche.pdf"})
	require.NoError(t, err)

	assert.Equal(t, model.MethodHybrid, res.Method)
	assert.Equal(t, []float64{10000}, res.Fields["amount"], "local amount wins")
	assert.Equal(t, 40.0, res.Fields["co_financing_rate"])
	assert.Equal(t, []string{"Bretagne"}, res.Fields["regions"])
	assert.Equal(t, []string{"GAEC", "EARL"}, res.Fields["legal_entities"])
	assert.Equal(t, []string{"programme_code"}, res.Unmapped)
	assert.Greater(t, res.Confidence, res.LocalConfidence)
	assert.Equal(t, 1200, res.Usage.Total())
	assert.Greater(t, res.Usage.Cost, 0.0)
	assert.Equal(t, "claude-haiku-4-5-20251001", res.Model)
	assert.Empty(t, res.AIError)

	req := ai.Calls[0].Arguments.Get(1).(anthropic.MessageRequest)
	require.Len(t, req.System, 1)
	assert.NotNil(t, req.System[0].CacheControl)
	assert.Contains(t, req.Messages[0].Content, "fiche.pdf")
}

func TestExtract_AmountPresentWithoutEuroFigure(t *testing.T) {
	text := "Aide à la plantation de haies\nLa subvention couvre 20% des dépenses éligibles."

	res, err := NewExtractor().Extract(context.Background(), Input{Text: text})
	require.NoError(t, err)
	assert.Equal(t, []float64{}, res.Fields["amount"])
	assert.NotContains(t, res.Mapped, "funding_amount")

	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`{"amount": "variable selon le projet", "regions": ["Corse"]}`), nil)
	res, err = newTestExtractor(ai).Extract(context.Background(), Input{Text: text})
	require.NoError(t, err)
	assert.Equal(t, model.MethodHybrid, res.Method)
	assert.Equal(t, []float64{}, res.Fields["amount"])
	assert.Empty(t, res.ValidationErrors)
}

func TestExtract_ForceAI(t *testing.T) {
	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`{"title": "Plan Protéines", "amount": "jusqu'à 5 000 €"}`), nil)

	e := newTestExtractor(ai)
	res, err := e.Extract(context.Background(), Input{Text: confidentText, ForceAI: true})
	require.NoError(t, err)

	assert.Equal(t, model.MethodAI, res.Method)
	assert.Equal(t, "Plan Protéines", res.Fields["title"])
	assert.Equal(t, []float64{5000}, res.Fields["amount"])
	assert.NotContains(t, res.Fields, "co_financing_rate")
	assert.GreaterOrEqual(t, res.LocalConfidence, 60.0)
}

func TestExtract_InvalidAIFieldRemoved(t *testing.T) {
	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`{"co_financing_rate": "variable", "regions": ["Corse"]}`), nil)

	e := newTestExtractor(ai)
	res, err := e.Extract(context.Background(), Input{Text: weakText})
	require.NoError(t, err)

	assert.NotContains(t, res.Fields, "co_financing_rate")
	require.Len(t, res.ValidationErrors, 1)
	assert.Contains(t, res.ValidationErrors[0], "co_financing_rate")
	assert.Equal(t, []string{"Corse"}, res.Fields["regions"])
}

func TestExtract_MalformedAIReply(t *testing.T) {
	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(reply("Je ne peux pas répondre."), nil)

	e := newTestExtractor(ai)
	res, err := e.Extract(context.Background(), Input{Text: weakText})
	require.NoError(t, err)
	assert.True(t, res.AIAttempted)
	assert.Contains(t, res.AIError, "no json object")
	assert.Equal(t, model.MethodLocalFallback, res.Method)
}

func TestExtract_BothFail(t *testing.T) {
	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	e := newTestExtractor(ai)
	_, err := e.Extract(context.Background(), Input{Text: "rien"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local pass found nothing")
}

func TestExtract_NoText(t *testing.T) {
	_, err := NewExtractor().Extract(context.Background(), Input{Text: "  \n"})
	assert.ErrorIs(t, err, ErrNoText)
}

func TestExtract_NoAIConfigured(t *testing.T) {
	e := NewExtractor()
	res, err := e.Extract(context.Background(), Input{Text: weakText})
	require.NoError(t, err)
	assert.False(t, res.AIAttempted)
	assert.Equal(t, model.MethodLocal, res.Method)

	_, err = e.Extract(context.Background(), Input{Text: weakText, ForceAI: true})
	assert.ErrorIs(t, err, ErrNoAI)
}

func TestExtract_RetriesTransientStatus(t *testing.T) {
	ai := new(mockAI)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`{"regions": ["Occitanie"]}`), nil).Once()

	e := newTestExtractor(ai, WithRetry(resilience.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	res, err := e.Extract(context.Background(), Input{Text: weakText})
	require.NoError(t, err)
	assert.Equal(t, []string{"Occitanie"}, res.Fields["regions"])
	ai.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestBuildRequestTruncates(t *testing.T) {
	req := BuildRequest(DefaultSchema(), "m", 100, "ééééé", "", 3)
	assert.Contains(t, req.Messages[0].Content, "<document>\nééé\n</document>")
	assert.Contains(t, req.System[0].Text, `"co_financing_rate"`)
	require.NotNil(t, req.Temperature)
}
