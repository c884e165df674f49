package extract

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/cost"
	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/resilience"
	"github.com/agrisubsidy/harvest-cli/pkg/anthropic"
)

var (
	// ErrNoText is returned when there is nothing to extract from.
	ErrNoText = eris.New("extract: document has no text")
	// ErrNoAI is recorded when escalation is needed but no AI client is set.
	ErrNoAI = eris.New("extract: no ai client configured")
)

// DefaultConfidenceThreshold is the local confidence at which the AI pass
// is skipped.
const DefaultConfidenceThreshold = 60.0

// Input is a document to extract.
type Input struct {
	Text     string
	FileName string
	// ForceAI skips the confidence gate and uses only AI fields. The local
	// pass still runs and is the fallback when AI fails.
	ForceAI bool
}

// Result is the outcome of one extraction.
type Result struct {
	Fields           map[string]any
	Mapped           map[string]any
	Unmapped         []string
	ValidationErrors []string
	Confidence       float64
	LocalConfidence  float64
	Method           model.ExtractionMethod
	AIAttempted      bool
	AIError          string
	Model            string
	Usage            model.TokenUsage
	Duration         time.Duration
}

// Extractor runs the local parser and escalates to AI when the local
// result is not confident enough.
type Extractor struct {
	schema    *Schema
	local     *LocalParser
	mapper    *Mapper
	ai        anthropic.Client
	costs     *cost.Calculator
	retry     resilience.Policy
	modelID   string
	maxTokens int64
	threshold float64
	aiTimeout time.Duration
	maxChars  int
	now       func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithAI sets the AI client and the model it calls.
func WithAI(c anthropic.Client, modelID string, maxTokens int64) Option {
	return func(e *Extractor) {
		e.ai = c
		if modelID != "" {
			e.modelID = modelID
		}
		if maxTokens > 0 {
			e.maxTokens = maxTokens
		}
	}
}

// WithThreshold sets the local confidence needed to skip AI.
func WithThreshold(t float64) Option {
	return func(e *Extractor) {
		if t >= 0 && t <= 100 {
			e.threshold = t
		}
	}
}

// WithAITimeout bounds a single AI extraction, retries included.
func WithAITimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.aiTimeout = d
		}
	}
}

// WithMaxInputChars truncates the text sent to AI.
func WithMaxInputChars(n int) Option {
	return func(e *Extractor) { e.maxChars = n }
}

// WithSchema replaces the field schema.
func WithSchema(s *Schema) Option {
	return func(e *Extractor) {
		if s != nil {
			e.schema = s
		}
	}
}

// WithMapper replaces the field mapper.
func WithMapper(m *Mapper) Option {
	return func(e *Extractor) {
		if m != nil {
			e.mapper = m
		}
	}
}

// WithCalculator sets the cost calculator for AI usage.
func WithCalculator(c *cost.Calculator) Option {
	return func(e *Extractor) {
		if c != nil {
			e.costs = c
		}
	}
}

// WithRetry sets the retry policy for AI calls.
func WithRetry(p resilience.Policy) Option {
	return func(e *Extractor) { e.retry = p }
}

// NewExtractor creates an Extractor. Without WithAI it never escalates.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		schema:    DefaultSchema(),
		local:     NewLocalParser(),
		mapper:    NewMapper(nil),
		costs:     cost.NewCalculator(cost.DefaultRates()),
		retry:     resilience.DefaultPolicy(),
		modelID:   "claude-haiku-4-5-20251001",
		maxTokens: 2048,
		threshold: DefaultConfidenceThreshold,
		aiTimeout: 45 * time.Second,
		maxChars:  60000,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Schema returns the field schema in use.
func (e *Extractor) Schema() *Schema {
	return e.schema
}

// Threshold returns the escalation threshold.
func (e *Extractor) Threshold() float64 {
	return e.threshold
}

// Extract turns text into validated, mapped fields. An AI failure is not
// an error when the local pass found something; it is reported in
// Result.AIError.
func (e *Extractor) Extract(ctx context.Context, in Input) (*Result, error) {
	start := e.now()
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrNoText
	}
	log := zap.L().With(zap.String("file", in.FileName))

	local := e.local.Parse(in.Text)
	res := &Result{LocalConfidence: local.Confidence}
	fields := local.Fields
	res.Method = model.MethodLocal

	switch {
	case !in.ForceAI && local.Confidence >= e.threshold:
		log.Debug("extract: local result accepted", zap.Float64("confidence", local.Confidence))
	case e.ai == nil:
		if in.ForceAI || len(local.Fields) == 0 {
			return nil, ErrNoAI
		}
		log.Debug("extract: no ai client, keeping local result", zap.Float64("confidence", local.Confidence))
	default:
		res.AIAttempted = true
		res.Model = e.modelID
		aiFields, usage, err := e.callAI(ctx, in)
		res.Usage = usage
		if err != nil {
			res.AIError = err.Error()
			log.Warn("extract: ai pass failed, keeping local result",
				zap.Float64("local_confidence", local.Confidence),
				zap.String("error_class", resilience.Classify(err)),
				zap.Error(err),
			)
			if len(local.Fields) == 0 {
				return nil, eris.Wrap(err, "extract: local pass found nothing and ai failed")
			}
			res.Method = model.MethodLocalFallback
			break
		}
		fields, res.Method = merge(local.Fields, aiFields, in.ForceAI)
	}

	normalized, unknown := e.schema.Normalize(fields)
	valid, verrs := e.schema.Validate(normalized)
	mapped, unmapped := e.mapper.Map(valid)

	res.Fields = valid
	res.Mapped = mapped
	res.ValidationErrors = verrs
	res.Unmapped = unionSorted(unknown, unmapped)
	res.Confidence = Score(valid)
	res.Duration = e.now().Sub(start)

	log.Info("extract: done",
		zap.String("method", string(res.Method)),
		zap.Float64("confidence", res.Confidence),
		zap.Float64("local_confidence", res.LocalConfidence),
		zap.Int("validation_errors", len(verrs)),
		zap.Bool("ai_attempted", res.AIAttempted),
	)
	return res, nil
}

// merge fills fields the local pass left empty with AI values. With aiOnly
// the local fields are discarded.
func merge(local, ai map[string]any, aiOnly bool) (map[string]any, model.ExtractionMethod) {
	if aiOnly {
		return ai, model.MethodAI
	}
	out := make(map[string]any, len(local)+len(ai))
	usedLocal := false
	for k, v := range local {
		if !model.IsEmptyValue(v) {
			out[k] = v
			usedLocal = true
		}
	}
	for k, v := range ai {
		if cur, ok := out[k]; !ok || model.IsEmptyValue(cur) {
			out[k] = v
		}
	}
	if !usedLocal {
		return out, model.MethodAI
	}
	return out, model.MethodHybrid
}

func (e *Extractor) callAI(ctx context.Context, in Input) (map[string]any, model.TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.aiTimeout)
	defer cancel()

	req := BuildRequest(e.schema, e.modelID, e.maxTokens, in.Text, in.FileName, e.maxChars)
	policy := e.retry.WithLogging("extract.ai", zap.String("file", in.FileName))
	policy.ShouldRetry = func(err error) bool {
		return resilience.IsTransientHTTPStatus(anthropic.StatusCode(err)) || resilience.IsTransient(err)
	}

	resp, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.ai.CreateMessage(ctx, req)
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, model.TokenUsage{}, eris.Wrapf(err, "extract: ai timed out after %s", e.aiTimeout)
		}
		return nil, model.TokenUsage{}, eris.Wrap(err, "extract: ai call")
	}

	usage := e.costs.Attribute(e.modelID, "extract", cost.Usage{
		Input:      int(resp.Usage.InputTokens),
		Output:     int(resp.Usage.OutputTokens),
		CacheWrite: int(resp.Usage.CacheCreationInputTokens),
		CacheRead:  int(resp.Usage.CacheReadInputTokens),
	})

	fields, err := parseLenientJSON(resp.Text())
	if err != nil {
		return nil, usage, err
	}
	return fields, usage, nil
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := []string{}
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
