// Package quality scores an extraction attempt and decides whether it can
// be approved automatically or needs a human review.
package quality

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/agrisubsidy/harvest-cli/internal/extract"
	"github.com/agrisubsidy/harvest-cli/internal/model"
)

// IssueType is the severity of an issue. Any error blocks approval.
type IssueType string

const (
	IssueError   IssueType = "error"
	IssueWarning IssueType = "warning"
	IssueInfo    IssueType = "info"
)

// Issue is one finding about an attempt.
type Issue struct {
	Type        IssueType `json:"type"`
	Field       string    `json:"field,omitempty"`
	Message     string    `json:"message"`
	AutoFixable bool      `json:"auto_fixable"`
}

// Verdict is the outcome of the quality gate.
type Verdict string

const (
	VerdictApprove      Verdict = "approve"
	VerdictManualReview Verdict = "manual_review"
)

// DefaultApproveThreshold is the overall score needed for approval.
const DefaultApproveThreshold = 70.0

// Config tunes the gate.
type Config struct {
	ApproveThreshold    float64
	ConfidenceThreshold float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ApproveThreshold:    DefaultApproveThreshold,
		ConfidenceThreshold: extract.DefaultConfidenceThreshold,
	}
}

// Assessment is the derived quality of an attempt. It is never stored.
type Assessment struct {
	Completeness        float64 `json:"completeness"`
	StructuralIntegrity float64 `json:"structural_integrity"`
	DocumentCoverage    float64 `json:"document_coverage"`
	FieldAccuracy       float64 `json:"field_accuracy"`
	Overall             float64 `json:"overall"`
	Issues              []Issue `json:"issues"`
	Verdict             Verdict `json:"verdict"`
}

// HasErrors reports whether any issue is an error.
func (q Assessment) HasErrors() bool {
	for _, i := range q.Issues {
		if i.Type == IssueError {
			return true
		}
	}
	return false
}

// Count returns the number of issues of type t.
func (q Assessment) Count(t IssueType) int {
	n := 0
	for _, i := range q.Issues {
		if i.Type == t {
			n++
		}
	}
	return n
}

// Action is a follow-up the caller should take.
type Action struct {
	Type    string   `json:"type"`
	Reason  string   `json:"reason"`
	Details []string `json:"details,omitempty"`
}

// ReviewActions returns a manual-review action when the verdict requires
// one, otherwise nothing.
func (q Assessment) ReviewActions() []Action {
	if q.Verdict != VerdictManualReview {
		return nil
	}
	reason := fmt.Sprintf("overall quality %.0f", q.Overall)
	if q.HasErrors() {
		reason = fmt.Sprintf("%d blocking issue(s)", q.Count(IssueError))
	}
	var details []string
	for _, i := range q.Issues {
		if i.Type != IssueInfo {
			details = append(details, fmt.Sprintf("[%s] %s", i.Type, i.Message))
		}
	}
	return []Action{{Type: "manual_review", Reason: reason, Details: details}}
}

// Assess scores an attempt against schema.
func Assess(a *model.ExtractionAttempt, schema *extract.Schema, cfg Config) Assessment {
	if cfg.ApproveThreshold == 0 {
		cfg.ApproveThreshold = DefaultApproveThreshold
	}
	fields := a.ExtractedFields
	var issues []Issue

	present := presentFields(fields, schema)
	if len(present) == 0 {
		issues = append(issues, Issue{Type: IssueError, Message: "no fields were extracted"})
	}

	q := Assessment{
		Completeness:     completeness(fields, schema, &issues),
		DocumentCoverage: pct(len(present), len(schema.Fields())),
	}
	q.StructuralIntegrity = integrity(fields, present, schema, &issues)
	q.FieldAccuracy = accuracy(fields, present, &issues)

	for _, msg := range a.ValidationErrors {
		issues = append(issues, Issue{Type: IssueError, Field: fieldOf(msg), Message: "validation: " + msg})
	}
	if a.Confidence < cfg.ConfidenceThreshold {
		issues = append(issues, Issue{
			Type:    IssueWarning,
			Message: fmt.Sprintf("confidence %.0f is below %.0f", a.Confidence, cfg.ConfidenceThreshold),
		})
	}
	if a.AIAttempted && a.AIError != "" {
		issues = append(issues, Issue{Type: IssueWarning, Message: "AI enhancement attempted and failed: " + a.AIError})
	}
	for _, f := range a.UnmappedFields {
		issues = append(issues, Issue{Type: IssueInfo, Field: f, Message: fmt.Sprintf("%s has no profile mapping", f)})
	}

	q.Overall = round1((q.Completeness + q.StructuralIntegrity + q.DocumentCoverage + q.FieldAccuracy) / 4)
	q.Issues = issues
	if q.Issues == nil {
		q.Issues = []Issue{}
	}
	q.Verdict = VerdictManualReview
	if !q.HasErrors() && q.Overall >= cfg.ApproveThreshold {
		q.Verdict = VerdictApprove
	}
	return q
}

func presentFields(fields map[string]any, schema *extract.Schema) []string {
	var out []string
	for name, v := range fields {
		if _, ok := schema.Field(name); ok && !model.IsEmptyValue(v) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func completeness(fields map[string]any, schema *extract.Schema, issues *[]Issue) float64 {
	required := schema.Required()
	have := 0
	for _, name := range required {
		if v, ok := fields[name]; ok && !model.IsEmptyValue(v) {
			have++
			continue
		}
		*issues = append(*issues, Issue{Type: IssueWarning, Field: name, Message: fmt.Sprintf("required field %s is missing", name)})
	}
	return pct(have, len(required))
}

func integrity(fields map[string]any, present []string, schema *extract.Schema, issues *[]Issue) float64 {
	if len(present) == 0 {
		return 0
	}
	ok := 0
	for _, name := range present {
		if schema.TypeMatches(name, fields[name]) {
			ok++
			continue
		}
		f, _ := schema.Field(name)
		*issues = append(*issues, Issue{
			Type:    IssueError,
			Field:   name,
			Message: fmt.Sprintf("%s should be a %s, got %T", name, f.Kind, fields[name]),
		})
	}
	return pct(ok, len(present))
}

// accuracy applies plausibility checks to the fields that have one.
func accuracy(fields map[string]any, present []string, issues *[]Issue) float64 {
	if len(present) == 0 {
		return 0
	}
	checks, passed := 0, 0
	fail := func(field, msg string, fixable bool) {
		*issues = append(*issues, Issue{Type: IssueWarning, Field: field, Message: msg, AutoFixable: fixable})
	}

	if v, ok := number(fields["co_financing_rate"]); ok {
		checks++
		switch {
		case v < 0 || v > 100:
			fail("co_financing_rate", fmt.Sprintf("co-financing rate %.2f is outside 0-100", v), false)
		case v > 0 && v <= 1:
			fail("co_financing_rate", fmt.Sprintf("co-financing rate %.2f looks like a fraction", v), true)
		default:
			passed++
		}
	}

	if nums, ok := extract.NumericSlice(fields["amount"]); ok && len(nums) > 0 {
		checks++
		switch {
		case nums[0] <= 0 || nums[len(nums)-1] <= 0:
			fail("amount", "amount must be positive", false)
		case len(nums) == 2 && nums[0] > nums[1]:
			fail("amount", fmt.Sprintf("amount minimum %.0f exceeds maximum %.0f", nums[0], nums[1]), true)
		default:
			passed++
		}
	}

	if s, ok := fields["deadline"].(string); ok && s != "" {
		checks++
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			fail("deadline", fmt.Sprintf("deadline %q is not a date", s), false)
		} else {
			passed++
		}
	}

	if s, ok := fields["application_url"].(string); ok && s != "" {
		checks++
		if u, err := url.Parse(s); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			fail("application_url", fmt.Sprintf("application url %q is not an absolute http(s) url", s), false)
		} else {
			passed++
		}
	}

	if checks == 0 {
		return 100
	}
	return pct(passed, checks)
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// fieldOf returns the field name of a "field: message" validation error.
func fieldOf(msg string) string {
	field, _, ok := strings.Cut(msg, ":")
	if !ok {
		return ""
	}
	return field
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(n) * 100 / float64(total))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
