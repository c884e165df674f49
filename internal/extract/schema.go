package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
)

// Kind is the value shape of a schema field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	// KindRange is an amount given as [value] or [min, max].
	KindRange
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindRange:
		return "number range"
	case KindStringList:
		return "string list"
	default:
		return "unknown"
	}
}

// Field describes one extractable field.
type Field struct {
	Name        string
	Kind        Kind
	Required    bool
	Description string
}

// Schema is the set of fields extraction produces.
type Schema struct {
	fields   []Field
	byName   map[string]Field
	jsonText string
	compiled *gojsonschema.Schema
}

// DefaultFields are the fields of a subsidy record.
var DefaultFields = []Field{
	{Name: "title", Kind: KindString, Required: true, Description: "official name of the aid scheme"},
	{Name: "agency", Kind: KindString, Description: "body that grants the aid"},
	{Name: "description", Kind: KindString, Description: "one-paragraph summary"},
	{Name: "amount", Kind: KindRange, Required: true, Description: "aid amount in euros: [max] or [min, max]"},
	{Name: "co_financing_rate", Kind: KindNumber, Required: true, Description: "share of eligible costs covered, in percent (0-100)"},
	{Name: "deadline", Kind: KindString, Required: true, Description: "application deadline as YYYY-MM-DD"},
	{Name: "regions", Kind: KindStringList, Required: true, Description: "French regions where the aid applies"},
	{Name: "sectors", Kind: KindStringList, Description: "agricultural sectors targeted"},
	{Name: "legal_entities", Kind: KindStringList, Required: true, Description: "eligible legal forms (EARL, GAEC, ...)"},
	{Name: "documents", Kind: KindStringList, Description: "supporting documents to provide"},
	{Name: "eligibility_criteria", Kind: KindStringList, Description: "eligibility conditions"},
	{Name: "application_url", Kind: KindString, Description: "where to apply"},
}

// DefaultSchema returns the subsidy schema.
func DefaultSchema() *Schema {
	s, err := NewSchema(DefaultFields)
	if err != nil {
		panic(err)
	}
	return s
}

// NewSchema compiles fields into a JSON Schema.
func NewSchema(fields []Field) (*Schema, error) {
	props := make(map[string]any, len(fields))
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		if _, dup := byName[f.Name]; dup {
			return nil, eris.Errorf("extract: duplicate schema field %q", f.Name)
		}
		byName[f.Name] = f
		props[f.Name] = jsonSchemaFor(f)
	}
	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": true,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "extract: marshal schema")
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "extract: compile schema")
	}
	return &Schema{
		fields:   append([]Field(nil), fields...),
		byName:   byName,
		jsonText: string(raw),
		compiled: compiled,
	}, nil
}

func jsonSchemaFor(f Field) map[string]any {
	var s map[string]any
	switch f.Kind {
	case KindNumber:
		s = map[string]any{"type": "number"}
	case KindRange:
		s = map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "number", "minimum": 0},
			"minItems": 0,
			"maxItems": 2,
		}
	case KindStringList:
		s = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	default:
		s = map[string]any{"type": "string"}
	}
	if f.Description != "" {
		s["description"] = f.Description
	}
	return s
}

// Fields returns the schema fields in declaration order.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Names returns every field name in declaration order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// Required returns the names of required fields.
func (s *Schema) Required() []string {
	var out []string
	for _, f := range s.fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// JSON returns the JSON Schema text.
func (s *Schema) JSON() string {
	return s.jsonText
}

// Normalize coerces values into their schema shape: amounts become one or
// two numbers, list fields become string arrays, numbers given as text are
// parsed and dates are rewritten as YYYY-MM-DD. Every list and amount field
// is present afterwards, empty when unknown; an amount that cannot be read
// as numbers becomes empty too. Keys outside the schema are moved out and
// returned sorted. Other values that cannot be coerced are left as they are
// for validation to reject.
func (s *Schema) Normalize(in map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(s.fields))
	var unknown []string
	for k, v := range in {
		f, ok := s.byName[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		if v == nil {
			continue
		}
		out[k] = normalizeValue(f, v)
	}
	for _, f := range s.fields {
		if _, ok := out[f.Name]; ok {
			continue
		}
		switch f.Kind {
		case KindStringList:
			out[f.Name] = []string{}
		case KindRange:
			out[f.Name] = []float64{}
		}
	}
	sort.Strings(unknown)
	return out, unknown
}

func normalizeValue(f Field, v any) any {
	switch f.Kind {
	case KindRange:
		nums, ok := toRange(v)
		if !ok || slices.ContainsFunc(nums, func(n float64) bool { return n < 0 }) {
			return []float64{}
		}
		return nums
	case KindNumber:
		if n, ok := toNumber(v); ok {
			return n
		}
	case KindStringList:
		return toStringList(v)
	case KindString:
		switch t := v.(type) {
		case string:
			if f.Name == "deadline" {
				return NormalizeDate(t)
			}
			return strings.TrimSpace(t)
		case float64, int, int64:
			return fmt.Sprint(t)
		}
	}
	return v
}

var reNumberToken = regexp.MustCompile(`\d[\d \x{00a0}\x{202f}.,]*`)

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		m := reNumberToken.FindStringIndex(t)
		if m == nil {
			return 0, false
		}
		n, ok := parseFrenchNumber(strings.TrimRight(t[m[0]:m[1]], " .,"))
		if !ok {
			return 0, false
		}
		return applyMultiplier(n, t[m[1]:]), true
	}
	return 0, false
}

// toRange turns an amount into one or two numbers. More than two values
// collapse to their minimum and maximum.
func toRange(v any) ([]float64, bool) {
	var nums []float64
	switch t := v.(type) {
	case []float64:
		nums = append(nums, t...)
	case []any:
		for _, item := range t {
			n, ok := toNumber(item)
			if !ok {
				return nil, false
			}
			nums = append(nums, n)
		}
	case string:
		for _, m := range reNumberToken.FindAllStringIndex(t, -1) {
			n, ok := parseFrenchNumber(strings.TrimRight(t[m[0]:m[1]], " .,"))
			if ok {
				nums = append(nums, applyMultiplier(n, t[m[1]:]))
			}
		}
	case map[string]any:
		lo, okLo := toNumber(t["min"])
		hi, okHi := toNumber(t["max"])
		switch {
		case okLo && okHi:
			nums = []float64{lo, hi}
		case okHi:
			nums = []float64{hi}
		case okLo:
			nums = []float64{lo}
		}
	default:
		n, ok := toNumber(v)
		if !ok {
			return nil, false
		}
		nums = []float64{n}
	}
	switch len(nums) {
	case 0:
		return nil, false
	case 1, 2:
		return nums, true
	default:
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, n := range nums {
			lo = math.Min(lo, n)
			hi = math.Max(hi, n)
		}
		return []float64{lo, hi}, true
	}
}

func toStringList(v any) []string {
	out := []string{}
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch t := v.(type) {
	case []string:
		for _, s := range t {
			add(s)
		}
	case []any:
		for _, item := range t {
			switch it := item.(type) {
			case nil:
			case string:
				add(it)
			default:
				add(fmt.Sprint(it))
			}
		}
	case string:
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ';' || r == '\n' }) {
			add(part)
		}
	default:
		add(fmt.Sprint(t))
	}
	return out
}

// Validate checks fields against the schema. Fields that fail are removed
// from the returned map and described in the returned messages.
func (s *Schema) Validate(fields map[string]any) (map[string]any, []string) {
	res, err := s.compiled.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return map[string]any{}, []string{"document: " + err.Error()}
	}
	valid := make(map[string]any, len(fields))
	for k, v := range fields {
		valid[k] = v
	}
	if res.Valid() {
		return valid, []string{}
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, desc := range res.Errors() {
		field := desc.Field()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[:i]
		}
		delete(valid, field)
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, desc.Description()))
	}
	sort.Strings(msgs)
	return valid, msgs
}

// TypeMatches reports whether v has the JSON shape of the named field.
// Unknown fields never match.
func (s *Schema) TypeMatches(name string, v any) bool {
	f, ok := s.byName[name]
	if !ok {
		return false
	}
	switch f.Kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case KindRange:
		nums, ok := NumericSlice(v)
		return ok && len(nums) <= 2
	case KindStringList:
		switch t := v.(type) {
		case []string:
			return true
		case []any:
			for _, item := range t {
				if _, ok := item.(string); !ok {
					return false
				}
			}
			return true
		}
	}
	return false
}

// NumericSlice reads []float64 or a JSON-decoded []any of numbers.
func NumericSlice(v any) ([]float64, bool) {
	switch t := v.(type) {
	case []float64:
		return t, true
	case []any:
		out := make([]float64, 0, len(t))
		for _, item := range t {
			n, ok := item.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	}
	return nil, false
}
