package extract

import (
	"sort"

	"github.com/agrisubsidy/harvest-cli/internal/model"
)

// DefaultFieldMapping maps extracted fields onto profile form fields.
var DefaultFieldMapping = map[string]string{
	"title":                "subsidy_title",
	"agency":               "funding_agency",
	"description":          "subsidy_description",
	"amount":               "funding_amount",
	"co_financing_rate":    "cofinancing_rate",
	"deadline":             "application_deadline",
	"regions":              "region",
	"sectors":              "activities",
	"legal_entities":       "legal_status",
	"documents":            "required_documents",
	"eligibility_criteria": "eligibility",
	"application_url":      "application_url",
}

// Mapper renames extracted fields to the names a profile form uses.
type Mapper struct {
	mapping map[string]string
}

// NewMapper creates a Mapper. An empty mapping uses DefaultFieldMapping;
// entries in mapping override the defaults and an empty target removes one.
func NewMapper(mapping map[string]string) *Mapper {
	m := make(map[string]string, len(DefaultFieldMapping)+len(mapping))
	for k, v := range DefaultFieldMapping {
		m[k] = v
	}
	for k, v := range mapping {
		if v == "" {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	return &Mapper{mapping: m}
}

// Map returns the mapped fields and the sorted names of fields that have no
// target. Empty values are not mapped.
func (m *Mapper) Map(fields map[string]any) (map[string]any, []string) {
	mapped := make(map[string]any, len(fields))
	unmapped := []string{}
	for k, v := range fields {
		target, ok := m.mapping[k]
		if !ok {
			unmapped = append(unmapped, k)
			continue
		}
		if model.IsEmptyValue(v) {
			continue
		}
		mapped[target] = v
	}
	sort.Strings(unmapped)
	return mapped, unmapped
}

// Target returns the form field name for an extracted field.
func (m *Mapper) Target(field string) (string, bool) {
	t, ok := m.mapping[field]
	return t, ok
}
