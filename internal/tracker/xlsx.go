package tracker

import (
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/agrisubsidy/harvest-cli/internal/model"
)

var attemptColumns = []string{
	"attempt_id", "document_id", "created_at", "status", "method", "confidence",
	"local_confidence", "tokens_used", "processing_ms", "cost_usd", "ai_attempted",
	"ai_error", "error", "validation_errors", "unmapped_fields",
}

// WriteXLSX writes attempts as a workbook with an "attempts" sheet holding
// one row per attempt and a "fields" sheet holding one row per extracted
// field.
func WriteXLSX(w io.Writer, attempts []model.ExtractionAttempt) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("attempts")
	if err != nil {
		return eris.Wrap(err, "xlsx: add attempts sheet")
	}
	addStringRow(summary, attemptColumns)
	for _, a := range attempts {
		row := summary.AddRow()
		row.AddCell().SetString(a.ID)
		row.AddCell().SetString(a.DocumentID)
		row.AddCell().SetString(a.CreatedAt.UTC().Format(time.RFC3339))
		row.AddCell().SetString(string(a.Status))
		row.AddCell().SetString(string(a.ExtractionMethod))
		row.AddCell().SetFloat(a.Confidence)
		row.AddCell().SetFloat(a.LocalConfidence)
		if a.TokensUsed != nil {
			row.AddCell().SetInt(*a.TokensUsed)
		} else {
			row.AddCell().SetString("")
		}
		if a.ProcessingTimeMs != nil {
			row.AddCell().SetInt(int(*a.ProcessingTimeMs))
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetFloat(a.CostUSD)
		row.AddCell().SetBool(a.AIAttempted)
		row.AddCell().SetString(a.AIError)
		msg := ""
		if a.ErrorMessage != nil {
			msg = *a.ErrorMessage
		}
		row.AddCell().SetString(msg)
		row.AddCell().SetString(strings.Join(a.ValidationErrors, "\n"))
		row.AddCell().SetString(strings.Join(a.UnmappedFields, "\n"))
	}

	fields, err := f.AddSheet("fields")
	if err != nil {
		return eris.Wrap(err, "xlsx: add fields sheet")
	}
	addStringRow(fields, []string{"attempt_id", "field", "value"})
	for _, a := range attempts {
		names := make([]string, 0, len(a.ExtractedFields))
		for k := range a.ExtractedFields {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			addStringRow(fields, []string{a.ID, k, cellValue(a.ExtractedFields[k])})
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write workbook")
	}
	return nil
}

func addStringRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func cellValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
