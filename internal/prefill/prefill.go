// Package prefill applies mapped extraction fields to a user's profile
// form. It knows field names only, never the profile's storage.
package prefill

import (
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/model"
)

// ApplyToMap copies mapped values into form and returns the sorted names
// of the form fields it changed. Without overwrite, fields that already
// hold a value are left alone. Empty mapped values are never applied.
func ApplyToMap(mapped, form map[string]any, overwrite bool) []string {
	applied := []string{}
	for k, v := range mapped {
		if model.IsEmptyValue(v) {
			continue
		}
		if cur, ok := form[k]; ok && !model.IsEmptyValue(cur) {
			if !overwrite || reflect.DeepEqual(cur, v) {
				continue
			}
		}
		form[k] = v
		applied = append(applied, k)
	}
	sort.Strings(applied)
	return applied
}

// ApplyToStruct decodes mapped values into target, a pointer to a profile
// struct whose json tags name the form fields. Numbers given as strings
// and single values given for slices are converted. Unknown keys are
// returned sorted.
func ApplyToStruct(mapped map[string]any, target any) ([]string, error) {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           target,
	})
	if err != nil {
		return nil, eris.Wrap(err, "prefill: create decoder")
	}

	input := make(map[string]any, len(mapped))
	for k, v := range mapped {
		if !model.IsEmptyValue(v) {
			input[k] = v
		}
	}
	if err := dec.Decode(input); err != nil {
		return nil, eris.Wrap(err, "prefill: decode into profile")
	}
	unused := append([]string{}, md.Unused...)
	sort.Strings(unused)
	return unused, nil
}
