// Package inquiry implements customer resolution and the field-merge rules
// that fold newly extracted trip data into an inquiry's accumulated record.
package inquiry

import (
	"strings"

	"github.com/breakwater-travel/intake-cli/internal/model"
)

// MergeFields overlays extracted onto existing and returns the merged map.
// A key is taken from extracted only when its value is non-empty and the
// existing value is absent or empty. Populated fields are never overwritten:
// later messages in a thread supply missing pieces, not corrections, and the
// manual-correction mutation is the only sanctioned override.
func MergeFields(existing, extracted map[string]string) (map[string]string, bool) {
	merged := make(map[string]string, len(existing)+len(extracted))
	for k, v := range existing {
		merged[k] = v
	}

	changed := false
	for k, v := range extracted {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if cur, ok := merged[k]; ok && strings.TrimSpace(cur) != "" {
			continue
		}
		merged[k] = v
		changed = true
	}
	return merged, changed
}

// MissingEssentialFields returns the essential field names with no value in
// data, in the canonical order.
func MissingEssentialFields(data map[string]string) []string {
	var missing []string
	for _, f := range model.EssentialFields() {
		if strings.TrimSpace(data[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// CompletenessStatus derives the validation status from the merged map.
func CompletenessStatus(data map[string]string) model.ValidationStatus {
	if len(MissingEssentialFields(data)) == 0 {
		return model.ValidationComplete
	}
	return model.ValidationIncomplete
}

// InquiryStatusFor maps a validation status to the inquiry status shown on
// the dashboard.
func InquiryStatusFor(v model.ValidationStatus) model.InquiryStatus {
	switch v {
	case model.ValidationComplete:
		return model.InquiryStatusComplete
	case model.ValidationManuallyCorrected:
		return model.InquiryStatusManuallyCorrected
	default:
		return model.InquiryStatusIncomplete
	}
}
