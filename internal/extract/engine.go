// Package extract turns free-form message text into the structured trip
// fields the intake pipeline stores. The default engine runs two passes:
// cheap compiled patterns first, then an LLM call for whatever essential
// fields the patterns missed.
package extract

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/inquiry"
	"github.com/breakwater-travel/intake-cli/internal/model"
)

// Engine produces trip fields and intent labels from message text.
type Engine interface {
	// Fields extracts a partial field map from text along with the label of
	// the path that produced it. An empty map with source none is the normal
	// result for messages that carry no trip data.
	Fields(ctx context.Context, text string) (map[string]string, model.ExtractionSource, error)
	// ClassifyIntent labels an email by subject and body preview.
	ClassifyIntent(ctx context.Context, subject, preview string) (model.Intent, error)
}

// CombinedEngine is the default Engine: pattern extraction first, the LLM
// only when essential fields are still missing, pattern values winning on
// overlap. An LLM failure degrades to the pattern result instead of failing
// the task; the error surfaces only when patterns found nothing either.
type CombinedEngine struct {
	pattern *PatternEngine
	llm     *LLMEngine
}

func NewCombinedEngine(pattern *PatternEngine, llm *LLMEngine) *CombinedEngine {
	return &CombinedEngine{pattern: pattern, llm: llm}
}

func (e *CombinedEngine) Fields(ctx context.Context, text string) (map[string]string, model.ExtractionSource, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]string{}, model.SourceNone, nil
	}

	patternFields, _, _ := e.pattern.Fields(ctx, text)
	if len(inquiry.MissingEssentialFields(patternFields)) == 0 {
		deriveCostPerTraveler(patternFields)
		return patternFields, model.SourcePattern, nil
	}

	llmFields, _, err := e.llm.Fields(ctx, text)
	if err != nil {
		if len(patternFields) == 0 {
			return nil, model.SourceNone, eris.Wrap(err, "extract: combined")
		}
		zap.L().Warn("llm extraction failed, keeping pattern results",
			zap.Int("pattern_fields", len(patternFields)),
			zap.Error(err),
		)
		deriveCostPerTraveler(patternFields)
		return patternFields, model.SourcePattern, nil
	}

	merged, llmAdded := inquiry.MergeFields(patternFields, llmFields)
	deriveCostPerTraveler(merged)

	source := model.SourcePattern
	switch {
	case len(merged) == 0:
		source = model.SourceNone
	case len(patternFields) == 0:
		source = model.SourceLLM
	case llmAdded:
		source = model.SourceCombined
	}
	return merged, source, nil
}

func (e *CombinedEngine) ClassifyIntent(ctx context.Context, subject, preview string) (model.Intent, error) {
	return e.llm.ClassifyIntent(ctx, subject, preview)
}

// deriveCostPerTraveler fills cost_per_traveler when the trip cost and a
// positive traveler count are both known. Existing values are kept.
func deriveCostPerTraveler(fields map[string]string) {
	if fields[model.FieldCostPerTraveler] != "" {
		return
	}
	cost, err := strconv.ParseFloat(normalizeMoney(fields[model.FieldTripCost]), 64)
	if err != nil {
		return
	}
	travelers, err := strconv.Atoi(strings.TrimSpace(fields[model.FieldTravelers]))
	if err != nil || travelers <= 0 {
		return
	}
	per := math.Round(cost/float64(travelers)*100) / 100
	fields[model.FieldCostPerTraveler] = strconv.FormatFloat(per, 'f', -1, 64)
}
