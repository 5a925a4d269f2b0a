package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/resilience"
	"github.com/breakwater-travel/intake-cli/pkg/anthropic"
)

// maxExtractionInput bounds the message text sent per extraction call.
const maxExtractionInput = 6000

const extractionSystemPrompt = `You are a data extraction assistant for a travel insurance intake team.
Extract trip details from customer messages.

Return ONLY a JSON object with these keys:
first_name, last_name, travel_start_date, travel_end_date, trip_cost, destination, travelers, email, phone

Rules:
- Use null for anything the message does not state.
- Dates in YYYY-MM-DD form.
- trip_cost as a plain number without currency symbols or separators.
- travelers as an integer count of people traveling.
- Never invent values.`

const intentSystemPrompt = `You classify inbound emails for a travel insurance intake inbox.
Reply with exactly one word from this list:
inquiry, spam, solicitation, out_of_office, undeliverable, confirmation, personal, other

Label meanings:
- inquiry: a prospective customer asking about travel insurance or a trip
- spam: unsolicited bulk mail
- solicitation: a vendor selling something to us
- out_of_office: an automatic absence reply
- undeliverable: a bounce or delivery status notification
- confirmation: a receipt or automated booking confirmation
- personal: personal mail unrelated to the business
- other: anything else`

// LLMEngine extracts fields and classifies intent with single Anthropic
// completions. The system prompts are cached for an hour, so every call in a
// poll cycle after the first reads the prompt from cache.
type LLMEngine struct {
	client anthropic.Client
	model  string
	retry  resilience.RetryConfig
}

func NewLLMEngine(client anthropic.Client, modelID string) *LLMEngine {
	return &LLMEngine{
		client: client,
		model:  modelID,
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 2 * time.Second,
		},
	}
}

var extractableFields = []string{
	model.FieldFirstName,
	model.FieldLastName,
	model.FieldTravelStartDate,
	model.FieldTravelEndDate,
	model.FieldTripCost,
	model.FieldDestination,
	model.FieldTravelers,
	model.FieldEmail,
	model.FieldPhone,
}

// Fields asks the model for a JSON object of trip fields. API and parse
// failures return errors the caller may treat as transient.
func (e *LLMEngine) Fields(ctx context.Context, text string) (map[string]string, model.ExtractionSource, error) {
	temp := 0.0
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("anthropic", "extract_fields")

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       e.model,
			MaxTokens:   1024,
			System:      anthropic.BuildCachedSystemBlocks(extractionSystemPrompt),
			Messages:    []anthropic.Message{{Role: "user", Content: truncate(text, maxExtractionInput)}},
			Temperature: &temp,
		})
	})
	if err != nil {
		return nil, model.SourceNone, eris.Wrap(err, "extract: llm fields")
	}
	resp.Usage.LogCost(e.model, "extract_fields")

	fields, err := parseFieldsJSON(resp.FirstText())
	if err != nil {
		return nil, model.SourceNone, err
	}
	if len(fields) == 0 {
		return fields, model.SourceNone, nil
	}
	return fields, model.SourceLLM, nil
}

// ClassifyIntent labels one email. Unrecognized completions map to unknown
// so the message stays actionable; API failures also return unknown along
// with the error for the caller to log.
func (e *LLMEngine) ClassifyIntent(ctx context.Context, subject, preview string) (model.Intent, error) {
	temp := 0.0
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("anthropic", "classify_intent")
	input := fmt.Sprintf("Subject: %s\n\nBody:\n%s", subject, truncate(preview, 2000))

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       e.model,
			MaxTokens:   16,
			System:      anthropic.BuildCachedSystemBlocks(intentSystemPrompt),
			Messages:    []anthropic.Message{{Role: "user", Content: input}},
			Temperature: &temp,
		})
	})
	if err != nil {
		return model.IntentUnknown, eris.Wrap(err, "extract: classify intent")
	}
	resp.Usage.LogCost(e.model, "classify_intent")

	intent, ok := parseIntentLabel(resp.FirstText())
	if !ok {
		zap.L().Warn("unrecognized intent label",
			zap.String("completion", truncate(resp.FirstText(), 80)),
		)
		return model.IntentUnknown, nil
	}
	return intent, nil
}

// parseFieldsJSON pulls the JSON object out of a completion, tolerating code
// fences and surrounding prose, and keeps only known non-empty fields.
func parseFieldsJSON(completion string) (map[string]string, error) {
	raw := jsonObject(completion)
	if raw == "" || !gjson.Valid(raw) {
		return nil, eris.Errorf("extract: no JSON object in completion %q", truncate(completion, 120))
	}

	parsed := gjson.Parse(raw)
	fields := make(map[string]string)
	for _, key := range extractableFields {
		v := parsed.Get(key)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		val := strings.TrimSpace(v.String())
		if val == "" || strings.EqualFold(val, "null") || strings.EqualFold(val, "unknown") {
			continue
		}
		if key == model.FieldTripCost {
			val = normalizeMoney(val)
		}
		if val != "" {
			fields[key] = val
		}
	}
	return fields, nil
}

func jsonObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

var intentLabels = map[string]model.Intent{
	"inquiry":       model.IntentInquiry,
	"spam":          model.IntentSpam,
	"solicitation":  model.IntentSolicitation,
	"out_of_office": model.IntentOutOfOffice,
	"undeliverable": model.IntentUndeliverable,
	"confirmation":  model.IntentConfirmation,
	"personal":      model.IntentPersonal,
	"other":         model.IntentOther,
}

func parseIntentLabel(completion string) (model.Intent, bool) {
	label := strings.ToLower(strings.TrimSpace(completion))
	if i := strings.IndexAny(label, " \t\n"); i > 0 {
		label = label[:i]
	}
	label = strings.Trim(label, "\"'`*.:!,")
	intent, ok := intentLabels[label]
	return intent, ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
