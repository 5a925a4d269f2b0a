package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/pkg/anthropic"
)

var (
	_ Engine           = (*PatternEngine)(nil)
	_ Engine           = (*LLMEngine)(nil)
	_ Engine           = (*CombinedEngine)(nil)
	_ anthropic.Client = (*fakeAnthropicClient)(nil)
)

type fakeAnthropicClient struct {
	resp    *anthropic.MessageResponse
	err     error
	calls   int
	lastReq anthropic.MessageRequest
}

func (f *fakeAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_fake",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
	}
}

func newTestCombinedEngine(fake *fakeAnthropicClient) *CombinedEngine {
	return NewCombinedEngine(NewPatternEngine(), NewLLMEngine(fake, "claude-haiku-4-5-20251001"))
}

func TestCombinedEngine_SkipsLLMWhenPatternsComplete(t *testing.T) {
	fake := &fakeAnthropicClient{}
	e := newTestCombinedEngine(fake)

	fields, source, err := e.Fields(context.Background(), sampleInquiry)
	require.NoError(t, err)
	assert.Equal(t, model.SourcePattern, source)
	assert.Equal(t, 0, fake.calls)
	assert.Equal(t, "John", fields[model.FieldFirstName])
	assert.Equal(t, "4850", fields[model.FieldTripCost])
	// 4850 split across 2 travelers.
	assert.Equal(t, "2425", fields[model.FieldCostPerTraveler])
}

func TestCombinedEngine_MergesLLMIntoPatternFields(t *testing.T) {
	fake := &fakeAnthropicClient{
		resp: textResponse(`{"first_name": "Ana", "last_name": "Silva", "trip_cost": "9999", "travelers": 2}`),
	}
	e := newTestCombinedEngine(fake)

	text := "We want coverage for our trip to Lisbon from 05/01/2026 to 05/10/2026, budget $3,000."
	fields, source, err := e.Fields(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, model.SourceCombined, source)
	assert.Equal(t, 1, fake.calls)

	assert.Equal(t, map[string]string{
		model.FieldDestination:     "Lisbon",
		model.FieldTravelStartDate: "2026-05-01",
		model.FieldTravelEndDate:   "2026-05-10",
		model.FieldTripCost:        "3000", // pattern value wins over the LLM's 9999
		model.FieldFirstName:       "Ana",
		model.FieldLastName:        "Silva",
		model.FieldTravelers:       "2",
		model.FieldCostPerTraveler: "1500",
	}, fields)
}

func TestCombinedEngine_LLMOnlyWhenPatternsFindNothing(t *testing.T) {
	fake := &fakeAnthropicClient{
		resp: textResponse(`{"first_name": "Maya", "destination": "Bali"}`),
	}
	e := newTestCombinedEngine(fake)

	fields, source, err := e.Fields(context.Background(), "Please send over a quote for my honeymoon.")
	require.NoError(t, err)
	assert.Equal(t, model.SourceLLM, source)
	assert.Equal(t, "Maya", fields[model.FieldFirstName])
	assert.Equal(t, "Bali", fields[model.FieldDestination])
}

func TestCombinedEngine_LLMFailureKeepsPatternFields(t *testing.T) {
	fake := &fakeAnthropicClient{err: errors.New("api down")}
	e := newTestCombinedEngine(fake)

	fields, source, err := e.Fields(context.Background(), "Reach me at ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.SourcePattern, source)
	assert.Equal(t, map[string]string{model.FieldEmail: "ana@example.com"}, fields)
}

func TestCombinedEngine_LLMFailureWithNoPatternFields(t *testing.T) {
	fake := &fakeAnthropicClient{err: errors.New("api down")}
	e := newTestCombinedEngine(fake)

	_, source, err := e.Fields(context.Background(), "Hello, just following up.")
	require.Error(t, err)
	assert.ErrorContains(t, err, "api down")
	assert.Equal(t, model.SourceNone, source)
}

func TestCombinedEngine_EmptyText(t *testing.T) {
	fake := &fakeAnthropicClient{}
	e := newTestCombinedEngine(fake)

	fields, source, err := e.Fields(context.Background(), "  \n ")
	require.NoError(t, err)
	assert.Empty(t, fields)
	assert.Equal(t, model.SourceNone, source)
	assert.Equal(t, 0, fake.calls)
}

func TestLLMEngine_Fields_ParsesFencedJSON(t *testing.T) {
	fake := &fakeAnthropicClient{
		resp: textResponse("```json\n{\"first_name\": \"Ana\", \"trip_cost\": \"$2,500\", \"last_name\": null, \"travelers\": 2}\n```"),
	}
	e := NewLLMEngine(fake, "claude-haiku-4-5-20251001")

	fields, source, err := e.Fields(context.Background(), "some message")
	require.NoError(t, err)
	assert.Equal(t, model.SourceLLM, source)
	assert.Equal(t, map[string]string{
		model.FieldFirstName: "Ana",
		model.FieldTripCost:  "2500",
		model.FieldTravelers: "2",
	}, fields)
}

func TestLLMEngine_Fields_EmptyObject(t *testing.T) {
	fake := &fakeAnthropicClient{resp: textResponse("{}")}
	e := NewLLMEngine(fake, "claude-haiku-4-5-20251001")

	fields, source, err := e.Fields(context.Background(), "nothing in here")
	require.NoError(t, err)
	assert.Empty(t, fields)
	assert.Equal(t, model.SourceNone, source)
}

func TestLLMEngine_Fields_BadCompletion(t *testing.T) {
	fake := &fakeAnthropicClient{resp: textResponse("Sorry, I cannot help with that.")}
	e := NewLLMEngine(fake, "claude-haiku-4-5-20251001")

	_, _, err := e.Fields(context.Background(), "some message")
	require.Error(t, err)
	assert.ErrorContains(t, err, "no JSON object")
}

func TestLLMEngine_Fields_CachesSystemPrompt(t *testing.T) {
	fake := &fakeAnthropicClient{resp: textResponse("{}")}
	e := NewLLMEngine(fake, "claude-haiku-4-5-20251001")

	_, _, err := e.Fields(context.Background(), "some message")
	require.NoError(t, err)

	require.Len(t, fake.lastReq.System, 1)
	require.NotNil(t, fake.lastReq.System[0].CacheControl)
	assert.Equal(t, "1h", fake.lastReq.System[0].CacheControl.TTL)
	require.NotNil(t, fake.lastReq.Temperature)
	assert.Zero(t, *fake.lastReq.Temperature)
}

func TestLLMEngine_ClassifyIntent(t *testing.T) {
	tests := []struct {
		completion string
		want       model.Intent
	}{
		{"inquiry", model.IntentInquiry},
		{"Spam.", model.IntentSpam},
		{"OUT_OF_OFFICE", model.IntentOutOfOffice},
		{`"confirmation"`, model.IntentConfirmation},
		{"I think this is spam", model.IntentUnknown},
		{"label: nonsense", model.IntentUnknown},
	}

	for _, tt := range tests {
		fake := &fakeAnthropicClient{resp: textResponse(tt.completion)}
		e := NewLLMEngine(fake, "claude-haiku-4-5-20251001")

		intent, err := e.ClassifyIntent(context.Background(), "Subject", "Preview")
		require.NoError(t, err, tt.completion)
		assert.Equal(t, tt.want, intent, tt.completion)
	}
}

func TestLLMEngine_ClassifyIntent_APIError(t *testing.T) {
	fake := &fakeAnthropicClient{err: errors.New("connection refused")}
	e := NewLLMEngine(fake, "claude-haiku-4-5-20251001")

	intent, err := e.ClassifyIntent(context.Background(), "Subject", "Preview")
	require.Error(t, err)
	assert.Equal(t, model.IntentUnknown, intent)
}

func TestDeriveCostPerTraveler(t *testing.T) {
	t.Parallel()

	t.Run("even split", func(t *testing.T) {
		fields := map[string]string{
			model.FieldTripCost:  "4850",
			model.FieldTravelers: "2",
		}
		deriveCostPerTraveler(fields)
		assert.Equal(t, "2425", fields[model.FieldCostPerTraveler])
	})

	t.Run("rounds to cents", func(t *testing.T) {
		fields := map[string]string{
			model.FieldTripCost:  "1000",
			model.FieldTravelers: "3",
		}
		deriveCostPerTraveler(fields)
		assert.Equal(t, "333.33", fields[model.FieldCostPerTraveler])
	})

	t.Run("missing travelers", func(t *testing.T) {
		fields := map[string]string{model.FieldTripCost: "1000"}
		deriveCostPerTraveler(fields)
		assert.NotContains(t, fields, model.FieldCostPerTraveler)
	})

	t.Run("zero travelers", func(t *testing.T) {
		fields := map[string]string{
			model.FieldTripCost:  "1000",
			model.FieldTravelers: "0",
		}
		deriveCostPerTraveler(fields)
		assert.NotContains(t, fields, model.FieldCostPerTraveler)
	})

	t.Run("existing value kept", func(t *testing.T) {
		fields := map[string]string{
			model.FieldTripCost:        "1000",
			model.FieldTravelers:       "2",
			model.FieldCostPerTraveler: "123",
		}
		deriveCostPerTraveler(fields)
		assert.Equal(t, "123", fields[model.FieldCostPerTraveler])
	})
}
