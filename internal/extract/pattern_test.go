package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwater-travel/intake-cli/internal/model"
)

const sampleInquiry = `Hello,

My wife and I are planning a trip to Costa Rica this summer. We depart on
June 15, 2026 and return on June 29, 2026. The total cost is $4,850.00 for
2 travelers.

You can reach me at john.carver@example.com or 555-123-4567.

Mr. John Carver`

func TestPatternEngine_Fields(t *testing.T) {
	t.Parallel()
	e := NewPatternEngine()

	fields, source, err := e.Fields(context.Background(), sampleInquiry)
	require.NoError(t, err)
	assert.Equal(t, model.SourcePattern, source)
	assert.Equal(t, map[string]string{
		model.FieldEmail:           "john.carver@example.com",
		model.FieldPhone:           "555-123-4567",
		model.FieldFirstName:       "John",
		model.FieldLastName:        "Carver",
		model.FieldTravelStartDate: "2026-06-15",
		model.FieldTravelEndDate:   "2026-06-29",
		model.FieldTripCost:        "4850",
		model.FieldDestination:     "Costa Rica",
		model.FieldTravelers:       "2",
	}, fields)
}

func TestPatternEngine_Fields_NothingFound(t *testing.T) {
	t.Parallel()
	e := NewPatternEngine()

	fields, source, err := e.Fields(context.Background(), "Thanks for the quick reply!")
	require.NoError(t, err)
	assert.Empty(t, fields)
	assert.Equal(t, model.SourceNone, source)
}

func TestPatternEngine_ClassifyIntent_AlwaysUnknown(t *testing.T) {
	t.Parallel()
	e := NewPatternEngine()

	intent, err := e.ClassifyIntent(context.Background(), "Trip quote", "Hello")
	require.NoError(t, err)
	assert.Equal(t, model.IntentUnknown, intent)
}

func TestExtractDates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		wantStart string
		wantEnd   string
	}{
		{
			name:      "from until keywords",
			text:      "Our trip runs from 03/10/2026 until 03/17/2026.",
			wantStart: "2026-03-10",
			wantEnd:   "2026-03-17",
		},
		{
			name:      "back keyword with positional start",
			text:      "We fly out June 1, 2026 and come back June 8, 2026.",
			wantStart: "2026-06-01",
			wantEnd:   "2026-06-08",
		},
		{
			name:      "end mentioned before start",
			text:      "Returning 2026-09-20, leaving 2026-09-05.",
			wantStart: "2026-09-05",
			wantEnd:   "2026-09-20",
		},
		{
			name:      "dash range two digit years",
			text:      "06/15/26 - 06/22/26",
			wantStart: "2026-06-15",
			wantEnd:   "2026-06-22",
		},
		{
			name:      "begins and ends",
			text:      "Trip begins 12/26/2026 and ends 01/02/2027.",
			wantStart: "2026-12-26",
			wantEnd:   "2027-01-02",
		},
		{
			name:      "day first when month impossible",
			text:      "Flights on 25/12/2026.",
			wantStart: "2026-12-25",
			wantEnd:   "",
		},
		{
			name:      "abbreviated month with ordinal",
			text:      "Departing Sept. 3rd, 2026.",
			wantStart: "2026-09-03",
			wantEnd:   "",
		},
		{
			name:      "invalid calendar date skipped",
			text:      "We travel 02/30/2026.",
			wantStart: "",
			wantEnd:   "",
		},
		{
			name:      "repeated date does not become the end",
			text:      "June 15, 2026. To confirm: June 15, 2026.",
			wantStart: "2026-06-15",
			wantEnd:   "",
		},
		{
			name:      "no dates",
			text:      "Sometime next spring, not sure yet.",
			wantStart: "",
			wantEnd:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			start, end := extractDates(tt.text)
			assert.Equal(t, tt.wantStart, start, "start")
			assert.Equal(t, tt.wantEnd, end, "end")
		})
	}
}

func TestExtractCost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{"The total cost is $4,850.00 for the trip", "4850"},
		{"Budget: $ 2,500", "2500"},
		{"around $1200.50 per person", "1200.5"},
		{"no dollars mentioned", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractCost(tt.text), tt.text)
	}
}

func TestNormalizeMoney(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"4,850.00", "4850"},
		{"$2,500", "2500"},
		{"€2,000", "2000"},
		{"1200.5", "1200.5"},
		{"about three grand", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeMoney(tt.in), tt.in)
	}
}

func TestExtractNames(t *testing.T) {
	t.Parallel()

	t.Run("two distinct honorifics", func(t *testing.T) {
		first, last, count := extractNames("Mr. John Smith and Mrs. Jane Smith will travel together.")
		assert.Equal(t, "John", first)
		assert.Equal(t, "Smith", last)
		assert.Equal(t, 2, count)
	})

	t.Run("hyphenated surname without dot", func(t *testing.T) {
		first, last, count := extractNames("Dr Emily Stone-Hayes requested a quote.")
		assert.Equal(t, "Emily", first)
		assert.Equal(t, "Stone-Hayes", last)
		assert.Equal(t, 1, count)
	})

	t.Run("repeated name counted once", func(t *testing.T) {
		_, _, count := extractNames("Mr. John Smith called. Mr. John Smith called again.")
		assert.Equal(t, 1, count)
	})

	t.Run("no honorifics", func(t *testing.T) {
		first, last, count := extractNames("please send a quote")
		assert.Equal(t, "", first)
		assert.Equal(t, "", last)
		assert.Equal(t, 0, count)
	})
}

func TestExtractDestination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{"We are planning a trip to Costa Rica this summer", "Costa Rica"},
		{"I'm going to New York, New York", "New York, New York"},
		{"traveling to Paris.", "Paris"},
		{"going to paris", ""},
		{"no trip mentioned here", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractDestination(tt.text), tt.text)
	}
}

func TestExtractTravelers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text      string
		nameCount int
		want      string
	}{
		{"there will be 4 travelers", 0, "4"},
		{"a party of 6", 0, "6"},
		{"2 adults and no children", 0, "2"},
		{"explicit count wins: 3 people", 1, "3"},
		{"", 2, "2"},
		{"", 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractTravelers(tt.text, tt.nameCount), tt.text)
	}
}
