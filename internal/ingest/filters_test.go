package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterRules_MatchSenders(t *testing.T) {
	rules := DefaultFilterRules()

	tests := []struct {
		sender string
		hit    bool
	}{
		{"no-reply@airline.example", true},
		{"NOREPLY@bank.example", true},
		{"mailer-daemon@mx.example", true},
		{"jane@example.com", false},
		{"newsletter@shop.example", true},
	}
	for _, tt := range tests {
		_, hit := rules.Match(tt.sender, "any subject")
		assert.Equal(t, tt.hit, hit, tt.sender)
	}
}

func TestFilterRules_MatchSubjects(t *testing.T) {
	rules := DefaultFilterRules()

	tests := []struct {
		subject string
		hit     bool
	}{
		{"Undeliverable: trip quote", true},
		{"OUT OF OFFICE: back Monday", true},
		{"Automatic reply: vacation", true},
		{"Trip insurance quote", false},
		{"Delivery Status Notification (Failure)", true},
	}
	for _, tt := range tests {
		reason, hit := rules.Match("jane@example.com", tt.subject)
		assert.Equal(t, tt.hit, hit, tt.subject)
		if hit {
			assert.NotEmpty(t, reason)
		}
	}
}

func TestLoadFilterRules_ReplacesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("senders:\n  - blocked@\nsubjects:\n  - banned subject\n"), 0o600))

	rules, err := LoadFilterRules(path)
	require.NoError(t, err)

	_, hit := rules.Match("blocked@example.com", "hello")
	assert.True(t, hit)
	_, hit = rules.Match("no-reply@example.com", "hello")
	assert.False(t, hit, "file rules replace the defaults, not extend them")
}

func TestLoadFilterRules_MissingFile(t *testing.T) {
	_, err := LoadFilterRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Hello there", "Hello there"},
		{"tags stripped", "<p>Hello <b>Jane</b></p>", "Hello Jane"},
		{"entities decoded", "<p>Cost: &pound;500 &amp; fees</p>", "Cost: £500 & fees"},
		{"scripts dropped", "<script>alert(1)</script>Trip details", "Trip details"},
		{"breaks become newlines", "<p>Line one</p><p>Line two</p>", "Line one\nLine two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}
