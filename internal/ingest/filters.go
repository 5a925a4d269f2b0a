package ingest

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FilterRules holds the negative sender/subject rules applied to a mailbox
// listing before a message is considered for ingestion.
type FilterRules struct {
	Senders  []string `yaml:"senders"`
	Subjects []string `yaml:"subjects"`
}

// DefaultFilterRules returns the production deny lists: automated senders
// and notification subjects that are never customer inquiries.
func DefaultFilterRules() FilterRules {
	return FilterRules{
		Senders: []string{
			"no-reply@",
			"noreply@",
			"support@",
			"mailer-daemon@",
			"postmaster@",
			"bounce@",
			"info@",
			"newsletter@",
			"updates@",
		},
		Subjects: []string{
			"undeliverable:",
			"delivery status notification",
			"out of office",
			"automatic reply",
			"newsletter",
			"update",
			"promotion",
		},
	}
}

// LoadFilterRules reads rules from a YAML file. The file replaces the
// defaults entirely rather than extending them.
func LoadFilterRules(path string) (FilterRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FilterRules{}, eris.Wrapf(err, "ingest: read filter rules %s", path)
	}
	var rules FilterRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return FilterRules{}, eris.Wrapf(err, "ingest: parse filter rules %s", path)
	}
	return rules, nil
}

// Match reports whether the message hits a deny rule, and which one, for
// the poll log. Matching is case-insensitive substring.
func (r FilterRules) Match(sender, subject string) (string, bool) {
	sender = strings.ToLower(sender)
	subject = strings.ToLower(subject)

	for _, rule := range r.Senders {
		if rule != "" && strings.Contains(sender, strings.ToLower(rule)) {
			return fmt.Sprintf("sender matches %q", rule), true
		}
	}
	for _, rule := range r.Subjects {
		if rule != "" && strings.Contains(subject, strings.ToLower(rule)) {
			return fmt.Sprintf("subject matches %q", rule), true
		}
	}
	return "", false
}
