package ingest

import (
	"html"
	"regexp"
	"strings"
)

var (
	invisibleRe = regexp.MustCompile(`(?is)<(script|style|head)\b.*?</\s*(script|style|head)\s*>`)
	breakRe     = regexp.MustCompile(`(?i)<(br|/p|/div|/tr|/li|/h[1-6]|/blockquote)[^>]*>`)
	tagRe       = regexp.MustCompile(`<[^>]*>`)
	spaceRe     = regexp.MustCompile(`[ \t\x{00a0}]+`)
	blankRe     = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText reduces an HTML email body to plain text for extraction:
// script/style/head blocks are dropped, block-level closings become line
// breaks, remaining tags are stripped, entities decoded and whitespace
// collapsed. Plain text input passes through untouched.
func HTMLToText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}

	s = invisibleRe.ReplaceAllString(s, " ")
	s = breakRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = spaceRe.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
