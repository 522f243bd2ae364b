package utils

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// StrictPolicy strips every HTML element from user-generated content.
// Subjects and cover letters are sent as text/plain, so markup pasted into
// the form is noise at best and markup injection at worst.
var StrictPolicy = bluemonday.StrictPolicy()

// CleanText sanitizes a free-text form field: tags removed, entities
// unescaped back to their literal characters, surrounding whitespace trimmed.
func CleanText(s string) string {
	cleaned := StrictPolicy.Sanitize(s)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}
