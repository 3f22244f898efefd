package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// PlainText strips markup, collapses whitespace runs and trims the result.
// Entities escaped by the policy are decoded again so "&" stays "&".
func PlainText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	cleaned := html.UnescapeString(plainTextPolicy.Sanitize(raw))
	return strings.Join(strings.Fields(cleaned), " ")
}

// PlainTextPtr applies PlainText to an optional value, returning nil when nothing remains.
func PlainTextPtr(raw *string) *string {
	if raw == nil {
		return nil
	}
	cleaned := PlainText(*raw)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

// ExceedsRunes reports whether value holds more than limit characters.
func ExceedsRunes(value string, limit int) bool {
	return limit > 0 && utf8.RuneCountInString(value) > limit
}
