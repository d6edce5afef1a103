package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var strictPolicy = bluemonday.StrictPolicy()

// CleanText prepares free-text input (labels, addresses, descriptions) for storage:
// markup is stripped, the result is NFC normalised and runs of whitespace collapse
// to a single space.
func CleanText(value string) string {
	if value == "" {
		return ""
	}
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))
	return strings.Join(strings.Fields(norm.NFC.String(stripped)), " ")
}

// RuneLen counts characters the way users perceive length limits.
func RuneLen(value string) int {
	return utf8.RuneCountInString(norm.NFC.String(value))
}
