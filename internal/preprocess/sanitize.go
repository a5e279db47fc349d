package preprocess

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// Patterns stripped from inbound text before it reaches any downstream
// stage. Inbound text is conversational; none of these have a legitimate
// use in a chat message.
var (
	scriptRegex = regexp.MustCompile(`(?is)<script.*?(?:</script>|$)`)
	markupRegex = regexp.MustCompile(`(?s)<[^>]*>`)
	sqlRegex    = regexp.MustCompile(`(?i)\b(?:drop\s+table|delete\s+from|insert\s+into|update\s+\w+\s+set|union\s+select|select\s+.{0,40}\s+from)\b`)
	spaceRegex  = regexp.MustCompile(`\s+`)
)

// Sanitize strips script/markup/SQL patterns, drops control characters,
// repairs invalid UTF-8 and truncates to the maximum inbound length. It
// never fails: the result is always a safe string, possibly empty.
func Sanitize(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	text = scriptRegex.ReplaceAllString(text, " ")
	text = markupRegex.ReplaceAllString(text, " ")
	text = sqlRegex.ReplaceAllString(text, " ")

	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)

	text = strings.TrimSpace(spaceRegex.ReplaceAllString(text, " "))

	if len(text) > models.MaxInboundTextLength {
		cut := models.MaxInboundTextLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
