package cache

import (
	"regexp"
	"strings"

	"github.com/polyroute/gateway/internal/providers"
)

// maxCanonicalChars bounds the text sent to the embedding API.
const maxCanonicalChars = 32 * 1024

// CanonicalText renders messages as "role: content" lines. Two requests with
// the same conversation produce byte-identical canonical text, which is what
// gets embedded and compared.
func CanonicalText(msgs []providers.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
		if sb.Len() > maxCanonicalChars {
			break
		}
	}
	s := sb.String()
	if len(s) > maxCanonicalChars {
		s = s[:maxCanonicalChars]
	}
	return s
}

// modelTagRe is the allow-list for model names used as index tag values.
// Anything outside this set is rejected before it reaches the query string.
var modelTagRe = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,128}$`)

// ValidModelTag reports whether model may be used as a tag filter value.
func ValidModelTag(model string) bool {
	return modelTagRe.MatchString(model)
}

// tagSpecials are RediSearch tag-syntax metacharacters. Brackets included:
// an unescaped "[" in a tag value changes the query semantics and lets one
// model's lookups read another model's entries.
const tagSpecials = `,.<>{}[]"':;!@#$%^&*()-+=~ |/`

// EscapeTag backslash-escapes every query metacharacter in a tag value.
// Call only after ValidModelTag; escaping is defense in depth, not a
// substitute for the allow-list.
func EscapeTag(v string) string {
	var sb strings.Builder
	sb.Grow(len(v) * 2)
	for i := 0; i < len(v); i++ {
		if strings.IndexByte(tagSpecials, v[i]) >= 0 {
			sb.WriteByte('\\')
		}
		sb.WriteByte(v[i])
	}
	return sb.String()
}
