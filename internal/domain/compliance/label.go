package compliance

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	uuidPrefix = regexp.MustCompile(`^[0-9a-fA-F]{8}-`)
	longHexRun = regexp.MustCompile(`[0-9a-fA-F]{24,}`)
)

// IsMachineValue reports whether v is an identifier or request artifact
// rather than a human-meaningful label.
func IsMachineValue(v string) bool {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return true
	case isQueryFragment(v):
		return true
	case isIdentifier(v):
		return true
	}
	return false
}

func isQueryFragment(v string) bool {
	return strings.HasPrefix(v, "?") || strings.ContainsAny(v, "?&=")
}

func isIdentifier(v string) bool {
	if _, err := uuid.Parse(v); err == nil {
		return true
	}
	if uuidPrefix.MatchString(v) || longHexRun.MatchString(v) {
		return true
	}
	return strings.IndexFunc(v, func(r rune) bool { return !unicode.IsDigit(r) }) == -1
}

// Label turns a stored value into display text: "VIEW_DETAILED" becomes
// "View Detailed" and "PatientHistory" becomes "Patient History".
func Label(v string) string {
	words := splitWords(v)
	if len(words) == 0 {
		return ""
	}
	// Casers hold state and are not safe to share across goroutines.
	title := cases.Title(language.English)
	for i, w := range words {
		words[i] = title.String(w)
	}
	return strings.Join(words, " ")
}

// splitWords breaks v on separators and camel-case boundaries. A run of
// capitals stays together: "HTTPRequest" gives "HTTP", "Request".
func splitWords(v string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(v)
	for i, r := range runes {
		if r == '_' || r == '-' || r == '.' || r == '/' || unicode.IsSpace(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}
