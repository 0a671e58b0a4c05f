package linking

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const minConceptLen = 3

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "had": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true, "him": true,
	"his": true, "how": true, "its": true, "may": true, "who": true, "did": true,
	"get": true, "got": true, "let": true, "she": true, "too": true, "use": true,
	"with": true, "that": true, "this": true, "from": true, "they": true, "have": true,
	"been": true, "were": true, "what": true, "when": true, "will": true, "your": true,
	"about": true, "into": true, "than": true, "then": true, "them": true, "there": true,
	"their": true, "these": true, "those": true, "which": true, "would": true, "could": true,
	"should": true, "some": true, "just": true, "also": true, "very": true, "does": true,
	"doing": true, "being": true, "over": true, "such": true, "only": true, "here": true,
	"where": true, "while": true, "because": true, "after": true, "before": true,
}

// ExtractConcepts turns free text into a sorted, de-duplicated set of concept
// identifiers: lower-cased alphanumeric runs of at least three runes that are
// not stopwords.
func ExtractConcepts(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if utf8.RuneCountInString(f) < minConceptLen || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}
