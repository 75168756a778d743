package retrieval

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "give": {}, "has": {},
	"have": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "list": {},
	"many": {}, "me": {}, "much": {}, "my": {}, "of": {}, "on": {}, "or": {},
	"our": {}, "show": {}, "that": {}, "the": {}, "their": {}, "there": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "with": {},
}

// Tokenize lowercases text, splits it on anything that is not a letter or
// digit (underscores included, so order_items yields order and item), drops
// stopwords and single characters, and singularizes each term.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, inflection.Singular(f))
	}
	return out
}

// UniqueTerms returns the distinct tokens of text in first-seen order.
func UniqueTerms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range Tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
