// ABOUTME: Text normalization helpers for the confidence scorer.
// ABOUTME: Tokenization, phrase containment, and term matching are all case-insensitive.

package scoring

import (
	"strings"
	"unicode"
)

// tokenize lowercases s and splits it into maximal runs of letters and digits.
// Punctuation and symbols act as separators, so "2+3" yields ["2", "3"] and
// "currency_exchange" yields ["currency", "exchange"].
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenSet returns the unique tokens of s.
func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenize(s) {
		set[tok] = struct{}{}
	}
	return set
}

// normalizePhrase lowers a declared name and treats underscores and hyphens as
// word separators, collapsing runs of whitespace.
func normalizePhrase(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// isWordTerm reports whether term is a single plain word (letters/digits only).
// Multi-word phrases and symbolic terms like "+" are matched by containment
// instead of whole-word lookup.
func isWordTerm(term string) bool {
	if term == "" {
		return false
	}
	for _, r := range term {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Both arguments must already be lowercase.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(phrase)
		if boundaryBefore(text, idx) && boundaryAfter(text, end) {
			return true
		}
		start = idx + 1
	}
}

func boundaryBefore(text string, idx int) bool {
	if idx == 0 {
		return true
	}
	return !isWordByte(text[idx-1])
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	return !isWordByte(text[end])
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// termMatches reports whether a declared term (tag or keyword) occurs in the
// query. Plain words must match whole tokens; phrases and symbolic terms match
// by containment, with word boundaries when the term starts or ends with a word
// character.
func termMatches(term string, queryLower string, queryTokens map[string]struct{}) bool {
	if term == "" {
		return false
	}
	if isWordTerm(term) {
		_, ok := queryTokens[term]
		return ok
	}
	if isWordByte(term[0]) || isWordByte(term[len(term)-1]) {
		return containsPhrase(queryLower, term)
	}
	return strings.Contains(queryLower, term)
}
