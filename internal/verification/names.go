package verification

import (
	"strings"
	"unicode"
)

// Payer-name similarity. Bank payloads carry names in inconsistent casing
// and accent usage ("JUAN PÉREZ GARCÍA" vs "Juan Perez Garcia"), so both
// sides are normalized before comparison.
//
// The score ladder:
//   1.0  normalized strings are equal
//   0.8  one contains the other
//   else shared tokens (len > 2) / max token count

// diacriticFold maps accented Latin letters onto their base letter. Covers
// the set seen in Mexican bank payloads.
var diacriticFold = map[rune]rune{
	'á': 'a', 'à': 'a', 'ä': 'a', 'â': 'a', 'ã': 'a',
	'é': 'e', 'è': 'e', 'ë': 'e', 'ê': 'e',
	'í': 'i', 'ì': 'i', 'ï': 'i', 'î': 'i',
	'ó': 'o', 'ò': 'o', 'ö': 'o', 'ô': 'o', 'õ': 'o',
	'ú': 'u', 'ù': 'u', 'ü': 'u', 'û': 'u',
	'ñ': 'n', 'ç': 'c',
}

// NormalizeName lower-cases, folds diacritics, and turns every run of
// non-alphanumeric characters (whitespace included) into a single space,
// trimmed at both ends.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true // trims leading whitespace
	for _, r := range strings.ToLower(s) {
		if folded, ok := diacriticFold[r]; ok {
			r = folded
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// NameSimilarity scores two names in [0, 1].
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.8
	}

	tokensA := significantTokens(na)
	tokensB := significantTokens(nb)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	setB := make(map[string]bool, len(tokensB))
	for _, tok := range tokensB {
		setB[tok] = true
	}
	matches := 0
	seen := make(map[string]bool, len(tokensA))
	for _, tok := range tokensA {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if setB[tok] {
			matches++
		}
	}

	denom := len(tokensA)
	if len(tokensB) > denom {
		denom = len(tokensB)
	}
	return float64(matches) / float64(denom)
}

// significantTokens keeps tokens longer than two characters, dropping
// particles like "de", "la", "y".
func significantTokens(normalized string) []string {
	fields := strings.Fields(normalized)
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
