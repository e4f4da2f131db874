package gloss

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

// Normalize folds a spoken word to its lexicon key: accents stripped, case
// folded, surrounding punctuation trimmed. Inner apostrophes and hyphens stay.
func Normalize(word string) string {
	// transformers and casers carry state, so build them per call
	strip := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(strip, word)
	if err != nil {
		s = word
	}
	s = cases.Fold().String(s)
	s = apostrophes.Replace(s)
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Key joins normalized words into a phrase key
func Key(words ...string) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if n := Normalize(w); n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, " ")
}

// endsSentence reports whether a spoken word closes a sentence
func endsSentence(word string) bool {
	w := strings.TrimRightFunc(word, func(r rune) bool {
		return r == '"' || r == '\'' || r == ')' || r == '”' || r == '’'
	})
	return strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?")
}
