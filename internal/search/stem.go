package search

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

var stemLanguages = map[string]string{
	"sv": "swedish",
	"en": "english",
	"no": "norwegian",
}

// Stem reduces a lowercase word to its stem for the locale. Unsupported locales return the word unchanged.
func Stem(word, locale string) string {
	language, ok := stemLanguages[locale]
	if !ok {
		return word
	}
	stemmed, err := snowball.Stem(word, language, true)
	if err != nil || stemmed == "" {
		return word
	}
	return stemmed
}

// Tokens splits text on anything that is not a letter or digit and stems each token.
func Tokens(text, locale string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if len([]rune(field)) < 2 {
			continue
		}
		out = append(out, Stem(field, locale))
	}
	return out
}
