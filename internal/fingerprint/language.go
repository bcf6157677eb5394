package fingerprint

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

// DefaultLanguages covers the regional and national languages content is
// usually published in.
var DefaultLanguages = []lingua.Language{
	lingua.Tamil,
	lingua.English,
	lingua.Hindi,
	lingua.Telugu,
	lingua.Bengali,
	lingua.Marathi,
	lingua.Urdu,
}

// LinguaDetector returns a lazily built detector restricted to languages.
// An empty list means all languages.
func LinguaDetector(languages ...lingua.Language) func(string) string {
	var (
		once     sync.Once
		detector lingua.LanguageDetector
	)

	build := func() {
		builder := lingua.NewLanguageDetectorBuilder()
		if len(languages) >= 2 {
			detector = builder.FromLanguages(languages...).Build()
			return
		}
		detector = builder.FromAllLanguages().Build()
	}

	return func(text string) string {
		sample := strings.TrimSpace(text)
		if sample == "" {
			return ""
		}

		letterCount := 0
		for _, r := range sample {
			if unicode.IsLetter(r) {
				letterCount++
			}
		}
		if letterCount < 6 {
			return ""
		}

		once.Do(build)
		language, exists := detector.DetectLanguageOf(sample)
		if !exists {
			return ""
		}

		code := strings.ToLower(language.IsoCode639_1().String())
		if len(code) != 2 {
			return ""
		}
		return code
	}
}
