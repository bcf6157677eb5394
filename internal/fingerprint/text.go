package fingerprint

import (
	"hash/fnv"
	"math"
	"math/bits"
	"strings"
	"unicode"
)

func NormalizeText(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// Tokenize splits normalized text on anything that is not a letter, number
// or combining mark. Marks are kept so Indic scripts stay whole words.
func Tokenize(text string) []string {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil
	}

	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.IsMark(r)
	})
}

func Simhash64(text string) (uint64, bool) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0, false
	}

	var bitWeights [64]int
	for _, token := range tokens {
		h := hashToken64(token)
		for bit := 0; bit < 64; bit++ {
			mask := uint64(1) << bit
			if h&mask != 0 {
				bitWeights[bit]++
			} else {
				bitWeights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		if bitWeights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result, true
}

func hashToken64(token string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(token))
	return hasher.Sum64()
}

// Hamming returns the number of differing bits.
func Hamming(left, right uint64) int {
	return bits.OnesCount64(left ^ right)
}

func TokenJaccard(left, right string) float64 {
	return jaccard(tokenSet(left), tokenSet(right))
}

func TrigramJaccard(left, right string) float64 {
	return jaccard(trigramSet(left), trigramSet(right))
}

// TokenCosine is the cosine similarity of token frequency vectors.
func TokenCosine(left, right string) float64 {
	lf := tokenFrequencies(left)
	rf := tokenFrequencies(right)
	if len(lf) == 0 || len(rf) == 0 {
		return 0
	}

	var dot, ln, rn float64
	for token, count := range lf {
		ln += float64(count * count)
		if other, ok := rf[token]; ok {
			dot += float64(count * other)
		}
	}
	for _, count := range rf {
		rn += float64(count * count)
	}
	if dot == 0 || ln == 0 || rn == 0 {
		return 0
	}
	return dot / (math.Sqrt(ln) * math.Sqrt(rn))
}

// TextSimilarity blends character trigram overlap with token cosine. Both
// inputs are expected to be comparable text samples.
func TextSimilarity(left, right string) float64 {
	if NormalizeText(left) == "" || NormalizeText(right) == "" {
		return 0
	}
	return 0.5*TrigramJaccard(left, right) + 0.5*TokenCosine(left, right)
}

func jaccard(left, right map[string]struct{}) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}

	intersection := 0
	for token := range left {
		if _, ok := right[token]; ok {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}

	union := len(left) + len(right) - intersection
	if union <= 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func tokenFrequencies(text string) map[string]int {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	freq := make(map[string]int, len(tokens))
	for _, token := range tokens {
		freq[token]++
	}
	return freq
}

func trigramSet(text string) map[string]struct{} {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil
	}

	runes := []rune(normalized)
	if len(runes) < 3 {
		return map[string]struct{}{string(runes): {}}
	}

	set := make(map[string]struct{}, len(runes)-2)
	for i := 0; i <= len(runes)-3; i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// truncateRunes clips s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
