// Package fingerprint derives similarity signatures from fetched content.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"horse.fit/trawl/internal/domain"
)

const (
	DefaultSampleRunes = 2000
	contentHashPrefix  = 500
)

// Input is the fetched content a fingerprint is computed from.
type Input struct {
	Title       string
	Text        string
	Author      string
	PublishedAt *time.Time
	MediaHash   *uint64
}

type Options struct {
	// SampleRunes bounds the stored text sample used for trigram comparison.
	SampleRunes int
	// DetectLanguage returns an ISO 639-1 code or "". Nil disables detection.
	DetectLanguage func(text string) string
}

type Fingerprinter struct {
	sampleRunes int
	detect      func(string) string
}

func New(opts Options) *Fingerprinter {
	sample := opts.SampleRunes
	if sample <= 0 {
		sample = DefaultSampleRunes
	}
	return &Fingerprinter{
		sampleRunes: sample,
		detect:      opts.DetectLanguage,
	}
}

func (f *Fingerprinter) Compute(in Input) domain.Fingerprint {
	body := strings.TrimSpace(in.Title + "\n" + in.Text)
	normalized := NormalizeText(body)

	fp := domain.Fingerprint{
		ContentHash: ContentHash(in),
		MetaKey:     MetaKey(in.Title, in.Author, in.PublishedAt),
		TextSample:  truncateRunes(normalized, f.sampleRunes),
		MediaHash:   in.MediaHash,
	}
	if hash, ok := Simhash64(body); ok {
		fp.TextSimhash = hash
		fp.HasSimhash = true
	}
	if f.detect != nil {
		fp.Language = f.detect(body)
	}
	return fp
}

// ContentHash hashes title, the first 500 runes of the text, author and
// publication date.
func ContentHash(in Input) string {
	parts := []string{
		NormalizeText(in.Title),
		truncateRunes(NormalizeText(in.Text), contentHashPrefix),
		NormalizeText(in.Author),
		dateKey(in.PublishedAt),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// MetaKey identifies content by title, author and day of publication. It is
// empty unless all three are known.
func MetaKey(title, author string, publishedAt *time.Time) string {
	t := NormalizeText(title)
	a := NormalizeText(author)
	d := dateKey(publishedAt)
	if t == "" || a == "" || d == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(t + "|" + a + "|" + d))
	return hex.EncodeToString(sum[:])
}

func dateKey(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
