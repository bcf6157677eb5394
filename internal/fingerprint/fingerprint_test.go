package fingerprint

import (
	"image"
	"image/color"
	"strings"
	"testing"
	"time"
)

const speech = `The chief minister addressed a large gathering in the district headquarters on Sunday
and announced a new scheme for farmers covering crop insurance, free electricity for pump sets,
and a fresh loan waiver for small and marginal cultivators. Party workers from neighbouring
constituencies arrived in buses and the venue was decorated with flags and banners. The leader
also criticised the opposition for failing to deliver on earlier promises and asked voters to
judge the government on its record of welfare schemes over the last five years in office.`

func TestTokenJaccard(t *testing.T) {
	t.Parallel()

	score := TokenJaccard("Leader launches farmer scheme", "Leader launches welfare scheme")
	if score <= 0 || score >= 1 {
		t.Fatalf("expected partial overlap score in (0,1), got %f", score)
	}
}

func TestTrigramJaccard(t *testing.T) {
	t.Parallel()

	score := TrigramJaccard("Minister releases manifesto", "Minister released manifesto")
	if score <= 0 || score >= 1 {
		t.Fatalf("expected partial trigram overlap score in (0,1), got %f", score)
	}
}

func TestHamming(t *testing.T) {
	t.Parallel()

	if got := Hamming(0b101010, 0b111000); got != 2 {
		t.Fatalf("unexpected hamming distance: got %d want 2", got)
	}
}

func TestTextSimilarity_NearDuplicateAboveThreshold(t *testing.T) {
	t.Parallel()

	edited := strings.Replace(speech, "Sunday", "Monday", 1)
	score := TextSimilarity(speech, edited)
	if score < 0.9 {
		t.Fatalf("expected near duplicate similarity >= 0.9, got %f", score)
	}

	unrelated := "Heavy rain lashed the coastal districts and schools were closed for two days."
	if low := TextSimilarity(speech, unrelated); low >= 0.5 {
		t.Fatalf("expected unrelated similarity < 0.5, got %f", low)
	}
}

func TestTextSimilarity_Empty(t *testing.T) {
	t.Parallel()

	if got := TextSimilarity("", speech); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}
}

func TestSimhash_NearDuplicatesAreClose(t *testing.T) {
	t.Parallel()

	left, ok := Simhash64(speech)
	if !ok {
		t.Fatalf("expected simhash for non-empty text")
	}
	right, _ := Simhash64(strings.Replace(speech, "Sunday", "Monday", 1))
	if d := Hamming(left, right); d > 8 {
		t.Fatalf("expected small simhash distance, got %d", d)
	}
	if _, ok := Simhash64("   "); ok {
		t.Fatalf("expected no simhash for blank text")
	}
}

func TestCompute(t *testing.T) {
	t.Parallel()

	published := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	fp := New(Options{
		SampleRunes:    40,
		DetectLanguage: func(string) string { return "en" },
	}).Compute(Input{
		Title:       "Farmers scheme announced",
		Text:        speech,
		Author:      "Staff Reporter",
		PublishedAt: &published,
	})

	if fp.ContentHash == "" || len(fp.ContentHash) != 64 {
		t.Fatalf("unexpected content hash %q", fp.ContentHash)
	}
	if fp.MetaKey == "" {
		t.Fatalf("expected meta key when title, author and date are present")
	}
	if !fp.HasSimhash {
		t.Fatalf("expected simhash")
	}
	if n := len([]rune(fp.TextSample)); n != 40 {
		t.Fatalf("expected 40 rune sample, got %d", n)
	}
	if fp.Language != "en" {
		t.Fatalf("unexpected language %q", fp.Language)
	}
}

func TestMetaKey_RequiresAllParts(t *testing.T) {
	t.Parallel()

	if key := MetaKey("title", "", nil); key != "" {
		t.Fatalf("expected empty meta key, got %q", key)
	}
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	later := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	if MetaKey("Title ", "Author", &day) != MetaKey("title", "author", &later) {
		t.Fatalf("expected meta key to ignore case and time of day")
	}
}

func TestContentHash_IgnoresTextBeyondPrefix(t *testing.T) {
	t.Parallel()

	base := strings.Repeat("a", 600)
	left := ContentHash(Input{Title: "t", Text: base + " one"})
	right := ContentHash(Input{Title: "t", Text: base + " two"})
	if left != right {
		t.Fatalf("expected equal hashes when only the tail differs")
	}
}

func TestDHash(t *testing.T) {
	t.Parallel()

	gradient := image.NewGray(image.Rect(0, 0, 90, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 90; x++ {
			gradient.SetGray(x, y, color.Gray{Y: uint8(255 - x*2)})
		}
	}
	if got := DHash(gradient); got != ^uint64(0) {
		t.Fatalf("expected all bits set for left-to-right darkening gradient, got %064b", got)
	}

	flat := image.NewGray(image.Rect(0, 0, 32, 32))
	if got := DHash(flat); got != 0 {
		t.Fatalf("expected zero hash for flat image, got %d", got)
	}
}
