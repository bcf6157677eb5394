package fingerprint

import "testing"

func TestLinguaDetectorDefaultLanguages(t *testing.T) {
	t.Parallel()

	detect := LinguaDetector(DefaultLanguages...)
	if got := detect("முதலமைச்சர் மாவட்ட தலைமையகத்தில் நடந்த பெரிய கூட்டத்தில் விவசாயிகளுக்கான புதிய திட்டத்தை அறிவித்தார்"); got != "ta" {
		t.Fatalf("expected ta, got %q", got)
	}
	if got := detect("The chief minister announced a new scheme for farmers at the rally"); got != "en" {
		t.Fatalf("expected en, got %q", got)
	}
	if got := detect("ok"); got != "" {
		t.Fatalf("expected no language for a short sample, got %q", got)
	}
}
