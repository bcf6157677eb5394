package globaltime

import (
	"testing"
	"time"
)

func TestClockPrefersInjectedFunc(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if got := Clock(func() time.Time { return fixed })(); !got.Equal(fixed) {
		t.Fatalf("expected injected time, got %s", got)
	}
	if got := Clock(nil)(); got.Location() != time.UTC {
		t.Fatalf("expected UTC fallback, got %s", got.Location())
	}
}
