package theme

import (
	"strings"
	"testing"

	"rugguard/internal/model"
)

func TestTierColors(t *testing.T) {
	got := Tier(model.TierHighRisk)
	if !strings.HasPrefix(got, red) || !strings.Contains(got, "HIGH RISK") {
		t.Fatalf("unexpected tier rendering %q", got)
	}
	if !strings.Contains(Banner(), "trust scores") {
		t.Fatal("banner missing tagline")
	}
}
