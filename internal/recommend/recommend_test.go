package recommend

import (
	"math"
	"testing"
)

func TestReasonForDominantModality(t *testing.T) {
	got := reasonFor(map[string]float64{"audio": 0.9, "lyrics": 0.3})
	if got != "Audio" {
		t.Fatalf("reason = %q, want Audio", got)
	}
}

func TestReasonForBalancedWithinTieBand(t *testing.T) {
	got := reasonFor(map[string]float64{"audio": 0.7, "lyrics": 0.6})
	if got != "Balanced" {
		t.Fatalf("reason = %q, want Balanced", got)
	}
}

func TestReasonForSingleModality(t *testing.T) {
	got := reasonFor(map[string]float64{"visual": 0.5})
	if got != "Visual" {
		t.Fatalf("reason = %q, want Visual", got)
	}
}

func TestTopNNormalizesAndTruncates(t *testing.T) {
	scores := map[string]float64{
		"a1": 1.5,
		"a2": 0.9,
		"a3": 0.6,
		"a4": 0.3,
	}
	entries := topN(scores, "artist", 3, 3)
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].ID != "a1" || entries[0].Type != "artist" {
		t.Fatalf("top entry = %+v", entries[0])
	}
	if math.Abs(entries[0].Score-0.5) > 1e-9 {
		t.Fatalf("score = %v, want 0.5", entries[0].Score)
	}
}

func TestPoolSizeFormula(t *testing.T) {
	cases := []struct {
		k    int
		d    float64
		want int
	}{
		{3, 0, 3},
		{3, 1, 15},
		{10, 0.5, 30},
	}
	for _, c := range cases {
		got := int(math.Ceil(float64(c.k) * (1 + 4*c.d)))
		if got != c.want {
			t.Fatalf("poolSize(%d,%v) = %d, want %d", c.k, c.d, got, c.want)
		}
	}
}
