package backend

import "testing"

func TestRateLimitPatternDetection(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"ERROR: HTTP Error 429: Too Many Requests", true},
		{"we are being rate-limited by the source", true},
		{"saved: track.flac", false},
	}
	for _, c := range cases {
		if got := rateLimitPattern.MatchString(c.line); got != c.want {
			t.Errorf("rateLimitPattern(%q) = %v, want %v", c.line, got, c.want)
		}
	}
}

func TestProgressLinePattern(t *testing.T) {
	m := progressLinePattern.FindStringSubmatch("progress: 42.5% speed: 1.2MiB/s eta: 00:05 phase: downloading")
	if m == nil {
		t.Fatal("expected progress line to match")
	}
	if m[1] != "42.5" {
		t.Fatalf("fraction = %q, want 42.5", m[1])
	}
	if m[4] != "downloading" {
		t.Fatalf("phase = %q, want downloading", m[4])
	}
}

func TestErrorKindOf(t *testing.T) {
	err := NewError(KindRateLimited, nil)
	if KindOf(err) != KindRateLimited {
		t.Fatalf("KindOf = %v, want %v", KindOf(err), KindRateLimited)
	}
	if KindOf(nil) != "" {
		t.Fatalf("KindOf(nil) should be empty")
	}
}
