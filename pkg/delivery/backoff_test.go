package delivery

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{6, 3840 * time.Second},
		{7, 3840 * time.Second},
		{50, 3840 * time.Second},
		{-1, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 300); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncate(string(long), 300); len(got) != 300 {
		t.Errorf("len = %d", len(got))
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	cases := []string{
		strings.Repeat("x", 299) + "é and more",  // 2-byte rune straddles the cap
		strings.Repeat("x", 298) + "€ and more",  // 3-byte rune straddles the cap
		strings.Repeat("é", 200),                 // multi-byte throughout
		strings.Repeat("x", 300) + "trailing",    // clean cut at the boundary
	}
	for _, in := range cases {
		got := truncate(in, 300)
		if len(got) > 300 {
			t.Errorf("truncate(%q...) = %d bytes", in[:10], len(got))
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q...) produced invalid UTF-8 tail %q", in[:10], got[290:])
		}
		if !strings.HasPrefix(in, got) {
			t.Errorf("truncate result is not a prefix of the input")
		}
	}
}
