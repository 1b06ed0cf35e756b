package tokenutil

import (
	"strings"
	"testing"
)

func TestCount_Empty(t *testing.T) {
	if got := Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
}

func TestCount_Simple(t *testing.T) {
	got := Count("hello world")
	if got <= 0 {
		t.Errorf("Count(\"hello world\") = %d, want > 0", got)
	}
	// "hello world" is 2 tokens under cl100k_base
	if enc() != nil && got != 2 {
		t.Errorf("Count(\"hello world\") = %d, want 2 (tiktoken)", got)
	}
}

func TestCountAll(t *testing.T) {
	separate := Count("first observation") + Count("second observation")
	if got := CountAll("first observation", "second observation"); got != separate {
		t.Errorf("CountAll = %d, want %d", got, separate)
	}
	if got := CountAll(); got != 0 {
		t.Errorf("CountAll() = %d, want 0", got)
	}
}

func TestEstimateFast_Empty(t *testing.T) {
	if got := EstimateFast(""); got != 0 {
		t.Errorf("EstimateFast(\"\") = %d, want 0", got)
	}
	if got := EstimateFast("   \n\t  "); got != 0 {
		t.Errorf("EstimateFast(whitespace) = %d, want 0", got)
	}
}

func TestEstimateFast_WordFloor(t *testing.T) {
	// "a b c d" has 4 words but only 7 runes; the word count wins.
	if got := EstimateFast("a b c d"); got != 4 {
		t.Errorf("EstimateFast(\"a b c d\") = %d, want 4", got)
	}
}

func TestTruncate_NoOp(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate(short, 100) = %q", got)
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Errorf("Truncate with zero budget should be a no-op, got %q", got)
	}
}

func TestTruncate_CutsLongText(t *testing.T) {
	text := strings.Repeat("tool output line ", 200)
	got := Truncate(text, 8)
	if got == text {
		t.Fatal("long text was not truncated")
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("truncated text should end with marker, got %q", got[len(got)-16:])
	}
}
