package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShortPassthrough(t *testing.T) {
	got := splitTelegramText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	got := splitTelegramText(text, 12)
	if len(got) != 2 {
		t.Fatalf("chunks = %d: %v", len(got), got)
	}
	if got[0] != strings.Repeat("x", 8) {
		t.Fatalf("first chunk split mid-line: %q", got[0])
	}
	if got[1] != strings.Repeat("y", 8) {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTelegramTextHardSplit(t *testing.T) {
	text := strings.Repeat("a", 25)
	got := splitTelegramText(text, 10)
	if len(got) != 3 {
		t.Fatalf("chunks = %d: %v", len(got), got)
	}
	var total int
	for _, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk over limit: %q", c)
		}
		total += len(c)
	}
	if total != 25 {
		t.Fatalf("lost characters: %d of 25", total)
	}
}

func TestSplitTelegramTextNoEmptyChunks(t *testing.T) {
	text := strings.Repeat("line\n", 40)
	for _, c := range splitTelegramText(text, 16) {
		if c == "" {
			t.Fatal("empty chunk emitted")
		}
	}
}
