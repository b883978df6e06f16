package channels

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestSplitTextFits(t *testing.T) {
	chunks := SplitText("short message", 100)
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestSplitTextPrefersLineBoundaries(t *testing.T) {
	text := "first paragraph line\n\nsecond paragraph line\n\nthird paragraph line"
	chunks := SplitText(text, 30)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %v", chunks)
	}
	for i, c := range chunks {
		if runewidth.StringWidth(c) > 30 {
			t.Errorf("chunk %d too wide: %q", i, c)
		}
		if strings.HasPrefix(c, " ") {
			t.Errorf("chunk %d starts mid-word: %q", i, c)
		}
	}
	joined := strings.Join(chunks, "\n")
	for _, want := range []string{"first paragraph", "second paragraph", "third paragraph"} {
		if !strings.Contains(joined, want) {
			t.Errorf("lost %q in %v", want, chunks)
		}
	}
}

func TestSplitTextReopensCodeFence(t *testing.T) {
	var b strings.Builder
	b.WriteString("```go\n")
	for i := 0; i < 20; i++ {
		b.WriteString("fmt.Println(\"line\")\n")
	}
	b.WriteString("```")
	chunks := SplitText(b.String(), 120)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want split", len(chunks))
	}
	for i, c := range chunks {
		if strings.Count(c, "```")%2 != 0 {
			t.Errorf("chunk %d has unbalanced fence:\n%s", i, c)
		}
	}
	if !strings.HasPrefix(chunks[1], "```go") {
		t.Errorf("continuation chunk does not reopen fence: %q", chunks[1])
	}
}

func TestSplitTextHardSplitsLongWord(t *testing.T) {
	word := strings.Repeat("x", 50)
	chunks := SplitText(word, 20)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %v", chunks)
	}
	if got := strings.Join(chunks, ""); got != word {
		t.Errorf("reassembled = %q", got)
	}
}

func TestSplitTextWideRunes(t *testing.T) {
	// CJK runes are two cells wide; the limit counts cells, not runes.
	text := strings.Repeat("你好", 30)
	for _, c := range SplitText(text, 20) {
		if runewidth.StringWidth(c) > 20 {
			t.Errorf("chunk too wide: %q (%d cells)", c, runewidth.StringWidth(c))
		}
	}
}

func TestSplitBlocksMergesShortParagraphs(t *testing.T) {
	text := "one\n\ntwo\n\n" + strings.Repeat("long paragraph ", 10)
	blocks := SplitBlocks(text, 60)
	if len(blocks) < 2 {
		t.Fatalf("blocks = %v", blocks)
	}
	if blocks[0] != "one\n\ntwo" {
		t.Errorf("first block = %q", blocks[0])
	}
}
