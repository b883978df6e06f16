package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// SplitText splits a message into chunks no wider than limit display cells,
// preferring paragraph boundaries, then line boundaries, then words. Open
// fenced code blocks are closed at a chunk edge and reopened in the next
// chunk so every chunk renders as valid markdown.
func SplitText(text string, limit int) []string {
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curWidth := 0
	fence := "" // "```lang" of the open block, empty when outside

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		out := strings.TrimRight(cur.String(), "\n")
		if fence != "" {
			out += "\n```"
		}
		chunks = append(chunks, out)
		cur.Reset()
		curWidth = 0
		if fence != "" {
			cur.WriteString(fence + "\n")
			curWidth = runewidth.StringWidth(fence) + 1
		}
	}

	for _, line := range strings.Split(text, "\n") {
		lineWidth := runewidth.StringWidth(line) + 1 // trailing newline
		if curWidth+lineWidth > limit && cur.Len() > 0 {
			flush()
		}
		// Toggle fence state after any flush so a closing fence line still
		// closes the block it belongs to.
		if isFenceLine(line) {
			if fence == "" {
				fence = strings.TrimRight(line, " ")
			} else {
				fence = ""
			}
		}
		if lineWidth > limit {
			for _, piece := range splitLine(line, limit-curWidth, limit) {
				pw := runewidth.StringWidth(piece) + 1
				if curWidth+pw > limit && cur.Len() > 0 {
					flush()
				}
				cur.WriteString(piece)
				cur.WriteString("\n")
				curWidth += pw
			}
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		curWidth += lineWidth
	}
	if strings.TrimSpace(cur.String()) != "" {
		out := strings.TrimRight(cur.String(), "\n")
		chunks = append(chunks, out)
	}
	return chunks
}

// SplitBlocks splits at paragraph boundaries for block-streaming channels,
// merging adjacent paragraphs while they fit the limit.
func SplitBlocks(text string, limit int) []string {
	paras := strings.Split(text, "\n\n")
	var blocks []string
	var cur string
	for _, p := range paras {
		if p == "" {
			continue
		}
		candidate := p
		if cur != "" {
			candidate = cur + "\n\n" + p
		}
		if runewidth.StringWidth(candidate) <= limit {
			cur = candidate
			continue
		}
		if cur != "" {
			blocks = append(blocks, cur)
		}
		if runewidth.StringWidth(p) > limit {
			blocks = append(blocks, SplitText(p, limit)...)
			cur = ""
			continue
		}
		cur = p
	}
	if cur != "" {
		blocks = append(blocks, cur)
	}
	if len(blocks) == 0 {
		return []string{text}
	}
	return blocks
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}

// splitLine breaks one overlong line at word boundaries, hard-splitting
// words wider than a whole chunk.
func splitLine(line string, first, limit int) []string {
	if first <= 0 {
		first = limit
	}
	var pieces []string
	var cur strings.Builder
	budget := first
	curWidth := 0
	for _, word := range strings.Fields(line) {
		w := runewidth.StringWidth(word)
		sep := 0
		if cur.Len() > 0 {
			sep = 1
		}
		if curWidth+sep+w > budget && cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
			curWidth = 0
			budget = limit
		}
		if w > budget {
			// A single word wider than a chunk: split by runes.
			for _, part := range hardSplit(word, budget) {
				if cur.Len() > 0 {
					pieces = append(pieces, cur.String())
					cur.Reset()
					curWidth = 0
				}
				cur.WriteString(part)
				curWidth = runewidth.StringWidth(part)
				budget = limit
			}
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
			curWidth++
		}
		cur.WriteString(word)
		curWidth += w
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	if len(pieces) == 0 {
		return []string{line}
	}
	return pieces
}

func hardSplit(word string, limit int) []string {
	if limit <= 0 {
		limit = 1
	}
	var parts []string
	var cur strings.Builder
	width := 0
	for _, r := range word {
		w := runewidth.RuneWidth(r)
		if width+w > limit && cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			width = 0
		}
		cur.WriteRune(r)
		width += w
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
