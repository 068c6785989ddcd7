package channels

import (
	"strings"
	"unicode"
)

// Chunker splits long responses into pieces that fit a platform's
// message length limit (4096 for Telegram, 2000 for Discord).
type Chunker struct {
	// Limit is the maximum chunk size in bytes.
	Limit int
}

// NewChunker creates a chunker for the given limit. Non-positive
// limits fall back to 4000, which fits every supported platform with
// headroom.
func NewChunker(limit int) *Chunker {
	if limit <= 0 {
		limit = 4000
	}
	return &Chunker{Limit: limit}
}

// Split cuts text into chunks of at most Limit bytes, preferring
// paragraph breaks, then line breaks, then sentence ends, then word
// boundaries, then a hard cut. It ignores markdown structure; use
// SplitMarkdown when the text may contain fenced code.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.Limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > c.Limit {
		cut := breakPoint(rest[:c.Limit])
		head := strings.TrimRightFunc(rest[:cut], unicode.IsSpace)
		if head != "" {
			chunks = append(chunks, head)
		}
		rest = strings.TrimLeftFunc(rest[cut:], unicode.IsSpace)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// breakPoint picks the best cut position inside window.
func breakPoint(window string) int {
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 1
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	for _, end := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(window, end); i > 0 {
			return i + 1
		}
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		return i
	}
	return len(window)
}

// SplitMarkdown cuts text into chunks of at most Limit bytes without
// leaving a fenced code block dangling: a block split across chunks is
// closed at the cut and reopened with its original fence line in the
// next chunk, so every chunk renders as valid markdown on its own.
func (c *Chunker) SplitMarkdown(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.Limit {
		return []string{text}
	}

	var chunks []string
	var current []string
	currentLen := 0
	fence := ""
	fenceOpen := ""

	// budget leaves room for the closing fence while inside a block.
	budget := func() int {
		if fence == "" {
			return c.Limit
		}
		return c.Limit - len(fence) - 1
	}

	flush := func() {
		if len(current) == 0 {
			return
		}
		if fence != "" && len(current) == 1 && current[0] == fenceOpen {
			// Nothing but the reopened fence header so far.
			return
		}
		lines := current
		if fence != "" {
			lines = append(lines, fence)
		}
		if chunk := strings.TrimSpace(strings.Join(lines, "\n")); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current = current[:0]
		currentLen = 0
		if fence != "" {
			current = append(current, fenceOpen)
			currentLen = len(fenceOpen)
		}
	}

	push := func(line string) {
		if currentLen > 0 {
			currentLen++
		}
		current = append(current, line)
		currentLen += len(line)
	}

	headerOnly := func() bool {
		if len(current) == 0 {
			return true
		}
		return fence != "" && len(current) == 1 && current[0] == fenceOpen
	}

	for _, rawLine := range strings.Split(text, "\n") {
		line := rawLine
		for {
			avail := budget() - currentLen
			if currentLen > 0 {
				avail--
			}
			if len(line) <= avail {
				push(line)
				break
			}
			if !headerOnly() {
				flush()
				continue
			}
			// The line cannot fit even in a fresh chunk: hard-cut it.
			if avail < 1 {
				avail = 1
			}
			push(line[:avail])
			flush()
			line = line[avail:]
		}

		trimmed := strings.TrimSpace(rawLine)
		switch {
		case fence == "" && (strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")):
			fence = trimmed[:3]
			fenceOpen = rawLine
		case fence != "" && strings.HasPrefix(trimmed, fence):
			fence = ""
			fenceOpen = ""
		}
	}
	flush()

	return chunks
}

// SplitMessage is a convenience wrapper for one-off plain splits.
func SplitMessage(text string, limit int) []string {
	return NewChunker(limit).Split(text)
}

// SplitMarkdownMessage is a convenience wrapper for one-off
// markdown-aware splits.
func SplitMarkdownMessage(text string, limit int) []string {
	return NewChunker(limit).SplitMarkdown(text)
}
