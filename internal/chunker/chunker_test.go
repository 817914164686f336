package chunker_test

import (
	"strings"
	"testing"

	"threadkeeper/internal/chunker"
)

func TestChunk_ShortInputReturnedWhole(t *testing.T) {
	inputs := []string{
		"",
		"hello",
		strings.Repeat("a", chunker.DefaultLimit),
		"```go\nfmt.Println(\"hi\")\n```",
	}

	for _, input := range inputs {
		parts := chunker.Chunk(input)
		if len(parts) != 1 {
			t.Errorf("expected 1 part for %d-char input, got %d", len(input), len(parts))
			continue
		}
		if parts[0] != input {
			t.Errorf("expected input returned unchanged")
		}
	}
}

func TestChunk_AllPartsWithinLimit(t *testing.T) {
	const limit = 200

	inputs := []string{
		strings.Repeat("word ", 300),
		strings.Repeat("First sentence here. Second sentence follows! A question? ", 40),
		strings.Repeat("paragraph one\n\n", 60),
		"intro text\n\n```python\n" + strings.Repeat("print('line')\n", 100) + "```\n\nclosing text",
		strings.Repeat("x", 1000),
	}

	for i, input := range inputs {
		parts := chunker.ChunkWithLimit(input, limit)
		if len(parts) < 2 {
			t.Errorf("input %d: expected multiple parts, got %d", i, len(parts))
		}
		for j, part := range parts {
			if len(part) > limit {
				t.Errorf("input %d part %d: length %d exceeds limit %d", i, j, len(part), limit)
			}
		}
	}
}

func TestChunk_PrefersParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("a", 80)
	input := para + "\n\n" + para + "\n\n" + para

	parts := chunker.ChunkWithLimit(input, 100)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	for i, part := range parts {
		if !strings.HasPrefix(part, para) {
			t.Errorf("part %d does not start at a paragraph boundary", i)
		}
	}
}

func TestChunk_SentenceBoundaryFallback(t *testing.T) {
	sentence := "This sentence is repeated to pad a single long paragraph. "
	input := strings.Repeat(sentence, 10)

	parts := chunker.ChunkWithLimit(input, 150)
	for i, part := range parts[:len(parts)-1] {
		if !strings.HasSuffix(part, ". ") {
			t.Errorf("part %d does not end at a sentence boundary: %q", i, tail(part))
		}
	}
}

func TestChunk_HardSplitMarked(t *testing.T) {
	input := strings.Repeat("a", 500) // no paragraph or sentence boundaries

	parts := chunker.ChunkWithLimit(input, 200)
	if len(parts) < 3 {
		t.Fatalf("expected at least 3 parts, got %d", len(parts))
	}
	for i, part := range parts[:len(parts)-1] {
		if !strings.HasSuffix(part, "…") {
			t.Errorf("part %d missing continuation marker", i)
		}
	}
}

func TestChunk_CodeBlockKeptWhole(t *testing.T) {
	// 5000 chars total with one 1200-char fenced block under a 1900 ceiling:
	// at least 3 parts, the block intact in a single part.
	block := "```go\n" + strings.Repeat("x", 1190) + "\n```"
	input := strings.Repeat("Filler sentence to occupy space. ", 60) +
		"\n\n" + block + "\n\n" +
		strings.Repeat("More trailing filler after the code. ", 50)
	if len(input) < 5000 {
		t.Fatalf("test input too short: %d", len(input))
	}

	parts := chunker.ChunkWithLimit(input, 1900)
	if len(parts) < 3 {
		t.Fatalf("expected at least 3 parts, got %d", len(parts))
	}

	found := 0
	for _, part := range parts {
		if len(part) > 1900 {
			t.Errorf("part exceeds ceiling: %d", len(part))
		}
		if strings.Contains(part, block) {
			found++
		}
	}
	if found != 1 {
		t.Errorf("expected code block whole in exactly one part, found %d", found)
	}
}

func TestChunk_OversizedCodeBlockRefenced(t *testing.T) {
	input := "```python\n" + strings.Repeat("print('a long line of output')\n", 50) + "```"

	parts := chunker.ChunkWithLimit(input, 300)
	if len(parts) < 2 {
		t.Fatalf("expected block to be split, got %d parts", len(parts))
	}
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if !strings.HasPrefix(trimmed, "```python") {
			t.Errorf("part %d missing opening fence: %q", i, head(part))
		}
		if !strings.HasSuffix(trimmed, "```") {
			t.Errorf("part %d missing closing fence: %q", i, tail(part))
		}
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	inputs := []string{
		strings.Repeat("Some prose with several sentences. Each one adds bulk! ", 30),
		"before\n\n```go\n" + strings.Repeat("callFunction(arg)\n", 80) + "```\n\nafter",
		strings.Repeat("b", 700),
		strings.Repeat("para\n\n", 100) + "```\nraw block\n```",
	}

	for i, input := range inputs {
		parts := chunker.ChunkWithLimit(input, 250)
		joined := strings.Join(parts, "")
		if semanticContent(joined) != semanticContent(input) {
			t.Errorf("input %d: concatenated parts do not reproduce input", i)
		}
	}
}

// semanticContent strips fence marker lines and ellipsis markers, the only
// bytes the chunker may inject or drop.
func semanticContent(s string) string {
	s = strings.ReplaceAll(s, "…", "")
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.ReplaceAll(b.String(), "\n", "")
}

func head(s string) string {
	if len(s) > 20 {
		return s[:20]
	}
	return s
}

func tail(s string) string {
	if len(s) > 20 {
		return s[len(s)-20:]
	}
	return s
}
