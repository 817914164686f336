// Package chunker splits long replies into parts that fit a messaging
// surface's payload ceiling while keeping fenced code blocks intact.
package chunker

import (
	"strings"
)

const (
	// DefaultLimit is the default per-part character ceiling. Discord allows
	// 2000; the headroom covers re-emitted fence markers.
	DefaultLimit = 1900

	// ellipsis marks a hard split inside continuous text.
	ellipsis = "…"

	// fenceMarker opens and closes a fenced code block.
	fenceMarker = "```"
)

// Chunk splits text into ordered parts, each at most DefaultLimit characters.
func Chunk(text string) []string {
	return ChunkWithLimit(text, DefaultLimit)
}

// ChunkWithLimit splits text into ordered parts, each at most limit
// characters. Fenced code blocks that fit in one part are never split;
// oversized blocks are split internally with fence markers re-emitted around
// each sub-part so every part renders as valid code. Outside fences, splits
// prefer paragraph boundaries, then sentence boundaries, then a hard split
// marked with an ellipsis.
func ChunkWithLimit(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	var atoms []string
	for _, seg := range splitFences(text) {
		if seg.fenced {
			atoms = append(atoms, splitFencedBlock(seg, limit)...)
		} else {
			atoms = append(atoms, splitPlain(seg.text, limit)...)
		}
	}

	return pack(atoms, limit)
}

// segment is a span of the input: either one whole fenced code block or the
// plain text between blocks.
type segment struct {
	text   string
	info   string // language tag on the opening fence, fenced segments only
	fenced bool
}

// splitFences partitions text into alternating plain and fenced segments.
// Concatenating the segment texts reproduces the input exactly. An unclosed
// fence runs to the end of the input.
func splitFences(text string) []segment {
	var segs []segment
	rest := text
	for len(rest) > 0 {
		open := fenceIndex(rest)
		if open < 0 {
			segs = append(segs, segment{text: rest})
			break
		}
		if open > 0 {
			segs = append(segs, segment{text: rest[:open]})
			rest = rest[open:]
		}

		// rest now starts at the opening fence line.
		info := fenceInfo(rest)
		bodyStart := strings.IndexByte(rest, '\n')
		if bodyStart < 0 {
			segs = append(segs, segment{text: rest, info: info, fenced: true})
			break
		}
		closeIdx := fenceIndex(rest[bodyStart+1:])
		if closeIdx < 0 {
			segs = append(segs, segment{text: rest, info: info, fenced: true})
			break
		}
		// End of the closing fence line, or end of input.
		end := bodyStart + 1 + closeIdx
		if nl := strings.IndexByte(rest[end:], '\n'); nl >= 0 {
			end += nl + 1
		} else {
			end = len(rest)
		}
		segs = append(segs, segment{text: rest[:end], info: info, fenced: true})
		rest = rest[end:]
	}
	return segs
}

// fenceIndex returns the offset of the first line beginning with a fence
// marker, or -1.
func fenceIndex(text string) int {
	if strings.HasPrefix(text, fenceMarker) {
		return 0
	}
	idx := strings.Index(text, "\n"+fenceMarker)
	if idx < 0 {
		return -1
	}
	return idx + 1
}

// fenceInfo extracts the language tag from an opening fence line.
func fenceInfo(text string) string {
	line := text
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	return strings.TrimSpace(strings.TrimPrefix(line, fenceMarker))
}

// splitFencedBlock returns atoms for one fenced segment. A block that fits
// within the limit is a single atom; otherwise its body lines are grouped into
// sub-parts, each wrapped in its own fence markers.
func splitFencedBlock(seg segment, limit int) []string {
	if len(seg.text) <= limit {
		return []string{seg.text}
	}

	open := fenceMarker + seg.info + "\n"
	closing := "\n" + fenceMarker + "\n"
	budget := limit - len(open) - len(closing)
	if budget < 1 {
		// Degenerate limit; fall back to a plain hard split.
		return hardSplit(seg.text, limit)
	}

	var atoms []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			atoms = append(atoms, open+cur.String()+closing)
			cur.Reset()
		}
	}

	for _, line := range strings.Split(fenceBody(seg.text), "\n") {
		if len(line) > budget {
			flush()
			for _, piece := range hardSplit(line, budget) {
				atoms = append(atoms, open+piece+closing)
			}
			continue
		}
		need := len(line)
		if cur.Len() > 0 {
			need++ // joining newline
		}
		if cur.Len()+need > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()

	return atoms
}

// fenceBody strips the opening and closing fence lines from a fenced segment.
func fenceBody(text string) string {
	body := text
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return ""
	}
	if idx := strings.LastIndex(body, fenceMarker); idx >= 0 {
		body = body[:idx]
		body = strings.TrimSuffix(body, "\n")
	}
	return body
}

// splitPlain returns atoms for plain text: paragraphs that fit, then
// sentences, then hard-split pieces. Separators stay attached to the
// preceding atom so concatenation reproduces the input.
func splitPlain(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var atoms []string
	for _, para := range splitAfter(text, "\n\n") {
		if len(para) <= limit {
			atoms = append(atoms, para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if len(sentence) <= limit {
				atoms = append(atoms, sentence)
			} else {
				atoms = append(atoms, hardSplitMarked(sentence, limit)...)
			}
		}
	}
	return atoms
}

// splitAfter splits text into pieces that each retain the trailing separator.
func splitAfter(text, sep string) []string {
	pieces := strings.SplitAfter(text, sep)
	// SplitAfter can produce a trailing empty piece.
	out := pieces[:0]
	for _, p := range pieces {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits text after sentence-ending punctuation followed by
// whitespace. The whitespace stays with the preceding sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		next := text[i+1]
		if next != ' ' && next != '\n' {
			continue
		}
		out = append(out, text[start:i+2])
		start = i + 2
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// hardSplit cuts text into pieces of at most size characters, avoiding
// splitting in the middle of a UTF-8 sequence.
func hardSplit(text string, size int) []string {
	if size < 1 {
		size = 1
	}
	var out []string
	for len(text) > size {
		cut := size
		for cut > 0 && !isRuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		out = append(out, text)
	}
	return out
}

// hardSplitMarked is hardSplit with an ellipsis appended to every piece except
// the last, signalling continuation to the reader.
func hardSplitMarked(text string, limit int) []string {
	pieces := hardSplit(text, limit-len(ellipsis))
	for i := 0; i < len(pieces)-1; i++ {
		pieces[i] += ellipsis
	}
	return pieces
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// pack greedily combines atoms into parts no longer than limit, preserving
// order. Every atom is already at most limit characters.
func pack(atoms []string, limit int) []string {
	var parts []string
	var cur strings.Builder
	for _, atom := range atoms {
		if cur.Len() > 0 && cur.Len()+len(atom) > limit {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteString(atom)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
