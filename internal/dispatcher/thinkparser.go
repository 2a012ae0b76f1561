package dispatcher

import "strings"

// thinkParser splits a token stream into thinking-block content and
// regular response content, tracking the `<think>`/`</think>` markers even
// when they are split across multiple upstream chunks (spec §4.3: the
// think-block boundary is not guaranteed to land on a chunk boundary).
//
// Grounded on the teacher's line-buffered stdout readers (doctor.go's
// bufio.Scanner loops over a live process's output) generalized from
// line-oriented buffering to marker-oriented buffering over an
// arbitrary-length token stream.
type thinkParser struct {
	buf        strings.Builder
	inThinking bool
}

type parsedDelta struct {
	Content      string
	Thinking     string
	ThinkingEnd  bool
}

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// Feed appends a raw token to the parser and returns the deltas it
// resolved — possibly empty if the token is entirely consumed buffering a
// partial tag.
func (p *thinkParser) Feed(token string) parsedDelta {
	p.buf.WriteString(token)
	text := p.buf.String()
	p.buf.Reset()

	var out parsedDelta
	for {
		if !p.inThinking {
			idx := strings.Index(text, thinkOpenTag)
			if idx == -1 {
				if holdback := partialSuffixOverlap(text, thinkOpenTag); holdback > 0 {
					out.Content += text[:len(text)-holdback]
					p.buf.WriteString(text[len(text)-holdback:])
					return out
				}
				out.Content += text
				return out
			}
			out.Content += text[:idx]
			text = text[idx+len(thinkOpenTag):]
			p.inThinking = true
			continue
		}

		idx := strings.Index(text, thinkCloseTag)
		if idx == -1 {
			if holdback := partialSuffixOverlap(text, thinkCloseTag); holdback > 0 {
				out.Thinking += text[:len(text)-holdback]
				p.buf.WriteString(text[len(text)-holdback:])
				return out
			}
			out.Thinking += text
			return out
		}
		out.Thinking += text[:idx]
		text = text[idx+len(thinkCloseTag):]
		p.inThinking = false
		out.ThinkingEnd = true
	}
}

// partialSuffixOverlap returns the length of the longest suffix of text
// that is also a prefix of tag — the number of trailing bytes that might be
// the start of tag split across a chunk boundary, and so must be held back
// rather than emitted as content/thinking yet.
func partialSuffixOverlap(text, tag string) int {
	max := len(tag) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, tag[:n]) {
			return n
		}
	}
	return 0
}
