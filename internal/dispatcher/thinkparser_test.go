package dispatcher

import "testing"

func TestThinkParserPlainContent(t *testing.T) {
	p := &thinkParser{}
	d := p.Feed("hello world")
	if d.Content != "hello world" || d.Thinking != "" {
		t.Fatalf("unexpected delta: %#v", d)
	}
}

func TestThinkParserFullBlockInOneToken(t *testing.T) {
	p := &thinkParser{}
	d := p.Feed("before <think>reasoning</think> after")
	if d.Content != "before " {
		t.Fatalf("expected content before the block, got %q", d.Content)
	}
	if d.Thinking != "reasoning" {
		t.Fatalf("expected thinking %q, got %q", "reasoning", d.Thinking)
	}
	if !d.ThinkingEnd {
		t.Fatalf("expected thinking end to be signalled")
	}
}

func TestThinkParserTagSplitAcrossTokens(t *testing.T) {
	p := &thinkParser{}
	var content, thinking string
	var endSeen bool

	feed := func(tok string) {
		d := p.Feed(tok)
		content += d.Content
		thinking += d.Thinking
		if d.ThinkingEnd {
			endSeen = true
		}
	}

	feed("hi <th")
	feed("ink>pondering")
	feed(" more</th")
	feed("ink> done")

	if content != "hi  done" {
		t.Fatalf("expected content %q, got %q", "hi  done", content)
	}
	if thinking != "pondering more" {
		t.Fatalf("expected thinking %q, got %q", "pondering more", thinking)
	}
	if !endSeen {
		t.Fatalf("expected thinking end to be observed")
	}
}

func TestThinkParserNoThinkingBlock(t *testing.T) {
	p := &thinkParser{}
	var out string
	for _, tok := range []string{"one", " two", " three"} {
		out += p.Feed(tok).Content
	}
	if out != "one two three" {
		t.Fatalf("unexpected content: %q", out)
	}
}
