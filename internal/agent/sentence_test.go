package agent

import (
	"reflect"
	"strings"
	"testing"
)

func TestSentenceCollectorSplitsOnTerminators(t *testing.T) {
	c := newSentenceCollector(0)
	var got []string
	for _, d := range []string{"Hello the", "re. How are", " you? Fine"} {
		got = append(got, c.Consume(d)...)
	}
	want := []string{"Hello there.", "How are you?"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Consume() = %q, want %q", got, want)
	}
	if tail := c.Finalize(); !reflect.DeepEqual(tail, []string{"Fine"}) {
		t.Fatalf("Finalize() = %q, want [Fine]", tail)
	}
	if tail := c.Finalize(); len(tail) != 0 {
		t.Fatalf("second Finalize() = %q, want empty", tail)
	}
}

func TestSentenceCollectorKeepsDecimalsTogether(t *testing.T) {
	c := newSentenceCollector(0)
	if got := c.Consume("Pi is roughly 3.14 today."); len(got) != 0 {
		t.Fatalf("Consume() = %q, want nothing before more input", got)
	}
	got := c.Finalize()
	if len(got) != 1 || got[0] != "Pi is roughly 3.14 today." {
		t.Fatalf("Finalize() = %q", got)
	}
}

func TestSentenceCollectorCJKTerminator(t *testing.T) {
	c := newSentenceCollector(0)
	got := c.Consume("你好世界。再见")
	if len(got) != 1 || got[0] != "你好世界。" {
		t.Fatalf("Consume() = %q", got)
	}
	if tail := c.Finalize(); len(tail) != 1 || tail[0] != "再见" {
		t.Fatalf("Finalize() = %q", tail)
	}
}

func TestSentenceCollectorCutsLongRunsAtWhitespace(t *testing.T) {
	c := newSentenceCollector(4)
	got := c.Consume(strings.Repeat("word ", 40))
	if len(got) == 0 {
		t.Fatalf("Consume() produced no segment for an unpunctuated run")
	}
	for _, s := range got {
		if strings.HasPrefix(s, "ord") || strings.HasSuffix(s, "wor") {
			t.Fatalf("segment %q was cut inside a word", s)
		}
	}
}

func TestSentenceCollectorProgressesOnInvalidUTF8(t *testing.T) {
	c := newSentenceCollector(0)
	got := c.Consume(strings.Repeat("\x80", 300))
	if len(got) != 1 || len(got[0]) != c.maxChars {
		t.Fatalf("Consume() = %d segments, want one of %d bytes", len(got), c.maxChars)
	}
	rest := c.Finalize()
	if len(rest) != 1 || len(rest[0]) != 300-c.maxChars {
		t.Fatalf("Finalize() = %d segments, want the remaining %d bytes", len(rest), 300-c.maxChars)
	}
}
