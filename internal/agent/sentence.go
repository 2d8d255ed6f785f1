package agent

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceCollector coalesces streamed deltas into sentences so synthesis
// receives whole clauses instead of token-sized fragments. Very long runs
// without punctuation are cut at whitespace.
type sentenceCollector struct {
	minChars int
	maxChars int
	pending  string
}

func newSentenceCollector(minChars int) *sentenceCollector {
	if minChars <= 0 {
		minChars = 8
	}
	return &sentenceCollector{minChars: minChars, maxChars: minChars * 24}
}

func (c *sentenceCollector) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	c.pending += delta
	return c.flush(false)
}

func (c *sentenceCollector) Finalize() []string {
	return c.flush(true)
}

func (c *sentenceCollector) flush(force bool) []string {
	var out []string
	for {
		seg, rest, ok := nextSentence(c.pending, c.minChars, c.maxChars, force)
		if !ok {
			break
		}
		c.pending = rest
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func nextSentence(input string, minChars, maxChars int, force bool) (segment, rest string, ok bool) {
	if strings.TrimSpace(input) == "" {
		return "", "", force && input != ""
	}
	if idx := sentenceBoundary(input, minChars); idx >= 0 {
		return input[:idx], input[idx:], true
	}
	if force {
		return input, "", true
	}
	if len(input) >= maxChars {
		cut := whitespaceCut(input, maxChars)
		return input[:cut], input[cut:], true
	}
	return "", input, false
}

// sentenceBoundary returns the byte offset just past the first sentence end
// at or after minChars. ASCII terminators only count when followed by
// whitespace, so "3.14" and "e.g" mid-stream are not split. CJK terminators
// end a sentence immediately.
func sentenceBoundary(input string, minChars int) int {
	for i, r := range input {
		if i+utf8.RuneLen(r) < minChars {
			continue
		}
		switch r {
		case '。', '！', '？', '…':
			return i + utf8.RuneLen(r)
		case '\n':
			return i + 1
		case '.', '!', '?':
			j := i + 1
			for j < len(input) && strings.ContainsRune(".!?\"')", rune(input[j])) {
				j++
			}
			if j < len(input) {
				next, _ := utf8.DecodeRuneInString(input[j:])
				if unicode.IsSpace(next) {
					return j
				}
			}
		}
	}
	return -1
}

func whitespaceCut(input string, limit int) int {
	if len(input) <= limit {
		return len(input)
	}
	for i := limit; i > limit/2; i-- {
		if input[i] == ' ' || input[i] == '\t' {
			return i
		}
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	if cut == 0 {
		// No rune start in the window (invalid UTF-8): cut at the limit so
		// the collector still makes progress.
		return limit
	}
	return cut
}
