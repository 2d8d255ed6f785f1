package policy

import (
	"regexp"
	"strings"
	"unicode"
)

// SpeechFilter controls which spans of display text are kept out of speech
// synthesis.
type SpeechFilter struct {
	IgnoreBrackets    bool
	IgnoreParentheses bool
	IgnoreAsterisks   bool
	RemoveSpecialChar bool
	RedactPII         bool
}

var (
	bracketSpanPattern     = regexp.MustCompile(`\[[^\[\]]*\]`)
	parenSpanPattern       = regexp.MustCompile(`\([^()]*\)|（[^（）]*）`)
	asteriskSpanPattern    = regexp.MustCompile(`\*{1,2}[^*]+\*{1,2}`)
	speechURLPattern       = regexp.MustCompile(`https?://\S+`)
	speechFencedCode       = regexp.MustCompile("(?s)```.*?```")
	speechInlineCode       = regexp.MustCompile("`[^`]*`")
	speechMarkdownLink     = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	collapseSpacesPattern  = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforePunctuation = regexp.MustCompile(`\s+([.,!?;:])`)
)

// Apply returns the text that should be spoken for one sentence. It may
// return an empty string, in which case the sentence is display-only.
func (f SpeechFilter) Apply(text string) string {
	out := text
	if f.RedactPII {
		out, _ = SpokenRedaction.Apply(out)
	}
	// Markdown links must be unwrapped before bracket spans are dropped.
	out = speechMarkdownLink.ReplaceAllString(out, "$1")
	if f.IgnoreBrackets {
		out = stripNested(out, bracketSpanPattern)
	}
	if f.IgnoreParentheses {
		out = stripNested(out, parenSpanPattern)
	}
	if f.IgnoreAsterisks {
		out = asteriskSpanPattern.ReplaceAllString(out, " ")
	}
	if f.RemoveSpecialChar {
		out = sanitizeSpeechText(out)
	}
	out = collapseSpacesPattern.ReplaceAllString(out, " ")
	out = spaceBeforePunctuation.ReplaceAllString(out, "$1")
	return strings.TrimSpace(out)
}

func stripNested(text string, pattern *regexp.Regexp) string {
	for i := 0; i < 4; i++ {
		next := pattern.ReplaceAllString(text, " ")
		if next == text {
			return next
		}
		text = next
	}
	return text
}

// sanitizeSpeechText removes markup/symbol noise from model text so TTS sounds conversational.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCode.ReplaceAllString(raw, " ")
	raw = speechInlineCode.ReplaceAllString(raw, " ")
	raw = speechURLPattern.ReplaceAllString(raw, " ")

	raw = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"\\", " ",
		"/", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true

	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')', '。', '、', '！', '？':
		return true
	default:
		return false
	}
}
