package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Context describes the turn a hook runs in.
type Context struct {
	ClientUID   string
	TurnID      string
	SpeakerName string
	// UserContext carries optional per-user facts such as "today_summary".
	UserContext map[string]string
}

// Hook rewrites one piece of text. Returning an error skips the hook.
type Hook interface {
	Name() string
	Transform(ctx context.Context, text string, hc Context) (string, error)
}

// Func adapts a function to Hook.
type Func struct {
	HookName string
	Fn       func(ctx context.Context, text string, hc Context) (string, error)
}

func (f Func) Name() string { return f.HookName }

func (f Func) Transform(ctx context.Context, text string, hc Context) (string, error) {
	return f.Fn(ctx, text, hc)
}

// Chain applies hooks in order. A nil or empty Chain returns text unchanged.
type Chain struct {
	hooks  []Hook
	logger zerolog.Logger
}

func NewChain(logger zerolog.Logger, hooks ...Hook) *Chain {
	out := make([]Hook, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			out = append(out, h)
		}
	}
	return &Chain{hooks: out, logger: logger}
}

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.hooks)
}

func (c *Chain) Apply(ctx context.Context, text string, hc Context) string {
	if c == nil {
		return text
	}
	for _, h := range c.hooks {
		if ctx.Err() != nil {
			return text
		}
		out, err := h.Transform(ctx, text, hc)
		if err != nil {
			c.logger.Warn().Err(err).Str("hook", h.Name()).Str("turn_id", hc.TurnID).Msg("hook failed, skipping")
			continue
		}
		text = out
	}
	return text
}

// ArrayLiteralGuard unwraps inputs that arrive as a JSON array of strings,
// which some clients send for multi-part text.
type ArrayLiteralGuard struct{}

func (ArrayLiteralGuard) Name() string { return "array_literal_guard" }

func (ArrayLiteralGuard) Transform(_ context.Context, text string, _ Context) (string, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return text, nil
	}
	var parts []string
	if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
		return text, nil
	}
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("array literal input has no text")
	}
	return strings.Join(kept, " "), nil
}

// PersonaHint prefixes the agent input with a persona instruction and, when
// present, the user's daily summary.
type PersonaHint struct {
	Hint   string
	Prefix string
}

func (PersonaHint) Name() string { return "persona_hint" }

func (p PersonaHint) Transform(_ context.Context, text string, hc Context) (string, error) {
	hint := strings.TrimSpace(p.Hint)
	if hint == "" {
		return text, nil
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = "[persona]"
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(' ')
	b.WriteString(hint)
	if summary := strings.TrimSpace(hc.UserContext["today_summary"]); summary != "" {
		b.WriteString("\n[today] ")
		b.WriteString(summary)
	}
	b.WriteString("\n\n")
	b.WriteString(text)
	return b.String(), nil
}

// OutputSuffix decorates display text.
type OutputSuffix struct {
	Suffix string
}

func (OutputSuffix) Name() string { return "output_suffix" }

func (o OutputSuffix) Transform(_ context.Context, text string, _ Context) (string, error) {
	if o.Suffix == "" || strings.TrimSpace(text) == "" || strings.HasSuffix(text, o.Suffix) {
		return text, nil
	}
	return text + o.Suffix, nil
}
