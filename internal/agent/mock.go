package agent

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/voice"
)

// MockAgent provides deterministic local replies when no LLM is configured.
// In ModeAudioText it synthesizes each sentence itself, standing in for an
// upstream that returns speech.
type MockAgent struct {
	mode       OutputMode
	synth      voice.Synthesizer
	tokenDelay time.Duration
	mem        *conversationMemory

	mu       sync.Mutex
	provider string
}

type MockOption func(*MockAgent)

// WithTokenDelay paces streamed words, which lets tests interrupt mid-reply.
func WithTokenDelay(d time.Duration) MockOption {
	return func(a *MockAgent) { a.tokenDelay = d }
}

// WithSynthesizer switches the mock to ModeAudioText.
func WithSynthesizer(s voice.Synthesizer) MockOption {
	return func(a *MockAgent) {
		if s != nil {
			a.synth = s
			a.mode = ModeAudioText
		}
	}
}

func NewMockAgent(opts ...MockOption) *MockAgent {
	a := &MockAgent{mode: ModeText, mem: newConversationMemory(0)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *MockAgent) Chat(ctx context.Context, in Input) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	reply := a.buildReply(in)
	a.mem.add(roleUser, in.Text)

	words := a.stream(ctx, reply)
	if a.mode == ModeAudioText {
		return audioTextResponse(a.synthesized(ctx, words)), nil
	}
	return textResponse(words), nil
}

// stream yields sentences word by word and records the full reply in memory
// only when the consumer reads it to the end.
func (a *MockAgent) stream(ctx context.Context, reply string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		collector := newSentenceCollector(0)
		var full []string
		for i, word := range strings.Fields(reply) {
			if err := sleepCtx(ctx, a.tokenDelay); err != nil {
				yield("", err)
				return
			}
			delta := word
			if i > 0 {
				delta = " " + word
			}
			for _, s := range collector.Consume(delta) {
				full = append(full, s)
				if !yield(s, nil) {
					return
				}
			}
		}
		for _, s := range collector.Finalize() {
			full = append(full, s)
			if !yield(s, nil) {
				return
			}
		}
		a.mem.add(roleAssistant, strings.Join(full, " "))
	}
}

func (a *MockAgent) synthesized(ctx context.Context, sentences iter.Seq2[string, error]) iter.Seq2[SpeechSegment, error] {
	return func(yield func(SpeechSegment, error) bool) {
		for s, err := range sentences {
			if err != nil {
				yield(SpeechSegment{}, err)
				return
			}
			h, err := a.synth.Synthesize(ctx, s)
			if err != nil {
				yield(SpeechSegment{}, fmt.Errorf("mock agent synthesize: %w", err))
				return
			}
			if !yield(SpeechSegment{Audio: h, Text: s}, nil) {
				a.synth.Release(h)
				return
			}
		}
	}
}

func (a *MockAgent) buildReply(in Input) string {
	base := strings.TrimSpace(in.Text)
	if base == "" {
		base = "I am listening."
	}
	reply := fmt.Sprintf("I heard you: %s.", strings.TrimRight(base, ".!? "))
	for _, msg := range a.mem.snapshot() {
		if msg.Role == roleUser {
			// Mention the earliest remembered user line.
			return reply + " I also remember: " + msg.Content
		}
	}
	return reply
}

func (a *MockAgent) HandleInterrupt(heardText string) {
	a.mem.interrupted(heardText)
}

func (a *MockAgent) SetProvider(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provider = strings.TrimSpace(name)
	return nil
}

// Provider returns the last provider forced on the agent.
func (a *MockAgent) Provider() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provider
}

func (a *MockAgent) ResetMemory() {
	a.mem.reset()
}

func (a *MockAgent) SetMemoryFromHistory(msgs []memory.Message) {
	a.mem.load(msgs)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
