package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarturn/internal/agent"
	"github.com/antoniostano/avatarturn/internal/audio"
	"github.com/antoniostano/avatarturn/internal/avatar"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/policy"
	"github.com/antoniostano/avatarturn/internal/protocol"
	"github.com/antoniostano/avatarturn/internal/voice"
)

// recordingSender keeps every message it is asked to send.
type recordingSender struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

func (s *recordingSender) audios() []protocol.Audio {
	var out []protocol.Audio
	for _, m := range s.messages() {
		if a, ok := m.(protocol.Audio); ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *recordingSender) audioTexts() []string {
	var out []string
	for _, a := range s.audios() {
		out = append(out, a.Text)
	}
	return out
}

func (s *recordingSender) count(match func(any) bool) int {
	n := 0
	for _, m := range s.messages() {
		if match(m) {
			n++
		}
	}
	return n
}

func isControl(text string) func(any) bool {
	return func(m any) bool {
		c, ok := m.(protocol.Control)
		return ok && c.Text == text
	}
}

func isError(m any) bool {
	_, ok := m.(protocol.Error)
	return ok
}

func isInterruptNotice(m any) bool {
	n, ok := m.(protocol.InterruptNotice)
	return ok && n.Text == protocol.InterruptedText
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeSynth writes a short real WAV per sentence after an optional delay.
type fakeSynth struct {
	dir    string
	delays map[string]time.Duration
	fail   map[string]bool

	mu       sync.Mutex
	spoken   []string
	created  []string
	released []string
}

func newFakeSynth(t *testing.T) *fakeSynth {
	return &fakeSynth{dir: t.TempDir(), delays: map[string]time.Duration{}, fail: map[string]bool{}}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (voice.AudioHandle, error) {
	if d := f.delays[text]; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return voice.AudioHandle{}, ctx.Err()
		case <-timer.C:
		}
	}
	if f.fail[text] {
		return voice.AudioHandle{}, fmt.Errorf("synthesis of %q failed", text)
	}
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.5
	}
	f.mu.Lock()
	path := filepath.Join(f.dir, fmt.Sprintf("s%d.wav", len(f.created)))
	f.created = append(f.created, path)
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
	if err := audio.WriteWAVPCM16LEFile(path, audio.Float32ToPCM16LE(samples), 16000); err != nil {
		return voice.AudioHandle{}, err
	}
	return voice.AudioHandle{Path: path}, nil
}

func (f *fakeSynth) Release(h voice.AudioHandle) {
	if h.Path == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h.Path)
}

func (f *fakeSynth) counts() (created, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.released)
}

func (f *fakeSynth) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(_ context.Context, samples []float32) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

// scriptedAgent replies with fixed sentences, or with whatever the test
// pushes on feed when feed is set. An empty string on feed only
// synchronizes with the consumer.
type scriptedAgent struct {
	sentences []string
	tailErr   error
	chatErr   error
	feed      chan string
	synth     voice.Synthesizer

	mu       sync.Mutex
	inputs   []agent.Input
	heard    []string
	provider string
	started  chan struct{}
}

func (a *scriptedAgent) Chat(ctx context.Context, in agent.Input) (agent.Response, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, in)
	started := a.started
	a.mu.Unlock()
	if a.chatErr != nil {
		return agent.Response{}, a.chatErr
	}
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	seq := a.sentenceSeq(ctx)
	if a.synth == nil {
		return agent.Response{Mode: agent.ModeText, Sentences: seq}, nil
	}
	return agent.Response{Mode: agent.ModeAudioText, Segments: func(yield func(agent.SpeechSegment, error) bool) {
		for s, err := range seq {
			if err != nil {
				yield(agent.SpeechSegment{}, err)
				return
			}
			h, err := a.synth.Synthesize(ctx, s)
			if err != nil {
				yield(agent.SpeechSegment{}, err)
				return
			}
			if !yield(agent.SpeechSegment{Audio: h, Text: s}, nil) {
				return
			}
		}
	}}, nil
}

func (a *scriptedAgent) sentenceSeq(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if a.feed == nil {
			for _, s := range a.sentences {
				if !yield(s, nil) {
					return
				}
			}
			if a.tailErr != nil {
				yield("", a.tailErr)
			}
			return
		}
		for {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case s, ok := <-a.feed:
				if !ok {
					return
				}
				if s == "" {
					continue
				}
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}

func (a *scriptedAgent) HandleInterrupt(heard string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heard = append(a.heard, heard)
}

func (a *scriptedAgent) SetProvider(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provider = name
	return nil
}

func (a *scriptedAgent) lastInput() agent.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inputs) == 0 {
		return agent.Input{}
	}
	return a.inputs[len(a.inputs)-1]
}

func (a *scriptedAgent) heardTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.heard...)
}

func newTestService(t *testing.T, synth voice.Synthesizer, a agent.Agent) *ServiceContext {
	t.Helper()
	return &ServiceContext{
		ConfUID:       "conf",
		CharacterName: "Mao",
		HumanName:     "Human",
		Transcriber:   fakeTranscriber{text: "transcribed words"},
		Agent:         a,
		Synthesizer:   synth,
		Store:         memory.NewInMemoryStore(),
		Avatar:        avatar.NewModel("mao", map[string]int{"neutral": 0, "joy": 3}),
		SpeechFilter:  policy.SpeechFilter{IgnoreBrackets: true, IgnoreParentheses: true, IgnoreAsterisks: true},
		SliceMS:       20,
		Logger:        zerolog.Nop(),
		Emoji:         NewEmojiPicker(rand.NewPCG(1, 2)),
	}
}

var errBoom = errors.New("boom")
