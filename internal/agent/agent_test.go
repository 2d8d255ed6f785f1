package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/voice"
)

func collectSentences(t *testing.T, resp Response) []string {
	t.Helper()
	if resp.Mode != ModeText || resp.Sentences == nil {
		t.Fatalf("response mode = %v, want text with sentences", resp.Mode)
	}
	var out []string
	for s, err := range resp.Sentences {
		if err != nil {
			t.Fatalf("sentence stream error = %v", err)
		}
		out = append(out, s)
	}
	return out
}

func TestMockAgentRemembersEarlierInput(t *testing.T) {
	a := NewMockAgent()
	resp, err := a.Chat(context.Background(), Input{Text: "hello"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	first := strings.Join(collectSentences(t, resp), " ")
	if first != "I heard you: hello." {
		t.Fatalf("first reply = %q", first)
	}

	resp, err = a.Chat(context.Background(), Input{Text: "again"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	second := strings.Join(collectSentences(t, resp), " ")
	if !strings.Contains(second, "I also remember: hello") {
		t.Fatalf("second reply = %q, want memory mention", second)
	}
}

func TestMockAgentHandleInterruptRewritesMemory(t *testing.T) {
	a := NewMockAgent()
	resp, _ := a.Chat(context.Background(), Input{Text: "tell me a story"})
	_ = collectSentences(t, resp)

	a.HandleInterrupt("I heard")
	msgs := a.mem.snapshot()
	if len(msgs) != 3 {
		t.Fatalf("memory length = %d, want 3", len(msgs))
	}
	if msgs[1].Role != roleAssistant || msgs[1].Content != "I heard" {
		t.Fatalf("assistant entry = %+v, want heard text", msgs[1])
	}
	if msgs[2].Role != roleSystem || msgs[2].Content != memory.InterruptMarker {
		t.Fatalf("last entry = %+v, want interrupt marker", msgs[2])
	}
}

func TestMockAgentAbandonedStreamIsNotRemembered(t *testing.T) {
	a := NewMockAgent()
	resp, _ := a.Chat(context.Background(), Input{Text: "one. two. three."})
	for range resp.Sentences {
		break
	}
	a.HandleInterrupt("I heard you")
	msgs := a.mem.snapshot()
	if len(msgs) != 3 || msgs[1].Content != "I heard you" {
		t.Fatalf("memory = %+v, want user, heard, marker", msgs)
	}
}

func TestMockAgentStopsOnCancel(t *testing.T) {
	a := NewMockAgent(WithTokenDelay(20 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	resp, err := a.Chat(ctx, Input{Text: "a fairly long input that takes a while"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	time.AfterFunc(30*time.Millisecond, cancel)
	var gotErr error
	for _, err := range resp.Sentences {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Fatalf("stream error = %v, want context.Canceled", gotErr)
	}
}

func TestMockAgentMemoryHelpers(t *testing.T) {
	a := NewMockAgent()
	a.SetMemoryFromHistory([]memory.Message{
		{Role: memory.RoleHuman, Content: "hi"},
		{Role: memory.RoleAI, Content: "hello"},
	})
	if got := a.mem.snapshot(); len(got) != 2 || got[0].Role != roleUser || got[1].Role != roleAssistant {
		t.Fatalf("loaded memory = %+v", got)
	}
	a.ResetMemory()
	if got := a.mem.snapshot(); len(got) != 0 {
		t.Fatalf("memory after reset = %+v", got)
	}
	if err := a.SetProvider("ollama"); err != nil || a.Provider() != "ollama" {
		t.Fatalf("SetProvider() = %v, provider %q", err, a.Provider())
	}
}

type fakeSynth struct {
	mu       sync.Mutex
	released []voice.AudioHandle
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (voice.AudioHandle, error) {
	return voice.AudioHandle{Path: "/tmp/" + text}, nil
}

func (f *fakeSynth) Release(h voice.AudioHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h)
}

func TestMockAgentAudioTextMode(t *testing.T) {
	a := NewMockAgent(WithSynthesizer(&fakeSynth{}))
	resp, err := a.Chat(context.Background(), Input{Text: "hello"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Mode != ModeAudioText || resp.Segments == nil || resp.Sentences != nil {
		t.Fatalf("response = %+v, want audio_text segments only", resp)
	}
	var n int
	for seg, err := range resp.Segments {
		if err != nil {
			t.Fatalf("segment error = %v", err)
		}
		if seg.Audio.Path != "/tmp/"+seg.Text {
			t.Fatalf("segment = %+v, audio does not match text", seg)
		}
		n++
	}
	if n != 1 {
		t.Fatalf("segments = %d, want 1", n)
	}
}

func TestHTTPAgentStreamsSSE(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hello", " there.", " How are", " you?"} {
			b, _ := json.Marshal(map[string]string{"delta": d})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, ": keepalive\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewHTTPAgent(srv.URL, "", srv.Client())
	if err := a.SetProvider("openai"); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}
	resp, err := a.Chat(context.Background(), Input{TurnID: "t1", Text: "hi", FromName: "Ann"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	sentences := collectSentences(t, resp)
	if len(sentences) != 2 || sentences[0] != "Hello there." || sentences[1] != "How are you?" {
		t.Fatalf("sentences = %q", sentences)
	}
	if got.Input != "hi" || got.Provider != "openai" || got.TurnID != "t1" || got.FromName != "Ann" {
		t.Fatalf("request = %+v", got)
	}
	msgs := a.mem.snapshot()
	if len(msgs) != 2 || msgs[1].Content != "Hello there. How are you?" {
		t.Fatalf("memory = %+v", msgs)
	}
}

func TestHTTPAgentNDJSONAndPlainJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plain" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"text":"Just one answer."}`)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, "{\"delta\":\"Hi\"}\n{\"delta\":\" there.\"}\n[DONE]\n")
	}))
	defer srv.Close()

	for path, want := range map[string]string{"/plain": "Just one answer.", "/nd": "Hi there."} {
		a := NewHTTPAgent(srv.URL+path, "", srv.Client())
		resp, err := a.Chat(context.Background(), Input{Text: "x"})
		if err != nil {
			t.Fatalf("Chat(%s) error = %v", path, err)
		}
		if got := strings.Join(collectSentences(t, resp), " "); got != want {
			t.Fatalf("Chat(%s) = %q, want %q", path, got, want)
		}
	}
}

func TestHTTPAgentRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "recovered.")
	}))
	defer srv.Close()

	a := NewHTTPAgent(srv.URL, "", srv.Client())
	a.policy.Base = time.Millisecond
	resp, err := a.Chat(context.Background(), Input{Text: "x"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := collectSentences(t, resp); len(got) != 1 || got[0] != "recovered." {
		t.Fatalf("sentences = %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPAgentReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAgent(srv.URL, "", srv.Client())
	resp, err := a.Chat(context.Background(), Input{Text: "x"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	var gotErr error
	for _, err := range resp.Sentences {
		gotErr = err
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "400") {
		t.Fatalf("stream error = %v, want status 400", gotErr)
	}
}

func TestParseOutputMode(t *testing.T) {
	if m, err := ParseOutputMode("audio_text"); err != nil || m != ModeAudioText {
		t.Fatalf("ParseOutputMode(audio_text) = %v, %v", m, err)
	}
	if _, err := ParseOutputMode("video"); err == nil {
		t.Fatalf("ParseOutputMode(video) expected error")
	}
}
