package main

import (
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/avatarturn/internal/audio"
)

func TestMonoSamplesDownmix(t *testing.T) {
	clip := audio.Clip{SampleRate: 16000, Channels: 2, Samples: []float64{0.5, -0.5, 0.25, 0.75}}
	got := monoSamples(clip)
	if len(got) != 2 || got[0] != 0 || got[1] != 0.5 {
		t.Fatalf("monoSamples() = %v, want [0 0.5]", got)
	}
}

func TestClientWSURL(t *testing.T) {
	got, err := clientWSURL("https://avatar.example/base/", "u1")
	if err != nil {
		t.Fatalf("clientWSURL() error = %v", err)
	}
	if got != "wss://avatar.example/base/client-ws?client_uid=u1" {
		t.Fatalf("clientWSURL() = %q", got)
	}
	if _, err := clientWSURL("ftp://avatar.example", ""); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestSplitUtterances(t *testing.T) {
	got := splitUtterances(" one | |two|")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("splitUtterances() = %q", got)
	}
	if splitUtterances("  ") != nil {
		t.Fatalf("splitUtterances(blank) should be nil")
	}
}

func TestAwaitTurnEndCountsSentences(t *testing.T) {
	events := make(chan turnEvent, 4)
	start := time.Now()
	events <- turnEvent{kind: "audio", at: start.Add(100 * time.Millisecond)}
	events <- turnEvent{kind: "audio", at: start.Add(150 * time.Millisecond)}
	events <- turnEvent{kind: "end", at: start.Add(300 * time.Millisecond)}

	timing, err := awaitTurnEnd(events, make(chan error), start, time.Second)
	if err != nil {
		t.Fatalf("awaitTurnEnd() error = %v", err)
	}
	if timing.sentences != 2 || timing.firstAudio != 100*time.Millisecond || timing.total != 300*time.Millisecond {
		t.Fatalf("timing = %+v", timing)
	}

	events <- turnEvent{kind: "error", text: "Conversation error: boom"}
	if _, err := awaitTurnEnd(events, make(chan error), start, time.Second); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("awaitTurnEnd() error = %v, want server error", err)
	}
}

func TestSummarizePercentiles(t *testing.T) {
	timings := []turnTiming{
		{firstAudio: 100 * time.Millisecond, total: time.Second, sentences: 1},
		{firstAudio: 300 * time.Millisecond, total: 3 * time.Second, sentences: 2},
		{total: 2 * time.Second},
	}
	got := summarize(timings)
	if !strings.Contains(got, "turns=3") || !strings.Contains(got, "total_p50=2s") || !strings.Contains(got, "first_audio_p50=100ms") {
		t.Fatalf("summarize() = %q", got)
	}
}
