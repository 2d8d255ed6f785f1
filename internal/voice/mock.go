package voice

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/antoniostano/avatarturn/internal/audio"
)

// MockTranscriber is a local fallback used when no ASR engine is configured.
type MockTranscriber struct {
	Text string
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{Text: "simulated voice input"}
}

func (m *MockTranscriber) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", ErrEmptyAudio
	}
	return m.Text, nil
}

// MockSynthesizer writes a short tone per sentence so the whole audio
// payload path can run without a TTS engine.
type MockSynthesizer struct {
	dir        string
	sampleRate int
}

func NewMockSynthesizer(cacheDir string) (*MockSynthesizer, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	return &MockSynthesizer{dir: cacheDir, sampleRate: 16000}, nil
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) (AudioHandle, error) {
	if err := ctx.Err(); err != nil {
		return AudioHandle{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return AudioHandle{}, fmt.Errorf("mock synthesize: empty text")
	}
	// Roughly 60ms per character, 300ms minimum.
	durMS := max(300, 60*utf8.RuneCountInString(text))
	n := m.sampleRate * durMS / 1000
	samples := make([]float32, n)
	for i := range samples {
		env := math.Sin(math.Pi * float64(i) / float64(n))
		samples[i] = float32(0.3 * env * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}
	path := filepath.Join(m.dir, "mock-"+uuid.NewString()+".wav")
	if err := audio.WriteWAVPCM16LEFile(path, audio.Float32ToPCM16LE(samples), m.sampleRate); err != nil {
		return AudioHandle{}, fmt.Errorf("mock synthesize: %w", err)
	}
	return AudioHandle{Path: path}, nil
}

func (m *MockSynthesizer) Release(h AudioHandle) {
	releaseFile(h)
}

func releaseFile(h AudioHandle) {
	if h.Path == "" {
		return
	}
	_ = os.Remove(h.Path)
}
