package voice

import (
	"context"
	"errors"
)

// SampleRate is the rate of microphone samples sent by avatar clients.
const SampleRate = 16000

var ErrEmptyAudio = errors.New("no audio samples to transcribe")

// Transcriber turns buffered microphone samples into text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// AudioHandle points at a synthesized WAV file owned by the synthesizer
// until Release is called.
type AudioHandle struct {
	Path string
}

// Synthesizer produces speech for one sentence.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (AudioHandle, error)
	Release(h AudioHandle)
}

// Translator rewrites speech text into the synthesis language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}
