package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/voice"
)

// OutputMode is declared by an agent once per turn and selects which
// sequence of a Response carries the reply.
type OutputMode int

const (
	// ModeText yields sentences that still need speech synthesis.
	ModeText OutputMode = iota
	// ModeAudioText yields sentences already synthesized upstream.
	ModeAudioText
)

func (m OutputMode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeAudioText:
		return "audio_text"
	default:
		return fmt.Sprintf("OutputMode(%d)", int(m))
	}
}

// ParseOutputMode maps a config value onto an OutputMode.
func ParseOutputMode(s string) (OutputMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return ModeText, nil
	case "audio_text", "audio-text":
		return ModeAudioText, nil
	default:
		return ModeText, fmt.Errorf("unknown agent output mode %q", s)
	}
}

var ErrEmptyReply = errors.New("agent produced no reply")

type Image struct {
	Source   string `json:"source"`
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// Input is the normalized user turn handed to an agent.
type Input struct {
	TurnID   string  `json:"turn_id"`
	Text     string  `json:"text"`
	FromName string  `json:"from_name,omitempty"`
	Images   []Image `json:"images,omitempty"`
}

// SpeechSegment is one sentence with its synthesized audio.
type SpeechSegment struct {
	Audio voice.AudioHandle
	Text  string
}

// Response is a tagged union: Sentences is set for ModeText, Segments for
// ModeAudioText. Both sequences stop at the first error.
type Response struct {
	Mode      OutputMode
	Sentences iter.Seq2[string, error]
	Segments  iter.Seq2[SpeechSegment, error]
}

// Agent is the generation capability used by a turn.
type Agent interface {
	Chat(ctx context.Context, in Input) (Response, error)
	// HandleInterrupt tells the agent how much of its reply the user heard.
	HandleInterrupt(heardText string)
}

// ProviderSetter is implemented by agents that can switch LLM provider.
type ProviderSetter interface {
	SetProvider(name string) error
}

// MemoryResetter is implemented by agents that keep conversation memory.
type MemoryResetter interface {
	ResetMemory()
}

// HistoryLoader is implemented by agents that can seed memory from a
// persisted chat history.
type HistoryLoader interface {
	SetMemoryFromHistory(msgs []memory.Message)
}

func textResponse(seq iter.Seq2[string, error]) Response {
	return Response{Mode: ModeText, Sentences: seq}
}

func audioTextResponse(seq iter.Seq2[SpeechSegment, error]) Response {
	return Response{Mode: ModeAudioText, Segments: seq}
}
