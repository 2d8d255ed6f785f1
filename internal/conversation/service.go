package conversation

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarturn/internal/agent"
	"github.com/antoniostano/avatarturn/internal/avatar"
	"github.com/antoniostano/avatarturn/internal/hooks"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/policy"
	"github.com/antoniostano/avatarturn/internal/voice"
)

// ServiceContext is the set of capabilities available to a turn. It is not
// mutated after construction; per-client copies differ only in Agent.
type ServiceContext struct {
	ConfUID         string
	CharacterName   string
	HumanName       string
	CharacterAvatar string

	Transcriber voice.Transcriber
	Agent       agent.Agent
	Synthesizer voice.Synthesizer
	Translator  voice.Translator
	Store       memory.Store
	Avatar      *avatar.Model

	SpeechFilter   policy.SpeechFilter
	InputHooks     *hooks.Chain
	OutputHooks    *hooks.Chain
	ForcedProvider string
	SliceMS        int

	Logger  zerolog.Logger
	Metrics *observability.Metrics
	Stages  *observability.StageWindow
	Emoji   *EmojiPicker
}

func (s *ServiceContext) Validate() error {
	switch {
	case s == nil:
		return errors.New("service context is nil")
	case s.Transcriber == nil:
		return errors.New("service context: transcriber is required")
	case s.Agent == nil:
		return errors.New("service context: agent is required")
	case s.Synthesizer == nil:
		return errors.New("service context: synthesizer is required")
	case s.Store == nil:
		return errors.New("service context: store is required")
	}
	return nil
}

// WithAgent returns a copy bound to a client's own agent instance.
func (s *ServiceContext) WithAgent(a agent.Agent) *ServiceContext {
	cp := *s
	cp.Agent = a
	return &cp
}
