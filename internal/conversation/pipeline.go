package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/antoniostano/avatarturn/internal/agent"
	"github.com/antoniostano/avatarturn/internal/hooks"
	"github.com/antoniostano/avatarturn/internal/logging"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/protocol"
)

const (
	scopeIndividual = "individual"
	scopeGroup      = "group"

	cleanupTimeout = 5 * time.Second
)

// TurnInput is one normalized trigger. Exactly one of Text or Audio carries
// the user utterance unless Proactive is set.
type TurnInput struct {
	TurnID    string
	Text      string
	Audio     []float32
	Images    []agent.Image
	FromName  string
	Proactive bool
	// HistoryUIDs lists the chat histories the turn is persisted to. Empty
	// disables persistence.
	HistoryUIDs []string
	UserContext map[string]string
}

// TurnPipeline drives one turn: transcription, generation, ordered speech
// emission and persistence.
type TurnPipeline struct {
	svc     *ServiceContext
	sink    Sender
	speaker string
	scope   string
}

func NewTurnPipeline(svc *ServiceContext, sink Sender) *TurnPipeline {
	return &TurnPipeline{svc: svc, sink: sink, scope: scopeIndividual}
}

// newGroupPipeline labels emitted audio with the character name so members
// can tell speakers apart.
func newGroupPipeline(svc *ServiceContext, sink Sender) *TurnPipeline {
	return &TurnPipeline{svc: svc, sink: sink, speaker: svc.CharacterName, scope: scopeGroup}
}

// Run returns the accumulated response text. On cancellation it returns the
// partial text and context.Canceled without persisting the response.
func (p *TurnPipeline) Run(ctx context.Context, in TurnInput) (string, error) {
	ctx, span := tracer.Start(ctx, "conversation turn")
	span.SetAttributes(attribute.String("turn_id", in.TurnID), attribute.String("scope", p.scope))
	defer span.End()

	start := time.Now()
	logger := p.svc.Logger.With().Str("turn_id", in.TurnID).Str("emoji", p.svc.Emoji.Pick()).Logger()

	text, err := p.run(ctx, logger, in, start)
	outcome := "completed"
	switch {
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
		logger.Info().Str("partial", logging.Preview(text, 0)).Msg("turn cancelled")
	case errors.Is(err, ErrInvalidInput):
		outcome = "invalid"
		logger.Warn().Err(err).Msg("turn dropped")
	case err != nil:
		outcome = "failed"
		recordSpanError(span, err)
		logger.Error().Err(err).Msg("turn failed")
	default:
		logger.Info().Str("response", logging.Preview(text, 0)).Dur("took", time.Since(start)).Msg("turn completed")
	}
	p.svc.Metrics.ObserveTurn(p.scope, outcome, time.Since(start))
	p.svc.Stages.Observe(observability.StageTurnTotal, time.Since(start))
	p.svc.Stages.Count("turn_" + outcome)
	return text, err
}

func (p *TurnPipeline) run(ctx context.Context, logger zerolog.Logger, in TurnInput, start time.Time) (string, error) {
	if err := p.send(ctx, protocol.NewControl(protocol.ControlChainStart)); err != nil {
		return "", err
	}

	text, err := p.normalizeInput(ctx, in, start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		if errors.Is(err, ErrInvalidInput) {
			_ = p.send(ctx, protocol.NewControl(protocol.ControlChainEnd))
			return "", err
		}
		return "", p.fail(ctx, err)
	}
	logger.Info().Str("input", logging.Preview(text, 0)).Bool("proactive", in.Proactive).Msg("turn started")

	if text != "" {
		p.persist(ctx, logger, in, memory.RoleHuman, text, in.FromName)
	}

	hc := hooks.Context{TurnID: in.TurnID, SpeakerName: in.FromName, UserContext: in.UserContext}
	agentInput := agent.Input{
		TurnID:   in.TurnID,
		Text:     p.svc.InputHooks.Apply(ctx, text, hc),
		FromName: in.FromName,
		Images:   in.Images,
	}
	if p.svc.ForcedProvider != "" {
		if ps, ok := p.svc.Agent.(agent.ProviderSetter); ok {
			if err := ps.SetProvider(p.svc.ForcedProvider); err != nil {
				logger.Warn().Err(err).Str("provider", p.svc.ForcedProvider).Msg("forcing llm provider failed")
			}
		}
	}

	genCtx, genSpan := tracer.Start(ctx, "generate response")
	resp, err := p.svc.Agent.Chat(genCtx, agentInput)
	if err != nil {
		recordSpanError(genSpan, err)
		genSpan.End()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", p.fail(ctx, fmt.Errorf("%w: %v", ErrGeneration, err))
	}

	mgr := NewSynthesisTaskManager(p.svc, p.sink, p.speaker)
	mgr.OnFirstAudio(func() {
		p.svc.Stages.Observe(observability.StageFirstAudio, time.Since(start))
	})
	full, genErr := p.consume(ctx, hc, resp, mgr, start)
	genSpan.End()
	submitted := mgr.Submitted()

	if ctx.Err() != nil {
		p.abandon(ctx, mgr)
		return full, ctx.Err()
	}
	if genErr != nil && !errors.Is(genErr, ErrEmission) {
		genErr = fmt.Errorf("%w: %v", ErrGeneration, genErr)
	}
	if drainErr := mgr.Drain(ctx); drainErr != nil {
		if ctx.Err() != nil {
			p.abandon(ctx, mgr)
			return full, ctx.Err()
		}
		if genErr == nil {
			genErr = drainErr
		}
	}
	if genErr != nil {
		return full, p.fail(ctx, genErr)
	}

	if submitted > 0 {
		if err := p.send(ctx, protocol.BackendSynthComplete{Type: protocol.TypeBackendSynthComplete}); err != nil {
			return full, err
		}
	}
	if err := p.send(ctx, protocol.NewControl(protocol.ControlChainEnd)); err != nil {
		return full, err
	}
	if full != "" {
		p.persist(ctx, logger, in, memory.RoleAI, full, p.svc.CharacterName)
	}
	return full, nil
}

func (p *TurnPipeline) normalizeInput(ctx context.Context, in TurnInput, start time.Time) (string, error) {
	if len(in.Audio) == 0 {
		text := strings.TrimSpace(in.Text)
		if text == "" && !in.Proactive {
			return "", fmt.Errorf("%w: empty text", ErrInvalidInput)
		}
		return text, nil
	}

	ctx, span := tracer.Start(ctx, "transcribe")
	defer span.End()
	text, err := p.svc.Transcriber.Transcribe(ctx, in.Audio)
	if err != nil {
		recordSpanError(span, err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	p.svc.Stages.Observe(observability.StageTranscription, time.Since(start))
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcription", ErrInvalidInput)
	}
	if err := p.send(ctx, protocol.UserInputTranscription{Type: protocol.TypeUserInputTranscription, Text: text}); err != nil {
		return "", err
	}
	return text, nil
}

// consume reads the generation sequence selected by resp.Mode and hands
// each sentence to mgr. It stops at the first generation error, as soon as
// ctx is cancelled, and before pulling more text once any send has failed,
// including a failed send from an asynchronous synthesis job.
func (p *TurnPipeline) consume(ctx context.Context, hc hooks.Context, resp agent.Response, mgr *SynthesisTaskManager, start time.Time) (string, error) {
	var parts []string
	first := true
	mark := func(text string) {
		parts = append(parts, text)
		if first {
			first = false
			p.svc.Stages.Observe(observability.StageFirstSentence, time.Since(start))
		}
	}

	switch resp.Mode {
	case agent.ModeAudioText:
		if resp.Segments == nil {
			return "", agent.ErrEmptyReply
		}
		for seg, err := range resp.Segments {
			if err != nil {
				return strings.Join(parts, " "), err
			}
			if ctx.Err() != nil {
				p.svc.Synthesizer.Release(seg.Audio)
				break
			}
			mark(seg.Text)
			display := p.svc.OutputHooks.Apply(ctx, seg.Text, hc)
			if err := mgr.Emit(ctx, seg.Audio, display); err != nil {
				return strings.Join(parts, " "), err
			}
		}
	default:
		if resp.Sentences == nil {
			return "", agent.ErrEmptyReply
		}
		for sentence, err := range resp.Sentences {
			if err != nil {
				return strings.Join(parts, " "), err
			}
			if ctx.Err() != nil {
				break
			}
			if emitErr := mgr.EmissionErr(); emitErr != nil {
				return strings.Join(parts, " "), emitErr
			}
			mark(sentence)
			display := p.svc.OutputHooks.Apply(ctx, sentence, hc)
			mgr.Submit(ctx, p.svc.SpeechFilter.Apply(sentence), display)
		}
	}
	return strings.Join(parts, " "), nil
}

// abandon waits for cancelled jobs to release their audio. They observe the
// same cancellation, so this is short.
func (p *TurnPipeline) abandon(ctx context.Context, mgr *SynthesisTaskManager) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := mgr.Drain(cleanupCtx); err != nil && !errors.Is(err, ErrEmission) {
		p.svc.Logger.Warn().Err(err).Msg("synthesis jobs did not settle after cancellation")
	}
}

// fail reports err once to the session and returns it.
func (p *TurnPipeline) fail(ctx context.Context, err error) error {
	if sendErr := p.send(ctx, protocol.NewError("Conversation error: "+err.Error())); sendErr != nil {
		p.svc.Logger.Debug().Err(sendErr).Msg("error notification not delivered")
	}
	return err
}

func (p *TurnPipeline) send(ctx context.Context, msg any) error {
	if err := p.sink.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrEmission, err)
	}
	return nil
}

// persist stores a turn record in every target history. Failures are logged
// and never abort the turn.
func (p *TurnPipeline) persist(ctx context.Context, logger zerolog.Logger, in TurnInput, role memory.Role, content, name string) {
	for _, hist := range in.HistoryUIDs {
		if hist == "" {
			continue
		}
		msg := memory.Message{
			ConfUID:    p.svc.ConfUID,
			HistoryUID: hist,
			TurnID:     in.TurnID,
			Role:       role,
			Content:    content,
			Name:       name,
		}
		if role == memory.RoleAI {
			msg.Avatar = p.svc.CharacterAvatar
		}
		if err := p.svc.Store.StoreMessage(ctx, msg); err != nil {
			logger.Warn().Err(err).Str("history_uid", hist).Str("role", string(role)).Msg("persist turn record failed")
		}
	}
}
