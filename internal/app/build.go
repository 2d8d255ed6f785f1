package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarturn/internal/agent"
	"github.com/antoniostano/avatarturn/internal/avatar"
	"github.com/antoniostano/avatarturn/internal/chatgroup"
	"github.com/antoniostano/avatarturn/internal/config"
	"github.com/antoniostano/avatarturn/internal/conversation"
	"github.com/antoniostano/avatarturn/internal/hooks"
	"github.com/antoniostano/avatarturn/internal/httpapi"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/policy"
	"github.com/antoniostano/avatarturn/internal/session"
)

const stageWindowSamples = 512

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Dispatcher *conversation.Dispatcher
	Sessions   *session.Manager
	Metrics    *observability.Metrics
	Stages     *observability.StageWindow
	Engines    string

	// Cleanup should be called on shutdown to release external resources (DB connections).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*BuildResult, error) {
	metrics := observability.NewMetricsWithRegistry(cfg.MetricsNamespace, reg)
	stages := observability.NewStageWindow(stageWindowSamples)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	// Engine calls are bounded by the turn context; the client timeout only
	// guards against a stuck upstream.
	engineClient := &http.Client{Timeout: 2 * time.Minute}
	engines, err := resolveEngines(cfg, engineClient)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}

	outputMode, err := agent.ParseOutputMode(cfg.AgentOutputMode)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}
	newAgent := agentFactory(cfg, outputMode, engines)

	baseAgent, err := newAgent()
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("agent init failed: %w", err)
	}

	svc := &conversation.ServiceContext{
		ConfUID:         cfg.ConfUID,
		CharacterName:   cfg.CharacterName,
		HumanName:       cfg.HumanName,
		CharacterAvatar: cfg.CharacterAvatar,
		Transcriber:     engines.transcriber,
		Agent:           baseAgent,
		Synthesizer:     engines.synthesizer,
		Translator:      engines.translator,
		Store:           memoryStore,
		Avatar:          avatar.NewModel(avatarName(cfg), cfg.EmotionMap()),
		SpeechFilter: policy.SpeechFilter{
			IgnoreBrackets:    cfg.TTSIgnoreBrackets,
			IgnoreParentheses: cfg.TTSIgnoreParentheses,
			IgnoreAsterisks:   cfg.TTSIgnoreAsterisks,
			RemoveSpecialChar: cfg.TTSRemoveSpecialChar,
			RedactPII:         cfg.TTSRedactPII,
		},
		InputHooks:     inputHooks(cfg, logger),
		OutputHooks:    outputHooks(cfg, logger),
		ForcedProvider: cfg.AgentProvider,
		SliceMS:        cfg.AudioSliceMS,
		Logger:         logger,
		Metrics:        metrics,
		Stages:         stages,
		Emoji:          conversation.NewEmojiPicker(nil),
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	dispatcher, err := conversation.NewDispatcher(svc, newAgent, sessions, chatgroup.NewManager())
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("idle")
		logger.Info().Str("client_uid", s.ClientUID).Time("last_activity_at", s.LastActivityAt).Msg("client session idle")
	})

	api := httpapi.New(cfg, dispatcher, metrics, stages, logger)

	cleanup := func() error {
		dispatcher.Shutdown()
		var errs []error
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Metrics:    metrics,
		Stages:     stages,
		Engines:    engines.detail,
		Cleanup:    cleanup,
	}, nil
}

// agentFactory returns a constructor for per-client agents. Each client owns
// its agent so conversation memory never leaks between clients.
func agentFactory(cfg config.Config, mode agent.OutputMode, engines engineSetup) conversation.AgentFactory {
	switch cfg.AgentMode {
	case "http":
		client := &http.Client{Timeout: 5 * time.Minute}
		return func() (agent.Agent, error) {
			return agent.NewHTTPAgent(cfg.AgentURL, cfg.AgentProvider, client), nil
		}
	default:
		return func() (agent.Agent, error) {
			if mode == agent.ModeAudioText {
				return agent.NewMockAgent(agent.WithSynthesizer(engines.synthesizer)), nil
			}
			return agent.NewMockAgent(), nil
		}
	}
}

func inputHooks(cfg config.Config, logger zerolog.Logger) *hooks.Chain {
	chain := []hooks.Hook{hooks.ArrayLiteralGuard{}}
	if cfg.HookPersonaHint != "" {
		chain = append(chain, hooks.PersonaHint{Hint: cfg.HookPersonaHint, Prefix: cfg.HookPersonaPrefix})
	}
	return hooks.NewChain(logger.With().Str("chain", "input").Logger(), chain...)
}

func outputHooks(cfg config.Config, logger zerolog.Logger) *hooks.Chain {
	var chain []hooks.Hook
	if cfg.HookOutputSuffix != "" {
		chain = append(chain, hooks.OutputSuffix{Suffix: cfg.HookOutputSuffix})
	}
	return hooks.NewChain(logger.With().Str("chain", "output").Logger(), chain...)
}

func avatarName(cfg config.Config) string {
	if cfg.CharacterAvatar != "" {
		return cfg.CharacterAvatar
	}
	return cfg.CharacterName
}
