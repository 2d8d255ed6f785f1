package app

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/antoniostano/avatarturn/internal/config"
	"github.com/antoniostano/avatarturn/internal/voice"
)

type engineSetup struct {
	transcriber voice.Transcriber
	synthesizer voice.Synthesizer
	translator  voice.Translator
	detail      string
}

// resolveEngines builds the ASR, TTS and translation engines selected by
// config. One HTTP client is shared by every HTTP engine.
func resolveEngines(cfg config.Config, client *http.Client) (engineSetup, error) {
	var setup engineSetup
	var details []string

	switch cfg.ASRMode {
	case "http":
		setup.transcriber = voice.NewHTTPTranscriber(cfg.ASRURL, client)
		details = append(details, "asr=http")
	case "mock":
		setup.transcriber = voice.NewMockTranscriber()
		details = append(details, "asr=mock")
	default:
		return engineSetup{}, fmt.Errorf("invalid ASR_MODE: %q (expected mock|http)", cfg.ASRMode)
	}

	mockDir := filepath.Join(cfg.AudioCacheDir, "mock")
	switch cfg.TTSMode {
	case "http":
		primary, err := voice.NewHTTPSynthesizer(cfg.TTSURL, cfg.AudioCacheDir, client)
		if err != nil {
			return engineSetup{}, fmt.Errorf("tts engine init failed: %w", err)
		}
		setup.synthesizer = primary
		details = append(details, "tts=http")
		if cfg.TTSFallbackMock {
			fallback, err := voice.NewMockSynthesizer(mockDir)
			if err != nil {
				return engineSetup{}, fmt.Errorf("tts fallback init failed: %w", err)
			}
			setup.synthesizer = voice.NewFailoverSynthesizer(primary, fallback)
			details[len(details)-1] = "tts=http (automatic mock fallback)"
		}
	case "mock":
		s, err := voice.NewMockSynthesizer(mockDir)
		if err != nil {
			return engineSetup{}, fmt.Errorf("tts engine init failed: %w", err)
		}
		setup.synthesizer = s
		details = append(details, "tts=mock")
	default:
		return engineSetup{}, fmt.Errorf("invalid TTS_MODE: %q (expected mock|http)", cfg.TTSMode)
	}

	switch cfg.TranslateMode {
	case "http":
		setup.translator = voice.NewHTTPTranslator(cfg.TranslateURL, client)
		details = append(details, "translate=http")
	case "none", "":
	default:
		return engineSetup{}, fmt.Errorf("invalid TRANSLATE_MODE: %q (expected none|http)", cfg.TranslateMode)
	}

	setup.detail = strings.Join(details, " ")
	return setup, nil
}
