package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/avatarturn/internal/audio"
	"github.com/antoniostano/avatarturn/internal/reliability"
)

const maxEngineResponseBytes = 32 << 20

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// HTTPTranscriber posts WAV audio to a whisper-server compatible
// /inference endpoint.
type HTTPTranscriber struct {
	url    string
	client *http.Client
	policy reliability.Policy
}

func NewHTTPTranscriber(url string, client *http.Client) *HTTPTranscriber {
	return &HTTPTranscriber{url: strings.TrimRight(url, "/"), client: defaultHTTPClient(client), policy: reliability.DefaultPolicy()}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", ErrEmptyAudio
	}
	wav, err := audio.EncodeWAVPCM16LE(audio.Float32ToPCM16LE(samples), SampleRate)
	if err != nil {
		return "", err
	}

	var text string
	err = reliability.Retry(ctx, t.policy, func(ctx context.Context) error {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", "audio.wav")
		if err != nil {
			return err
		}
		if _, err := fw.Write(wav); err != nil {
			return err
		}
		_ = mw.WriteField("temperature", "0.0")
		_ = mw.WriteField("response_format", "json")
		if err := mw.Close(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/inference", &body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		b, err := doEngineRequest(ctx, t.client, req, "asr")
		if err != nil {
			return err
		}
		var out struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("asr: decode response: %w", err)
		}
		text = strings.TrimSpace(out.Text)
		return nil
	})
	return text, err
}

// HTTPSynthesizer posts {"text": ...} and expects WAV bytes back, which are
// cached on disk until released.
type HTTPSynthesizer struct {
	url    string
	dir    string
	client *http.Client
	policy reliability.Policy
}

func NewHTTPSynthesizer(url, cacheDir string, client *http.Client) (*HTTPSynthesizer, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	return &HTTPSynthesizer{url: url, dir: cacheDir, client: defaultHTTPClient(client), policy: reliability.DefaultPolicy()}, nil
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (AudioHandle, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return AudioHandle{}, err
	}
	var wav []byte
	err = reliability.Retry(ctx, s.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/wav")
		wav, err = doEngineRequest(ctx, s.client, req, "tts")
		return err
	})
	if err != nil {
		return AudioHandle{}, err
	}
	if _, err := audio.DecodeWAV(wav); err != nil {
		return AudioHandle{}, fmt.Errorf("tts: %w", err)
	}
	path := filepath.Join(s.dir, "tts-"+uuid.NewString()+".wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return AudioHandle{}, fmt.Errorf("tts: cache audio: %w", err)
	}
	return AudioHandle{Path: path}, nil
}

func (s *HTTPSynthesizer) Release(h AudioHandle) {
	releaseFile(h)
}

// HTTPTranslator posts {"text": ...} and reads {"text": ...}.
type HTTPTranslator struct {
	url    string
	client *http.Client
	policy reliability.Policy
}

func NewHTTPTranslator(url string, client *http.Client) *HTTPTranslator {
	return &HTTPTranslator{url: url, client: defaultHTTPClient(client), policy: reliability.DefaultPolicy()}
}

func (t *HTTPTranslator) Translate(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	err = reliability.Retry(ctx, t.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		b, err := doEngineRequest(ctx, t.client, req, "translate")
		if err != nil {
			return err
		}
		return json.Unmarshal(b, &out)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func doEngineRequest(ctx context.Context, client *http.Client, req *http.Request, engine string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("%s: %w", engine, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", engine, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &reliability.StatusError{Engine: engine, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return b, nil
}
