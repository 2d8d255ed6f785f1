package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/reliability"
)

// HTTPAgent forwards turns to a chat endpoint that answers with plain JSON,
// server-sent events or NDJSON deltas.
type HTTPAgent struct {
	url    string
	client *http.Client
	policy reliability.Policy
	mem    *conversationMemory

	mu       sync.Mutex
	provider string
}

type chatRequest struct {
	TurnID   string        `json:"turn_id"`
	Input    string        `json:"input_text"`
	FromName string        `json:"from_name,omitempty"`
	Images   []Image       `json:"images,omitempty"`
	Provider string        `json:"provider,omitempty"`
	History  []chatMessage `json:"history"`
}

func NewHTTPAgent(url, provider string, client *http.Client) *HTTPAgent {
	if client == nil {
		// Streams can be long; cancellation comes from the turn context.
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPAgent{
		url:      strings.TrimSpace(url),
		client:   client,
		policy:   reliability.DefaultPolicy(),
		mem:      newConversationMemory(0),
		provider: strings.TrimSpace(provider),
	}
}

func (a *HTTPAgent) Chat(ctx context.Context, in Input) (Response, error) {
	a.mu.Lock()
	req := chatRequest{
		TurnID:   in.TurnID,
		Input:    in.Text,
		FromName: in.FromName,
		Images:   in.Images,
		Provider: a.provider,
		History:  a.mem.snapshot(),
	}
	a.mu.Unlock()
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	a.mem.add(roleUser, in.Text)

	return textResponse(func(yield func(string, error) bool) {
		res, err := a.open(ctx, payload)
		if err != nil {
			yield("", err)
			return
		}
		defer res.Body.Close()

		collector := newSentenceCollector(0)
		var full strings.Builder
		stopped := false
		onDelta := func(delta string) bool {
			full.WriteString(delta)
			for _, s := range collector.Consume(delta) {
				if !yield(s, nil) {
					stopped = true
					return false
				}
			}
			return true
		}

		if err := consumeBody(res, onDelta); err != nil {
			if !stopped {
				yield("", err)
			}
			return
		}
		if stopped {
			return
		}
		for _, s := range collector.Finalize() {
			if !yield(s, nil) {
				return
			}
		}
		a.mem.add(roleAssistant, strings.TrimSpace(full.String()))
	}), nil
}

// open retries retryable upstream statuses. Once the body
// starts streaming nothing is retried.
func (a *HTTPAgent) open(ctx context.Context, payload []byte) (*http.Response, error) {
	var res *http.Response
	err := reliability.Retry(ctx, a.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

		r, err := a.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			return &reliability.StatusError{Engine: "agent", Code: r.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// consumeBody feeds deltas to onDelta until the body ends or onDelta
// returns false.
func consumeBody(res *http.Response, onDelta func(string) bool) error {
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStreaming(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	text := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &obj); err == nil {
		text = extractText(obj)
	}
	if text != "" {
		onDelta(text)
	}
	return nil
}

func consumeStreaming(body io.Reader, onDelta func(string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			line = strings.TrimPrefix(rest, " ")
		}
		if strings.TrimSpace(line) == "[DONE]" {
			return nil
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		if delta == "" {
			continue
		}
		if !onDelta(delta) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func (a *HTTPAgent) HandleInterrupt(heardText string) {
	a.mem.interrupted(heardText)
}

func (a *HTTPAgent) SetProvider(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty provider name")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provider = name
	return nil
}

func (a *HTTPAgent) ResetMemory() {
	a.mem.reset()
}

func (a *HTTPAgent) SetMemoryFromHistory(msgs []memory.Message) {
	a.mem.load(msgs)
}

