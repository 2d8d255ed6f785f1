package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarturn/internal/agent"
	"github.com/antoniostano/avatarturn/internal/avatar"
	"github.com/antoniostano/avatarturn/internal/chatgroup"
	"github.com/antoniostano/avatarturn/internal/config"
	"github.com/antoniostano/avatarturn/internal/conversation"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/session"
	"github.com/antoniostano/avatarturn/internal/voice"
)

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *conversation.Dispatcher) {
	t.Helper()
	synth, err := voice.NewMockSynthesizer(t.TempDir())
	if err != nil {
		t.Fatalf("NewMockSynthesizer() error = %v", err)
	}
	metrics := observability.NewMetricsWithRegistry("test_httpapi", prometheus.NewRegistry())
	stages := observability.NewStageWindow(64)
	svc := &conversation.ServiceContext{
		ConfUID:       "conf",
		CharacterName: "Mao",
		HumanName:     "Human",
		Transcriber:   voice.NewMockTranscriber(),
		Agent:         agent.NewMockAgent(),
		Synthesizer:   synth,
		Store:         memory.NewInMemoryStore(),
		Avatar:        avatar.NewModel("mao", map[string]int{"neutral": 0}),
		SliceMS:       20,
		Logger:        zerolog.Nop(),
		Metrics:       metrics,
		Stages:        stages,
	}
	factory := func() (agent.Agent, error) { return agent.NewMockAgent(), nil }
	d, err := conversation.NewDispatcher(svc, factory, session.NewManager(time.Minute), chatgroup.NewManager())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	t.Cleanup(d.Shutdown)

	if cfg.InboundRate == 0 {
		cfg.InboundRate = 100
	}
	if cfg.InboundBurst == 0 {
		cfg.InboundBurst = 100
	}
	srv := New(cfg, d, metrics, stages, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, d
}

func dialClient(t *testing.T, ts *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/client-ws?client_uid=" + uid
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// readUntil returns every message up to and including the first one that
// matches.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) []map[string]any {
	t.Helper()
	var out []map[string]any
	for i := 0; i < 200; i++ {
		msg := readMessage(t, conn)
		out = append(out, msg)
		if match(msg) {
			return out
		}
	}
	t.Fatalf("no matching message in %d reads", len(out))
	return nil
}

func isChainEnd(msg map[string]any) bool {
	return msg["type"] == "control" && msg["text"] == "conversation-chain-end"
}

func TestHealthAndStages(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{ConfUID: "conf"})

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	stagesRes, err := http.Get(ts.URL + "/debug/stages")
	if err != nil {
		t.Fatalf("GET /debug/stages error = %v", err)
	}
	defer stagesRes.Body.Close()
	if stagesRes.StatusCode != http.StatusOK {
		t.Fatalf("GET /debug/stages status = %d, want %d", stagesRes.StatusCode, http.StatusOK)
	}
}

func TestClientWSTextTurn(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})
	conn := dialClient(t, ts, "client-1")

	greeting := []string{"full-text", "set-model", "group-update", "control"}
	for _, want := range greeting {
		if got := readMessage(t, conn)["type"]; got != want {
			t.Fatalf("greeting message type = %v, want %s", got, want)
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "create-new-history"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	created := readMessage(t, conn)
	historyUID, _ := created["history_uid"].(string)
	if created["type"] != "new-history-created" || historyUID == "" {
		t.Fatalf("create-new-history reply = %+v", created)
	}

	if err := conn.WriteJSON(map[string]any{"type": "text-input", "text": "hello there"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	msgs := readUntil(t, conn, isChainEnd)

	var spoken []string
	sawStart, sawComplete := false, false
	for _, m := range msgs {
		switch m["type"] {
		case "control":
			if m["text"] == "conversation-chain-start" {
				sawStart = true
			}
		case "audio":
			if m["audio"] == "" {
				t.Fatalf("audio message without payload: %+v", m)
			}
			spoken = append(spoken, m["text"].(string))
		case "backend-synth-complete":
			sawComplete = true
		}
	}
	if !sawStart || !sawComplete {
		t.Fatalf("chain start=%v synth complete=%v in %+v", sawStart, sawComplete, msgs)
	}
	if got := strings.Join(spoken, " "); !strings.Contains(got, "I heard you: hello there.") {
		t.Fatalf("spoken text = %q", got)
	}

	// The AI message is persisted after the chain ends.
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := http.Get(ts.URL + "/v1/histories/" + historyUID)
		if err != nil {
			t.Fatalf("GET history error = %v", err)
		}
		var payload struct {
			Messages []memory.Message `json:"messages"`
		}
		err = json.NewDecoder(res.Body).Decode(&payload)
		res.Body.Close()
		if err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(payload.Messages) == 2 {
			if payload.Messages[0].Role != memory.RoleHuman || payload.Messages[1].Role != memory.RoleAI {
				t.Fatalf("history roles = %s, %s", payload.Messages[0].Role, payload.Messages[1].Role)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d messages, want 2", len(payload.Messages))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientWSInvalidMessageKeepsConnection(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})
	conn := dialClient(t, ts, "client-2")
	for range 4 {
		readMessage(t, conn)
	}

	if err := conn.WriteJSON(map[string]any{"type": "text-input", "text": "  "}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, conn); msg["type"] != "error" {
		t.Fatalf("reply to empty text-input = %+v, want error", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "fetch-conf-info"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "config-info" || msg["conf_name"] != "Mao" {
		t.Fatalf("config-info reply = %+v", msg)
	}
}

func TestClientWSDisconnectForgetsClient(t *testing.T) {
	ts, d := newTestServer(t, config.Config{})
	conn := dialClient(t, ts, "client-3")
	for range 4 {
		readMessage(t, conn)
	}
	if _, ok := d.Clients().Get("client-3"); !ok {
		t.Fatalf("client-3 not registered after connect")
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := d.Clients().Get("client-3"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client-3 still registered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientWSRejectsForeignOrigin(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/client-ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatalf("Dial() with foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", res)
	}
}

func TestGetUnknownHistory(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})
	res, err := http.Get(ts.URL + "/v1/histories/missing")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestPutUserContext(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})
	put := func(uid, body string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/clients/"+uid+"/context", strings.NewReader(body))
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT context error = %v", err)
		}
		res.Body.Close()
		return res.StatusCode
	}

	if got := put("nobody", `{"today_summary":"rainy"}`); got != http.StatusNotFound {
		t.Fatalf("PUT unknown client status = %d, want %d", got, http.StatusNotFound)
	}

	conn := dialClient(t, ts, "client-ctx")
	for range 4 {
		readMessage(t, conn)
	}
	if got := put("client-ctx", `{"today_summary":"rainy"}`); got != http.StatusNoContent {
		t.Fatalf("PUT context status = %d, want %d", got, http.StatusNoContent)
	}
	if got := put("client-ctx", `not json`); got != http.StatusBadRequest {
		t.Fatalf("PUT bad json status = %d, want %d", got, http.StatusBadRequest)
	}
}
