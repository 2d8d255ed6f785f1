package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/avatarturn/internal/audio"
	"github.com/antoniostano/avatarturn/internal/protocol"
	"github.com/antoniostano/avatarturn/internal/voice"
)

type options struct {
	baseURL        string
	clientUID      string
	turns          int
	chunkMS        int
	realtime       float64
	wavPath        string
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// turnEvent is what the read loop reports to the replay loop.
type turnEvent struct {
	kind string // "audio", "end" or "error"
	at   time.Time
	text string
}

type turnTiming struct {
	firstAudio time.Duration
	total      time.Duration
	sentences  int
}

var defaultUtterances = []string{
	"Reply in three words: how are you?",
	"Reply in three words: favourite colour?",
	"Reply in three words: weekend plans?",
	"Reply in three words: best snack?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:12393", "avatarturn base URL")
	flag.StringVar(&cfg.clientUID, "client-uid", "perf-replay", "client_uid used for the synthetic connection")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.StringVar(&cfg.wavPath, "wav", "", "replay this WAV file as microphone audio instead of sending text")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "microphone chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&startDelayMS, "start-delay-ms", 300, "delay before first synthetic turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for conversation-chain-end per turn in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	cfg.startDelay = time.Duration(max(startDelayMS, 0)) * time.Millisecond
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond

	cfg.texts = splitUtterances(textsRaw)
	if cfg.texts == nil {
		cfg.texts = slices.Clone(defaultUtterances)
	}
	return cfg, nil
}

func splitUtterances(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	var mic []float32
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		clip, err := audio.DecodeWAV(data)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		if clip.SampleRate != voice.SampleRate {
			fmt.Fprintf(os.Stderr, "perfturn: wav is %dHz, server expects %dHz\n", clip.SampleRate, voice.SampleRate)
		}
		mic = monoSamples(clip)
	}

	wsURL, err := clientWSURL(cfg.baseURL, cfg.clientUID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("perfturn: url=%s turns=%d mic=%v\n", wsURL, cfg.turns, mic != nil)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	events := make(chan turnEvent, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	var timings []turnTiming
	for i := 0; i < cfg.turns; i++ {
		drain(events)
		start := time.Now()
		text := cfg.texts[i%len(cfg.texts)]
		if mic != nil {
			err = sendMicTurn(conn, mic, cfg.chunkMS, cfg.realtime)
		} else {
			err = conn.WriteJSON(protocol.TextInput{Type: protocol.TypeTextInput, Text: text})
		}
		if err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		timing, err := awaitTurnEnd(events, readErrCh, start, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("perfturn: turn %d/%d first_audio=%s total=%s sentences=%d\n",
				i+1, cfg.turns, timing.firstAudio.Round(time.Millisecond), timing.total.Round(time.Millisecond), timing.sentences)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(timings))
	return nil
}

func clientWSURL(baseURL, clientUID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/client-ws"
	if clientUID != "" {
		q := u.Query()
		q.Set("client_uid", clientUID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- turnEvent, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		ev := turnEvent{at: time.Now()}
		switch {
		case env.Type == string(protocol.TypeAudio):
			ev.kind, ev.text = "audio", env.Text
		case env.Type == string(protocol.TypeControl) && env.Text == protocol.ControlChainEnd:
			ev.kind = "end"
		case env.Type == string(protocol.TypeError):
			ev.kind, ev.text = "error", env.Message
		default:
			continue
		}
		select {
		case events <- ev:
		default:
		}
	}
}

func sendMicTurn(conn *websocket.Conn, samples []float32, chunkMS int, realtime float64) error {
	perChunk := max(voice.SampleRate*chunkMS/1000, 1)
	pause := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	for off := 0; off < len(samples); off += perChunk {
		end := min(off+perChunk, len(samples))
		msg := protocol.MicAudioData{Type: protocol.TypeMicAudioData, Audio: samples[off:end]}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		time.Sleep(pause)
	}
	return conn.WriteJSON(protocol.MicAudioEnd{Type: protocol.TypeMicAudioEnd})
}

// awaitTurnEnd collects audio events until conversation-chain-end.
func awaitTurnEnd(events <-chan turnEvent, readErrCh <-chan error, start time.Time, timeout time.Duration) (turnTiming, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var t turnTiming
	for {
		select {
		case ev := <-events:
			switch ev.kind {
			case "audio":
				if t.sentences == 0 {
					t.firstAudio = ev.at.Sub(start)
				}
				t.sentences++
			case "error":
				return t, fmt.Errorf("server error: %s", ev.text)
			case "end":
				t.total = ev.at.Sub(start)
				return t, nil
			}
		case err := <-readErrCh:
			return t, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return t, fmt.Errorf("timeout after %s waiting for %s", timeout, protocol.ControlChainEnd)
		}
	}
}

func drain(events <-chan turnEvent) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// monoSamples averages interleaved channels into float32 microphone samples.
func monoSamples(clip audio.Clip) []float32 {
	ch := max(clip.Channels, 1)
	out := make([]float32, len(clip.Samples)/ch)
	for i := range out {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += clip.Samples[i*ch+c]
		}
		out[i] = float32(sum / float64(ch))
	}
	return out
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func summarize(timings []turnTiming) string {
	first := make([]time.Duration, 0, len(timings))
	total := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		if t.sentences > 0 {
			first = append(first, t.firstAudio)
		}
		total = append(total, t.total)
	}
	slices.Sort(first)
	slices.Sort(total)
	return fmt.Sprintf("perfturn: turns=%d first_audio_p50=%s first_audio_p95=%s total_p50=%s total_p95=%s",
		len(timings),
		percentile(first, 0.5).Round(time.Millisecond), percentile(first, 0.95).Round(time.Millisecond),
		percentile(total, 0.5).Round(time.Millisecond), percentile(total, 0.95).Round(time.Millisecond))
}
