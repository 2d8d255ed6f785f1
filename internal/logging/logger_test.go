package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestPreviewFlattensAndTruncates(t *testing.T) {
	got := Preview("hello\nworld", 0)
	if got != "hello world" {
		t.Fatalf("Preview() = %q, want %q", got, "hello world")
	}

	got = Preview("こんにちは世界", 5)
	if got != "こんにちは…" {
		t.Fatalf("Preview() = %q, want rune-based truncation", got)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := ParseLevel(""); got != zerolog.InfoLevel {
		t.Fatalf("ParseLevel(\"\") = %v, want info", got)
	}
	if got := ParseLevel("DEBUG"); got != zerolog.DebugLevel {
		t.Fatalf("ParseLevel(DEBUG) = %v, want debug", got)
	}
}

func TestNewWithWriterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", false)
	log.Debug().Msg("hidden")
	log.Info().Str("client_uid", "c1").Msg("turn started")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (raw %q)", err, buf.String())
	}
	if line["client_uid"] != "c1" || line["message"] != "turn started" {
		t.Fatalf("unexpected log line: %+v", line)
	}
}

func TestPreviewMasksPersonalData(t *testing.T) {
	got := Preview("reach me at sam@example.com", 0)
	if got != "reach me at [REDACTED_EMAIL]" {
		t.Fatalf("Preview() = %q", got)
	}
}
