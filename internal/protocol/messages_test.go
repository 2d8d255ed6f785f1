package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageTextInput(t *testing.T) {
	raw := []byte(`{"type":"text-input","text":"hello there","images":[{"source":"camera","data":"AQID","mime_type":"image/png"}]}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	in, ok := msg.(TextInput)
	if !ok {
		t.Fatalf("message type = %T, want TextInput", msg)
	}
	if in.Text != "hello there" || len(in.Images) != 1 || in.Images[0].MIMEType != "image/png" {
		t.Fatalf("unexpected text input: %+v", in)
	}
}

func TestParseClientMessageRejectsEmptyText(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"text-input","text":"   "}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("error = %v, want ErrInvalidMessage", err)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBrokenJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("error = %v, want ErrInvalidMessage", err)
	}
}

func TestParseClientMessageMicAudio(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"mic-audio-data","audio":[0.1,-0.2,0.3]}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	data, ok := msg.(MicAudioData)
	if !ok || len(data.Audio) != 3 {
		t.Fatalf("unexpected mic audio: %#v", msg)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"mic-audio-data","audio":[]}`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("empty audio error = %v, want ErrInvalidMessage", err)
	}
}

func TestParseClientMessageInterruptKeepsHeardText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"interrupt-signal","text":"Hello, I was"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	sig, ok := msg.(InterruptSignal)
	if !ok || sig.Text != "Hello, I was" {
		t.Fatalf("unexpected interrupt: %#v", msg)
	}
}

func TestParseClientMessageGroupOps(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"add-client-to-group","invitee_uid":"c2"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if add, ok := msg.(AddClientToGroup); !ok || add.InviteeUID != "c2" {
		t.Fatalf("unexpected add: %#v", msg)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"remove-client-from-group"}`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("missing target error = %v, want ErrInvalidMessage", err)
	}
}

func TestAudioPayloadShape(t *testing.T) {
	raw, err := json.Marshal(Audio{
		Type:          TypeAudio,
		Audio:         "UklGRg==",
		Volumes:       []float64{0.5, 1},
		SliceLengthMS: 20,
		Text:          "Hi.",
		Expressions:   []int{3},
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"type", "audio", "volumes", "slice_length_ms", "text", "expressions"} {
		if _, ok := got[key]; !ok {
			t.Fatalf("audio payload missing %q: %s", key, raw)
		}
	}
	if TypeOf(Audio{Type: TypeAudio}) != "audio" {
		t.Fatalf("TypeOf(Audio) = %q", TypeOf(Audio{Type: TypeAudio}))
	}
}

func BenchmarkParseClientMessageTextInput(b *testing.B) {
	raw := []byte(`{"type":"text-input","text":"what is the weather like today?"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(TextInput); !ok {
			b.Fatalf("message type = %T, want TextInput", msg)
		}
	}
}
