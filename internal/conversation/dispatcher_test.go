package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarturn/internal/agent"
	"github.com/antoniostano/avatarturn/internal/chatgroup"
	"github.com/antoniostano/avatarturn/internal/hooks"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/protocol"
	"github.com/antoniostano/avatarturn/internal/session"
)

type testRig struct {
	d       *Dispatcher
	svc     *ServiceContext
	mu      sync.Mutex
	senders map[string]*recordingSender
}

func newRig(t *testing.T, mkAgent func() *scriptedAgent) *testRig {
	t.Helper()
	svc := newTestService(t, newFakeSynth(t), &scriptedAgent{})
	factory := func() (agent.Agent, error) { return mkAgent(), nil }
	d, err := NewDispatcher(svc, factory, session.NewManager(time.Minute), chatgroup.NewManager())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	t.Cleanup(d.Shutdown)
	return &testRig{d: d, svc: svc, senders: map[string]*recordingSender{}}
}

func (r *testRig) connect(t *testing.T, uid string) (*recordingSender, *scriptedAgent) {
	t.Helper()
	sink := &recordingSender{}
	c, err := r.d.Connect(context.Background(), uid, sink)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", uid, err)
	}
	r.mu.Lock()
	r.senders[uid] = sink
	r.mu.Unlock()
	return sink, c.Service.Agent.(*scriptedAgent)
}

func (r *testRig) send(t *testing.T, uid string, msg any) {
	t.Helper()
	if err := r.d.HandleMessage(context.Background(), uid, msg); err != nil {
		t.Fatalf("HandleMessage(%s, %T) error = %v", uid, msg, err)
	}
}

func (r *testRig) newHistory(t *testing.T, uid string) string {
	t.Helper()
	r.send(t, uid, protocol.CreateNewHistory{Type: protocol.TypeCreateNewHistory})
	s, err := r.d.Sessions().Get(uid)
	if err != nil || s.HistoryUID == "" {
		t.Fatalf("session %s has no history: %v", uid, err)
	}
	return s.HistoryUID
}

func (r *testRig) waitIdle(t *testing.T, key string) {
	t.Helper()
	waitUntil(t, "turn of "+key+" to finish", func() bool { return !r.d.Registry().Active(key) })
}

func feedAgent() *scriptedAgent {
	return &scriptedAgent{feed: make(chan string)}
}

func TestDispatcherConnectGreeting(t *testing.T) {
	rig := newRig(t, func() *scriptedAgent { return &scriptedAgent{} })
	sink, _ := rig.connect(t, "u1")

	msgs := sink.messages()
	if len(msgs) != 4 {
		t.Fatalf("greeting has %d messages, want 4", len(msgs))
	}
	if ft, ok := msgs[0].(protocol.FullText); !ok || ft.Text != protocol.ConnectedText {
		t.Fatalf("msgs[0] = %#v", msgs[0])
	}
	if sm, ok := msgs[1].(protocol.SetModel); !ok || sm.ClientUID != "u1" {
		t.Fatalf("msgs[1] = %#v", msgs[1])
	}
	if _, ok := msgs[2].(protocol.GroupUpdate); !ok {
		t.Fatalf("msgs[2] = %#v", msgs[2])
	}
	if c, ok := msgs[3].(protocol.Control); !ok || c.Text != protocol.ControlStartMic {
		t.Fatalf("msgs[3] = %#v", msgs[3])
	}
}

func TestDispatcherRejectsSecondTurn(t *testing.T) {
	rig := newRig(t, feedAgent)
	_, a := rig.connect(t, "u1")

	rig.send(t, "u1", protocol.TextInput{Type: protocol.TypeTextInput, Text: "first"})
	err := rig.d.HandleMessage(context.Background(), "u1", protocol.TextInput{Type: protocol.TypeTextInput, Text: "second"})
	if !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("second turn error = %v, want ErrTurnInProgress", err)
	}
	close(a.feed)
	rig.waitIdle(t, "u1")
	if a.lastInput().Text != "first" {
		t.Fatalf("agent input = %q, want first", a.lastInput().Text)
	}
}

func TestDispatcherMicAudioTurn(t *testing.T) {
	rig := newRig(t, func() *scriptedAgent { return &scriptedAgent{sentences: []string{"Heard."}} })
	sink, _ := rig.connect(t, "u1")

	if err := rig.d.HandleMessage(context.Background(), "u1", protocol.MicAudioEnd{Type: protocol.TypeMicAudioEnd}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("mic-audio-end without audio error = %v, want ErrInvalidInput", err)
	}
	rig.send(t, "u1", protocol.MicAudioData{Type: protocol.TypeMicAudioData, Audio: []float32{0.1, 0.2}})
	rig.send(t, "u1", protocol.MicAudioData{Type: protocol.TypeMicAudioData, Audio: []float32{0.3}})
	rig.send(t, "u1", protocol.MicAudioEnd{Type: protocol.TypeMicAudioEnd})
	rig.waitIdle(t, "u1")

	if n := sink.count(func(m any) bool { _, ok := m.(protocol.UserInputTranscription); return ok }); n != 1 {
		t.Fatalf("transcription notifications = %d, want 1", n)
	}
	if n := sink.count(isControl(protocol.ControlChainEnd)); n != 1 {
		t.Fatalf("chain end notifications = %d, want 1", n)
	}
}

func TestDispatcherHistoryLifecycle(t *testing.T) {
	rig := newRig(t, func() *scriptedAgent { return &scriptedAgent{sentences: []string{"Nice to meet you."}} })
	sink, _ := rig.connect(t, "u1")
	hist := rig.newHistory(t, "u1")

	rig.send(t, "u1", protocol.TextInput{Type: protocol.TypeTextInput, Text: "hello"})
	rig.waitIdle(t, "u1")

	rig.send(t, "u1", protocol.FetchHistoryList{Type: protocol.TypeFetchHistoryList})
	rig.send(t, "u1", protocol.FetchAndSetHistory{Type: protocol.TypeFetchAndSetHistory, HistoryUID: hist})
	rig.send(t, "u1", protocol.DeleteHistory{Type: protocol.TypeDeleteHistory, HistoryUID: hist})

	var list protocol.HistoryList
	var data protocol.HistoryData
	var deleted protocol.HistoryDeleted
	for _, m := range sink.messages() {
		switch v := m.(type) {
		case protocol.HistoryList:
			list = v
		case protocol.HistoryData:
			data = v
		case protocol.HistoryDeleted:
			deleted = v
		}
	}
	if len(list.Histories) != 1 || list.Histories[0].UID != hist || list.Histories[0].LatestMessage != "Nice to meet you." {
		t.Fatalf("history list = %+v", list)
	}
	if len(data.Messages) != 2 || data.Messages[0].Role != string(memory.RoleHuman) || data.Messages[1].Content != "Nice to meet you." {
		t.Fatalf("history data = %+v", data)
	}
	if !deleted.Success || deleted.HistoryUID != hist {
		t.Fatalf("history deleted = %+v", deleted)
	}
	if s, _ := rig.d.Sessions().Get("u1"); s.HistoryUID != "" {
		t.Fatalf("session still bound to deleted history %q", s.HistoryUID)
	}
}

func TestDispatcherGroupMembershipNotifications(t *testing.T) {
	rig := newRig(t, func() *scriptedAgent { return &scriptedAgent{} })
	sa, _ := rig.connect(t, "a")
	sb, _ := rig.connect(t, "b")

	rig.send(t, "a", protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: "b"})
	lastUpdate := func(s *recordingSender) protocol.GroupUpdate {
		var u protocol.GroupUpdate
		for _, m := range s.messages() {
			if v, ok := m.(protocol.GroupUpdate); ok {
				u = v
			}
		}
		return u
	}
	if u := lastUpdate(sa); len(u.Members) != 2 || !u.IsOwner {
		t.Fatalf("owner update = %+v", u)
	}
	if u := lastUpdate(sb); len(u.Members) != 2 || u.IsOwner {
		t.Fatalf("member update = %+v", u)
	}

	rig.d.Disconnect(context.Background(), "b")
	if u := lastUpdate(sa); len(u.Members) != 0 {
		t.Fatalf("after disconnect update = %+v, want dissolved group", u)
	}
	if _, ok := rig.d.Groups().ClientGroup("a"); ok {
		t.Fatalf("group of a not dissolved")
	}

	err := rig.d.HandleMessage(context.Background(), "a", protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: "ghost"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	var res protocol.GroupOperationResult
	for _, m := range sa.messages() {
		if v, ok := m.(protocol.GroupOperationResult); ok {
			res = v
		}
	}
	if res.Success {
		t.Fatalf("inviting an unknown client succeeded")
	}
}

func TestDispatcherAISpeakSignal(t *testing.T) {
	rig := newRig(t, func() *scriptedAgent { return &scriptedAgent{sentences: []string{"Did you know?"}} })
	sink, a := rig.connect(t, "u1")
	rig.send(t, "u1", protocol.AISpeakSignal{Type: protocol.TypeAISpeakSignal})
	rig.waitIdle(t, "u1")

	if n := sink.count(func(m any) bool {
		ft, ok := m.(protocol.FullText)
		return ok && ft.Text == protocol.AIWantsToSpeakText
	}); n != 1 {
		t.Fatalf("ai-speak notice count = %d", n)
	}
	if a.lastInput().Text != "" {
		t.Fatalf("proactive turn input = %q, want empty", a.lastInput().Text)
	}
	if texts := sink.audioTexts(); len(texts) != 1 || texts[0] != "Did you know?" {
		t.Fatalf("audio texts = %v", texts)
	}
}

func TestDispatcherUserContextReachesHooks(t *testing.T) {
	rig := newRig(t, func() *scriptedAgent { return &scriptedAgent{sentences: []string{"Sure."}} })
	rig.svc.InputHooks = hooks.NewChain(zerolog.Nop(), hooks.PersonaHint{Hint: "Be warm."})

	if err := rig.d.SetUserContext("ghost", map[string]string{"today_summary": "x"}); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("SetUserContext(unknown) error = %v, want ErrUnknownClient", err)
	}

	_, a := rig.connect(t, "u1")
	if err := rig.d.SetUserContext("u1", map[string]string{"today_summary": "rainy day"}); err != nil {
		t.Fatalf("SetUserContext() error = %v", err)
	}
	rig.send(t, "u1", protocol.TextInput{Type: protocol.TypeTextInput, Text: "hi"})
	rig.waitIdle(t, "u1")

	want := "[persona] Be warm.\n[today] rainy day\n\nhi"
	if got := a.lastInput().Text; got != want {
		t.Fatalf("agent input = %q, want %q", got, want)
	}
}
