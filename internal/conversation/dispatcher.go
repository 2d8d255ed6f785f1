package conversation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarturn/internal/agent"
	"github.com/antoniostano/avatarturn/internal/chatgroup"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/protocol"
	"github.com/antoniostano/avatarturn/internal/session"
	"github.com/antoniostano/avatarturn/internal/voice"
)

// maxBufferedSamples caps buffered microphone audio per client (two minutes).
const maxBufferedSamples = voice.SampleRate * 120

// AgentFactory builds the agent instance owned by one client connection.
type AgentFactory func() (agent.Agent, error)

// Dispatcher routes inbound triggers for connected clients to turns,
// interrupts, history management and group membership.
type Dispatcher struct {
	base        *ServiceContext
	newAgent    AgentFactory
	clients     *ClientDirectory
	sessions    *session.Manager
	groups      *chatgroup.Manager
	registry    *Registry
	coordinator *GroupCoordinator
	interrupts  *InterruptController
	logger      zerolog.Logger
	metrics     *observability.Metrics

	mu     sync.Mutex
	audio  map[string][]float32
	userCx map[string]map[string]string
}

func NewDispatcher(base *ServiceContext, newAgent AgentFactory, sessions *session.Manager, groups *chatgroup.Manager) (*Dispatcher, error) {
	if newAgent == nil {
		return nil, errors.New("dispatcher: agent factory is required")
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	clients := NewClientDirectory()
	registry := NewRegistry()
	coordinator := NewGroupCoordinator(registry, groups, clients, sessions, base.Logger, base.Metrics)
	return &Dispatcher{
		base:        base,
		newAgent:    newAgent,
		clients:     clients,
		sessions:    sessions,
		groups:      groups,
		registry:    registry,
		coordinator: coordinator,
		interrupts:  NewInterruptController(registry, coordinator, clients, sessions, base.Logger, base.Metrics),
		logger:      base.Logger,
		metrics:     base.Metrics,
		audio:       make(map[string][]float32),
		userCx:      make(map[string]map[string]string),
	}, nil
}

func (d *Dispatcher) Registry() *Registry { return d.registry }
func (d *Dispatcher) Coordinator() *GroupCoordinator { return d.coordinator }
func (d *Dispatcher) Interrupts() *InterruptController { return d.interrupts }
func (d *Dispatcher) Clients() *ClientDirectory { return d.clients }
func (d *Dispatcher) Service() *ServiceContext { return d.base }
func (d *Dispatcher) Sessions() *session.Manager { return d.sessions }
func (d *Dispatcher) Groups() *chatgroup.Manager { return d.groups }

// Connect registers a client, gives it its own agent and sends the
// connection greeting. An empty clientUID gets a generated one.
func (d *Dispatcher) Connect(ctx context.Context, clientUID string, sender Sender) (*Client, error) {
	a, err := d.newAgent()
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	s := d.sessions.Create(clientUID, d.base.ConfUID)
	svc := d.base.WithAgent(a)
	svc.Logger = d.logger.With().Str("client_uid", s.ClientUID).Logger()
	client := &Client{UID: s.ClientUID, Sender: sender, Service: svc}
	d.clients.Add(client)
	d.metrics.SessionOpened()

	greeting := []any{
		protocol.FullText{Type: protocol.TypeFullText, Text: protocol.ConnectedText},
		protocol.SetModel{Type: protocol.TypeSetModel, ModelInfo: d.base.Avatar.Info(), ClientUID: client.UID},
		protocol.GroupUpdate{Type: protocol.TypeGroupUpdate, Members: []string{}},
		protocol.NewControl(protocol.ControlStartMic),
	}
	for _, msg := range greeting {
		if err := sender.Send(ctx, msg); err != nil {
			d.Disconnect(ctx, client.UID)
			return nil, fmt.Errorf("%w: greeting: %v", ErrEmission, err)
		}
	}
	svc.Logger.Info().Msg("client connected")
	return client, nil
}

// Disconnect cancels the client's turn, leaves its group and forgets it.
func (d *Dispatcher) Disconnect(ctx context.Context, clientUID string) {
	logger := d.logger.With().Str("client_uid", clientUID).Logger()
	if t, ok := d.registry.Get(clientUID); ok {
		t.Cancel()
	}
	if grp, ok := d.groups.ClientGroup(clientUID); ok && d.coordinator.Speaker(grp.ID) == clientUID {
		if err := d.coordinator.Interrupt(ctx, grp.ID, ""); err != nil && !errors.Is(err, ErrNoActiveTurn) {
			logger.Warn().Err(err).Msg("interrupt group turn on disconnect failed")
		}
	}
	if after, before, ok := d.groups.Leave(clientUID); ok {
		d.notifyGroupChange(ctx, after, before)
	}

	d.mu.Lock()
	delete(d.audio, clientUID)
	delete(d.userCx, clientUID)
	d.mu.Unlock()

	if _, ok := d.clients.Get(clientUID); ok {
		d.clients.Remove(clientUID)
		d.metrics.SessionClosed()
	}
	_, _ = d.sessions.End(clientUID)
	logger.Info().Msg("client disconnected")
}

// SetUserContext replaces the per-user facts (for example "today_summary")
// handed to hooks on the client's next turns.
func (d *Dispatcher) SetUserContext(clientUID string, values map[string]string) error {
	if _, ok := d.clients.Get(clientUID); !ok {
		return ErrUnknownClient
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(values) == 0 {
		delete(d.userCx, clientUID)
		return nil
	}
	d.userCx[clientUID] = maps.Clone(values)
	return nil
}

// Shutdown cancels every running turn.
func (d *Dispatcher) Shutdown() {
	d.registry.CancelAll()
}

// HandleMessage routes one parsed trigger from clientUID.
func (d *Dispatcher) HandleMessage(ctx context.Context, clientUID string, msg any) error {
	client, ok := d.clients.Get(clientUID)
	if !ok {
		return ErrUnknownClient
	}
	_ = d.sessions.Touch(clientUID)

	switch m := msg.(type) {
	case protocol.TextInput:
		return d.startTurn(ctx, client, TurnInput{Text: m.Text, Images: toAgentImages(m.Images)})
	case protocol.MicAudioData:
		return d.bufferAudio(clientUID, m.Audio)
	case protocol.MicAudioEnd:
		samples := d.takeAudio(clientUID)
		if len(samples) == 0 {
			d.metrics.ObserveDroppedInput("empty_audio")
			return fmt.Errorf("%w: mic-audio-end without buffered audio", ErrInvalidInput)
		}
		return d.startTurn(ctx, client, TurnInput{Audio: samples, Images: toAgentImages(m.Images)})
	case protocol.AISpeakSignal:
		if err := client.Sender.Send(ctx, protocol.FullText{Type: protocol.TypeFullText, Text: protocol.AIWantsToSpeakText}); err != nil {
			return fmt.Errorf("%w: %v", ErrEmission, err)
		}
		return d.startTurn(ctx, client, TurnInput{Proactive: true})
	case protocol.InterruptSignal:
		return d.interrupt(ctx, clientUID, m.Text)
	case protocol.FetchHistoryList:
		return d.sendHistoryList(ctx, client)
	case protocol.FetchAndSetHistory:
		return d.setHistory(ctx, client, m.HistoryUID)
	case protocol.CreateNewHistory:
		return d.createHistory(ctx, client)
	case protocol.DeleteHistory:
		return d.deleteHistory(ctx, client, m.HistoryUID)
	case protocol.FetchConfInfo:
		return client.Sender.Send(ctx, protocol.ConfigInfo{Type: protocol.TypeConfigInfo, ConfName: d.base.CharacterName, ConfUID: d.base.ConfUID})
	case protocol.AddClientToGroup:
		return d.addToGroup(ctx, client, m.InviteeUID)
	case protocol.RemoveClientFromGroup:
		return d.removeFromGroup(ctx, client, m.TargetUID)
	default:
		d.metrics.ObserveDroppedInput("unsupported")
		return fmt.Errorf("%w: %T", ErrInvalidInput, msg)
	}
}

// startTurn routes to the group floor when the client shares one and to
// the client's own session key otherwise. A second turn while one is
// running is refused with ErrTurnInProgress.
func (d *Dispatcher) startTurn(ctx context.Context, client *Client, in TurnInput) error {
	in.TurnID = uuid.NewString()
	in.FromName = d.base.HumanName
	d.mu.Lock()
	in.UserContext = d.userCx[client.UID]
	d.mu.Unlock()

	var err error
	if grp, ok := d.groups.ClientGroup(client.UID); ok && grp.Len() >= 2 {
		// Group turns outlive the initiator's connection; the group interrupt
		// path or shutdown cancels them.
		_, err = d.coordinator.StartTurn(context.WithoutCancel(ctx), grp.ID, client.UID, in)
	} else {
		if s, sErr := d.sessions.Get(client.UID); sErr == nil && s.HistoryUID != "" {
			in.HistoryUIDs = []string{s.HistoryUID}
		}
		pipeline := NewTurnPipeline(client.Service, client.Sender)
		run := func(ctx context.Context) (string, error) { return pipeline.Run(ctx, in) }
		onDone := func(t *Task) { _ = d.sessions.EndTurn(client.UID, t.TurnID) }
		_, err = d.registry.StartOrReplace(ctx, client.UID, in.TurnID, run, onDone)
	}
	if err != nil {
		if errors.Is(err, ErrTurnInProgress) {
			d.metrics.ObserveDroppedInput("turn_in_progress")
		}
		return err
	}
	_ = d.sessions.StartTurn(client.UID, in.TurnID)
	return nil
}

func (d *Dispatcher) interrupt(ctx context.Context, clientUID, heard string) error {
	if grp, ok := d.groups.ClientGroup(clientUID); ok && grp.Len() >= 2 {
		return d.interrupts.InterruptGroup(ctx, grp.ID, heard)
	}
	return d.interrupts.InterruptIndividual(ctx, clientUID, heard)
}

func (d *Dispatcher) bufferAudio(clientUID string, samples []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.audio[clientUID]
	if len(buf)+len(samples) > maxBufferedSamples {
		d.metrics.ObserveDroppedInput("audio_overflow")
		return fmt.Errorf("%w: buffered audio exceeds limit", ErrInvalidInput)
	}
	d.audio[clientUID] = append(buf, samples...)
	return nil
}

func (d *Dispatcher) takeAudio(clientUID string) []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	samples := d.audio[clientUID]
	delete(d.audio, clientUID)
	return samples
}

func (d *Dispatcher) sendHistoryList(ctx context.Context, client *Client) error {
	infos, err := d.base.Store.ListHistories(ctx, d.base.ConfUID)
	if err != nil {
		return d.sendError(ctx, client, "Failed to list histories", err)
	}
	out := protocol.HistoryList{Type: protocol.TypeHistoryList, Histories: make([]protocol.HistorySummary, 0, len(infos))}
	for _, info := range infos {
		sum := protocol.HistorySummary{UID: info.UID, Timestamp: formatTime(info.UpdatedAt)}
		if info.LatestMessage != nil {
			sum.LatestMessage = info.LatestMessage.Content
		}
		out.Histories = append(out.Histories, sum)
	}
	return client.Sender.Send(ctx, out)
}

func (d *Dispatcher) setHistory(ctx context.Context, client *Client, historyUID string) error {
	msgs, err := d.base.Store.History(ctx, d.base.ConfUID, historyUID)
	if err != nil {
		return d.sendError(ctx, client, "Failed to load history", err)
	}
	if err := d.sessions.SetHistory(client.UID, historyUID); err != nil {
		return err
	}
	if loader, ok := client.Service.Agent.(agent.HistoryLoader); ok {
		loader.SetMemoryFromHistory(msgs)
	}
	out := protocol.HistoryData{Type: protocol.TypeHistoryData, Messages: make([]protocol.HistoryMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, protocol.HistoryMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			Name:      m.Name,
			Timestamp: formatTime(m.CreatedAt),
		})
	}
	return client.Sender.Send(ctx, out)
}

func (d *Dispatcher) createHistory(ctx context.Context, client *Client) error {
	uid, err := d.base.Store.CreateHistory(ctx, d.base.ConfUID)
	if err != nil {
		return d.sendError(ctx, client, "Failed to create history", err)
	}
	if err := d.sessions.SetHistory(client.UID, uid); err != nil {
		return err
	}
	if r, ok := client.Service.Agent.(agent.MemoryResetter); ok {
		r.ResetMemory()
	}
	return client.Sender.Send(ctx, protocol.NewHistoryCreated{Type: protocol.TypeNewHistoryCreated, HistoryUID: uid})
}

func (d *Dispatcher) deleteHistory(ctx context.Context, client *Client, historyUID string) error {
	err := d.base.Store.DeleteHistory(ctx, d.base.ConfUID, historyUID)
	if err != nil && !errors.Is(err, memory.ErrHistoryNotFound) {
		client.Service.Logger.Warn().Err(err).Str("history_uid", historyUID).Msg("delete history failed")
	}
	if err == nil {
		if s, sErr := d.sessions.Get(client.UID); sErr == nil && s.HistoryUID == historyUID {
			_ = d.sessions.SetHistory(client.UID, "")
			if r, ok := client.Service.Agent.(agent.MemoryResetter); ok {
				r.ResetMemory()
			}
		}
	}
	return client.Sender.Send(ctx, protocol.HistoryDeleted{Type: protocol.TypeHistoryDeleted, Success: err == nil, HistoryUID: historyUID})
}

func (d *Dispatcher) addToGroup(ctx context.Context, client *Client, inviteeUID string) error {
	if _, ok := d.clients.Get(inviteeUID); !ok {
		return d.groupResult(ctx, client, false, "Client "+inviteeUID+" is not connected")
	}
	grp, err := d.groups.AddClient(client.UID, inviteeUID)
	if err != nil {
		return d.groupResult(ctx, client, false, err.Error())
	}
	d.notifyGroupChange(ctx, grp, grp.Members)
	return d.groupResult(ctx, client, true, "Added "+inviteeUID+" to the group")
}

func (d *Dispatcher) removeFromGroup(ctx context.Context, client *Client, targetUID string) error {
	after, before, err := d.groups.RemoveClient(client.UID, targetUID)
	if err != nil {
		return d.groupResult(ctx, client, false, err.Error())
	}
	d.notifyGroupChange(ctx, after, before)
	return d.groupResult(ctx, client, true, "Removed "+targetUID+" from the group")
}

// notifyGroupChange sends each current member its view of the group and
// an empty view to every client that is no longer in it.
func (d *Dispatcher) notifyGroupChange(ctx context.Context, after chatgroup.Group, before []string) {
	for _, uid := range after.Members {
		d.sendTo(ctx, uid, protocol.GroupUpdate{Type: protocol.TypeGroupUpdate, Members: after.Members, IsOwner: uid == after.OwnerUID, GroupID: after.ID})
	}
	for _, uid := range before {
		if !slices.Contains(after.Members, uid) {
			d.sendTo(ctx, uid, protocol.GroupUpdate{Type: protocol.TypeGroupUpdate, Members: []string{}})
		}
	}
}

func (d *Dispatcher) sendTo(ctx context.Context, uid string, msg any) {
	c, ok := d.clients.Get(uid)
	if !ok {
		return
	}
	if err := c.Sender.Send(ctx, msg); err != nil {
		d.logger.Debug().Err(err).Str("client_uid", uid).Msg("notification not delivered")
	}
}

func (d *Dispatcher) groupResult(ctx context.Context, client *Client, ok bool, message string) error {
	return client.Sender.Send(ctx, protocol.GroupOperationResult{Type: protocol.TypeGroupOperationResult, Success: ok, Message: message})
}

func (d *Dispatcher) sendError(ctx context.Context, client *Client, what string, err error) error {
	client.Service.Logger.Warn().Err(err).Msg(what)
	return client.Sender.Send(ctx, protocol.NewError(what+": "+err.Error()))
}

func toAgentImages(in []protocol.Image) []agent.Image {
	if len(in) == 0 {
		return nil
	}
	out := make([]agent.Image, 0, len(in))
	for _, img := range in {
		out = append(out, agent.Image{Source: img.Source, Data: img.Data, MIMEType: img.MIMEType})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
