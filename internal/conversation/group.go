package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/avatarturn/internal/chatgroup"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/protocol"
	"github.com/antoniostano/avatarturn/internal/session"
)

// floor is the turn state of one group: Idle when speaker is empty,
// Speaking(speaker) otherwise.
type floor struct {
	speaker string
	turnID  string
	members []string
}

// GroupCoordinator runs turns for clients sharing a group. A group has one
// floor: at most one member speaks at a time, and its output is broadcast
// to every member.
type GroupCoordinator struct {
	registry *Registry
	groups   *chatgroup.Manager
	clients  *ClientDirectory
	sessions *session.Manager
	logger   zerolog.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	floors map[string]floor
}

func NewGroupCoordinator(registry *Registry, groups *chatgroup.Manager, clients *ClientDirectory, sessions *session.Manager, logger zerolog.Logger, metrics *observability.Metrics) *GroupCoordinator {
	return &GroupCoordinator{
		registry: registry,
		groups:   groups,
		clients:  clients,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
		floors:   make(map[string]floor),
	}
}

// StartTurn gives the floor to initiatorUID and runs the turn with the
// initiator's capabilities, broadcasting to the members at start time.
func (g *GroupCoordinator) StartTurn(ctx context.Context, groupID, initiatorUID string, in TurnInput) (*Task, error) {
	grp, ok := g.groups.Group(groupID)
	if !ok {
		return nil, ErrUnknownGroup
	}
	initiator, ok := g.clients.Get(initiatorUID)
	if !ok {
		return nil, ErrUnknownClient
	}
	members := slices.Clone(grp.Members)
	logger := g.logger.With().Str("group_id", groupID).Str("client_uid", initiatorUID).Logger()

	in.HistoryUIDs = nil
	for _, uid := range members {
		if s, err := g.sessions.Get(uid); err == nil && s.HistoryUID != "" {
			in.HistoryUIDs = append(in.HistoryUIDs, s.HistoryUID)
		}
	}
	sink := broadcastSender{dir: g.clients, members: members, logger: logger}
	pipeline := newGroupPipeline(initiator.Service, sink)

	run := func(ctx context.Context) (string, error) {
		g.mu.Lock()
		g.floors[groupID] = floor{speaker: initiatorUID, turnID: in.TurnID, members: members}
		g.mu.Unlock()
		return pipeline.Run(ctx, in)
	}
	onDone := func(t *Task) {
		g.releaseFloor(groupID, t.TurnID)
	}
	return g.registry.StartOrReplace(ctx, groupID, in.TurnID, run, onDone)
}

// Speaker returns the member holding the floor of groupID, or "".
func (g *GroupCoordinator) Speaker(groupID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.floors[groupID].speaker
}

func (g *GroupCoordinator) releaseFloor(groupID, turnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.floors[groupID]; ok && (turnID == "" || f.turnID == turnID) {
		delete(g.floors, groupID)
	}
}

// Interrupt cancels the group's turn and waits for it, records what was
// heard for every member, then notifies the member set only.
func (g *GroupCoordinator) Interrupt(ctx context.Context, groupID, heardText string) error {
	ctx, span := tracer.Start(ctx, "group interrupt")
	span.SetAttributes(attribute.String("group_id", groupID))
	defer span.End()
	logger := g.logger.With().Str("group_id", groupID).Logger()

	task, ok := g.registry.Get(groupID)
	if !ok || task.Finished() {
		logger.Warn().Msg("group interrupt without an active turn")
		g.metrics.ObserveInterrupt(scopeGroup, "noop")
		return ErrNoActiveTurn
	}

	g.mu.Lock()
	f := g.floors[groupID]
	g.mu.Unlock()

	task.Cancel()
	if _, err := task.Wait(ctx); ctx.Err() != nil {
		recordSpanError(span, ctx.Err())
		return ctx.Err()
	} else if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug().Err(err).Msg("interrupted group turn ended with error")
	}
	g.registry.RemoveIf(groupID, task)

	members := g.groups.Members(groupID)
	if len(members) == 0 {
		members = f.members
	}
	speaker := f.speaker
	if speaker == "" && len(members) > 0 {
		speaker = members[0]
		logger.Warn().Str("fallback_speaker", speaker).Msg("no current speaker recorded, using first member")
	}
	turnID := f.turnID
	if turnID == "" {
		turnID = task.TurnID
	}
	logger.Info().Str("speaker", speaker).Str("turn_id", turnID).Int("members", len(members)).Msg("interrupting group turn")

	var eg errgroup.Group
	for _, uid := range members {
		c, ok := g.clients.Get(uid)
		if !ok {
			continue
		}
		eg.Go(func() error {
			c.Service.Agent.HandleInterrupt(heardText)
			s, err := g.sessions.Get(uid)
			if err != nil {
				return nil
			}
			persistInterruption(ctx, logger, c.Service, s.HistoryUID, turnID, heardText)
			_ = g.sessions.Interrupt(uid)
			return nil
		})
	}
	_ = eg.Wait()

	g.releaseFloor(groupID, "")
	g.metrics.ObserveInterrupt(scopeGroup, "interrupted")
	if err := g.clients.Broadcast(ctx, logger, members, protocol.NewInterruptNotice()); err != nil {
		logger.Warn().Err(err).Msg("interrupt notice not delivered to any member")
	}
	return nil
}
