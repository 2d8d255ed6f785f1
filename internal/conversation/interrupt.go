package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/antoniostano/avatarturn/internal/logging"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/protocol"
	"github.com/antoniostano/avatarturn/internal/session"
)

// InterruptController cancels running turns and reconciles what the user
// actually heard into memory and persistence.
type InterruptController struct {
	registry *Registry
	groups   *GroupCoordinator
	clients  *ClientDirectory
	sessions *session.Manager
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewInterruptController(registry *Registry, groups *GroupCoordinator, clients *ClientDirectory, sessions *session.Manager, logger zerolog.Logger, metrics *observability.Metrics) *InterruptController {
	return &InterruptController{
		registry: registry,
		groups:   groups,
		clients:  clients,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// InterruptIndividual cancels the client's running turn and waits for it to
// end, then persists heardText as the turn's AI content followed by an
// interrupt marker. Without a running turn it only logs a warning and
// returns ErrNoActiveTurn.
func (c *InterruptController) InterruptIndividual(ctx context.Context, clientUID, heardText string) error {
	ctx, span := tracer.Start(ctx, "individual interrupt")
	span.SetAttributes(attribute.String("client_uid", clientUID))
	defer span.End()
	logger := c.logger.With().Str("client_uid", clientUID).Logger()

	task, ok := c.registry.Get(clientUID)
	if !ok || task.Finished() {
		logger.Warn().Msg("interrupt without an active turn")
		c.metrics.ObserveInterrupt(scopeIndividual, "noop")
		return ErrNoActiveTurn
	}

	task.Cancel()
	if _, err := task.Wait(ctx); ctx.Err() != nil {
		recordSpanError(span, ctx.Err())
		return ctx.Err()
	} else if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug().Err(err).Msg("interrupted turn ended with error")
	}
	c.registry.RemoveIf(clientUID, task)

	client, ok := c.clients.Get(clientUID)
	if !ok {
		return ErrUnknownClient
	}
	logger.Info().Str("turn_id", task.TurnID).Str("heard", logging.Preview(heardText, 0)).Msg("turn interrupted")
	client.Service.Agent.HandleInterrupt(heardText)
	if s, err := c.sessions.Get(clientUID); err == nil {
		persistInterruption(ctx, logger, client.Service, s.HistoryUID, task.TurnID, heardText)
	}
	_ = c.sessions.Interrupt(clientUID)
	c.metrics.ObserveInterrupt(scopeIndividual, "interrupted")

	if err := client.Sender.Send(ctx, protocol.NewInterruptNotice()); err != nil {
		logger.Debug().Err(err).Msg("interrupt acknowledgement not delivered")
	}
	return nil
}

// InterruptGroup delegates to the group coordinator.
func (c *InterruptController) InterruptGroup(ctx context.Context, groupID, heardText string) error {
	return c.groups.Interrupt(ctx, groupID, heardText)
}

// persistInterruption writes heardText as the AI content of turnID,
// amending the turn's record when it is the latest one and storing a new
// record otherwise, then appends the interrupt marker.
func persistInterruption(ctx context.Context, logger zerolog.Logger, svc *ServiceContext, historyUID, turnID, heardText string) {
	if historyUID == "" {
		return
	}
	store := svc.Store
	heardText = strings.TrimSpace(heardText)
	if heardText != "" {
		amended, err := store.AmendLatestMessage(ctx, svc.ConfUID, historyUID, memory.RoleAI, turnID, heardText)
		if err != nil {
			logger.Warn().Err(err).Str("history_uid", historyUID).Msg("amend interrupted message failed")
		}
		if !amended {
			err := store.StoreMessage(ctx, memory.Message{
				ConfUID:    svc.ConfUID,
				HistoryUID: historyUID,
				TurnID:     turnID,
				Role:       memory.RoleAI,
				Content:    heardText,
				Name:       svc.CharacterName,
				Avatar:     svc.CharacterAvatar,
			})
			if err != nil {
				logger.Warn().Err(err).Str("history_uid", historyUID).Msg("store interrupted message failed")
			}
		}
	}
	err := store.StoreMessage(ctx, memory.Message{
		ConfUID:    svc.ConfUID,
		HistoryUID: historyUID,
		TurnID:     turnID,
		Role:       memory.RoleSystem,
		Content:    memory.InterruptMarker,
	})
	if err != nil {
		logger.Warn().Err(err).Str("history_uid", historyUID).Msg("store interrupt marker failed")
	}
}
