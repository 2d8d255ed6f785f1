package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/antoniostano/avatarturn/internal/config"
	"github.com/antoniostano/avatarturn/internal/conversation"
	"github.com/antoniostano/avatarturn/internal/memory"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/protocol"
)

const (
	outboundQueue = 256
	writeTimeout  = 10 * time.Second
	readTimeout   = 120 * time.Second
	readLimit     = 8 << 20
)

var errConnClosed = errors.New("connection closed")

type Server struct {
	cfg        config.Config
	dispatcher *conversation.Dispatcher
	metrics    *observability.Metrics
	stages     *observability.StageWindow
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, dispatcher *conversation.Dispatcher, metrics *observability.Metrics, stages *observability.StageWindow, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    metrics,
		stages:     stages,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a client connection
				// unless APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/debug/stages", s.handleStages)

	r.Get("/client-ws", s.handleClientWS)
	r.Get("/v1/histories", s.handleListHistories)
	r.Get("/v1/histories/{uid}", s.handleGetHistory)
	r.Put("/v1/clients/{uid}/context", s.handlePutUserContext)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"conf_uid": s.cfg.ConfUID,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"clients":        s.dispatcher.Clients().Len(),
		"active_clients": s.dispatcher.Sessions().ActiveCount(),
	})
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handleListHistories(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured")
		return
	}
	svc := s.dispatcher.Service()
	infos, err := svc.Store.ListHistories(r.Context(), svc.ConfUID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if infos == nil {
		infos = []memory.HistoryInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conf_uid":  svc.ConfUID,
		"histories": infos,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured")
		return
	}
	uid := strings.TrimSpace(chi.URLParam(r, "uid"))
	svc := s.dispatcher.Service()
	msgs, err := svc.Store.History(r.Context(), svc.ConfUID, uid)
	switch {
	case errors.Is(err, memory.ErrHistoryNotFound):
		respondError(w, http.StatusNotFound, "history_not_found", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"history_uid": uid,
		"messages":    msgs,
	})
}

// handlePutUserContext replaces the facts hooks see for a connected client,
// e.g. {"today_summary": "..."}. An empty object clears them.
func (s *Server) handlePutUserContext(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured")
		return
	}
	var values map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&values); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	uid := strings.TrimSpace(chi.URLParam(r, "uid"))
	if err := s.dispatcher.SetUserContext(uid, values); err != nil {
		if errors.Is(err, conversation.ErrUnknownClient) {
			respondError(w, http.StatusNotFound, "client_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// connSender queues notifications for the single writer goroutine of one
// websocket connection.
type connSender struct {
	outbound chan<- any
	closed   <-chan struct{}
}

func (c connSender) Send(ctx context.Context, msg any) error {
	select {
	case c.outbound <- msg:
		return nil
	case <-c.closed:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "dispatcher not configured")
		return
	}
	requestedUID := strings.TrimSpace(r.URL.Query().Get("client_uid"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	// The handler context ends with the HTTP request; turns get their own
	// cancellation through the dispatcher.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, outboundQueue)
	closed := make(chan struct{})
	var closeOnce sync.Once
	markClosed := func() { closeOnce.Do(func() { close(closed) }) }

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveSessionEvent("ws_write_error")
					markClosed()
					cancel()
					return
				}
				s.metrics.ObserveWSMessage("outbound", protocol.TypeOf(msg))
			}
		}
	}()

	client, err := s.dispatcher.Connect(ctx, requestedUID, connSender{outbound: outbound, closed: closed})
	if err != nil {
		s.logger.Warn().Err(err).Str("client_uid", requestedUID).Msg("client connect failed")
		markClosed()
		cancel()
		<-writerDone
		return
	}
	logger := s.logger.With().Str("client_uid", client.UID).Logger()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst)
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			s.metrics.ObserveDroppedInput("rate_limited")
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.ObserveDroppedInput("invalid_message")
			logger.Debug().Err(err).Msg("dropping client message")
			if errors.Is(err, protocol.ErrInvalidMessage) {
				select {
				case outbound <- protocol.NewError("Invalid message: " + err.Error()):
				default:
					// The writer owns the socket; drop when its queue is full.
				}
			}
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(envelopeType(data)))

		if err := s.dispatcher.HandleMessage(ctx, client.UID, parsed); err != nil {
			s.logHandleError(logger, err)
		}
	}

	markClosed()
	// Disconnect runs detached from the request so group notifications and
	// interrupt persistence still complete after the socket is gone.
	s.dispatcher.Disconnect(context.WithoutCancel(ctx), client.UID)
	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) logHandleError(logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, conversation.ErrTurnInProgress),
		errors.Is(err, conversation.ErrNoActiveTurn),
		errors.Is(err, conversation.ErrInvalidInput):
		logger.Debug().Err(err).Msg("trigger ignored")
	case errors.Is(err, conversation.ErrEmission), errors.Is(err, errConnClosed):
		logger.Debug().Err(err).Msg("client went away")
	default:
		logger.Warn().Err(err).Msg("handle client message failed")
	}
}

func envelopeType(data []byte) protocol.MessageType {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Type
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
