// Package ws implements the execution watch stream: a client opens a
// WebSocket for one execution and receives its current state followed by
// every status change until the execution finishes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
	"github.com/jkaninda/scrapeforge/internal/protocol"
)

const (
	defaultPingInterval = 30 * time.Second
	subscriberBuffer    = 16
	writeTimeout        = 10 * time.Second
)

// Backend is what the stream needs from the service and the orchestrator.
type Backend interface {
	Authenticate(ctx context.Context, apiKey string) (*domain.User, error)
	GetExecution(ctx context.Context, userID, id uuid.UUID) (*domain.Execution, error)
}

// Subscriber delivers execution events. *orchestrator.Orchestrator implements it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan orchestrator.Event, func())
}

// Option configures a Server.
type Option func(*Server)

// WithPingInterval overrides the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// Server serves execution watch streams.
type Server struct {
	backend      Backend
	events       Subscriber
	logger       *slog.Logger
	pingInterval time.Duration
}

// NewServer creates a watch stream server.
func NewServer(backend Backend, events Subscriber, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		backend:      backend,
		events:       events,
		logger:       logger,
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
// The execution is selected with ?id= and the API key comes from ?token=
// or a Bearer Authorization header.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	user, err := s.backend.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return
	}

	// Subscribe before reading the snapshot so no transition falls between them.
	events, cancel := s.events.Subscribe(subscriberBuffer)
	defer cancel()

	exec, err := s.backend.GetExecution(r.Context(), user.ID, id)
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		s.logger.ErrorContext(r.Context(), "loading execution for watch", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn, exec, events)
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, exec *domain.Execution, events <-chan orchestrator.Event) {
	// The client only reads; CloseRead handles its close frame and cancels ctx.
	ctx = conn.CloseRead(ctx)
	id := exec.ID.String()

	if err := s.send(ctx, conn, protocol.MsgSnapshot, exec); err != nil {
		s.logger.Debug("watch snapshot failed", slog.String("execution_id", id), slog.String("error", err.Error()))
		conn.CloseNow()
		return
	}
	if exec.Status.Terminal() {
		conn.Close(websocket.StatusNormalClosure, string(exec.Status))
		return
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.CloseNow()
			return
		case <-ticker.C:
			if err := s.send(ctx, conn, protocol.MsgPing, nil); err != nil {
				conn.CloseNow()
				return
			}
		case ev, ok := <-events:
			if !ok {
				s.sendError(ctx, conn, id, "shutting_down", "server is shutting down")
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if ev.Execution.ID != exec.ID {
				continue
			}
			if err := s.send(ctx, conn, protocol.MsgUpdate, &ev.Execution); err != nil {
				s.logger.Debug("watch update failed", slog.String("execution_id", id), slog.String("error", err.Error()))
				conn.CloseNow()
				return
			}
			if ev.Terminal() {
				conn.Close(websocket.StatusNormalClosure, string(ev.Execution.Status))
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, t protocol.MessageType, exec *domain.Execution) error {
	var payload any
	if exec != nil {
		payload = protocol.NewExecution(exec)
	}
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	if exec != nil {
		env.ExecutionID = exec.ID.String()
	}
	return s.writeEnvelope(ctx, conn, env)
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, id, code, msg string) {
	env, err := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	env.ExecutionID = id
	_ = s.writeEnvelope(ctx, conn, env)
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
