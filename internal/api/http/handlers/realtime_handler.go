package handlers

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/auth"
	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/events"
	"github.com/spec-kit/ticket-chat/internal/gateway"
)

const wsActorKey = "ws_actor"

// Rooms is the gateway surface used by socket sessions.
type Rooms interface {
	Join(conn gateway.Conn, room string) error
	Leave(conn gateway.Conn)
}

// RealtimeHandler serves the chat WebSocket.
type RealtimeHandler struct {
	rooms        Rooms
	logger       *zap.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewRealtimeHandler constructs handler.
func NewRealtimeHandler(rooms Rooms, logger *zap.Logger, writeTimeout, pingInterval time.Duration) *RealtimeHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &RealtimeHandler{rooms: rooms, logger: logger, writeTimeout: writeTimeout, pingInterval: pingInterval}
}

// Upgrade rejects plain HTTP requests and hands the actor to the socket.
func (h *RealtimeHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	c.Locals(wsActorKey, actor)
	return c.Next()
}

// Serve GET /ws.
func (h *RealtimeHandler) Serve() fiber.Handler {
	return websocket.New(h.session)
}

func (h *RealtimeHandler) session(ws *websocket.Conn) {
	actor, _ := ws.Locals(wsActorKey).(*domain.Actor)
	if actor == nil {
		return
	}
	conn := &socketConn{id: uuid.NewString(), ws: ws, writeTimeout: h.writeTimeout}
	log := h.logger.With(zap.String("conn_id", conn.id), zap.String("actor_id", actor.ID))
	defer func() {
		h.rooms.Leave(conn)
		_ = conn.Close()
		log.Debug("socket closed")
	}()

	deadline := 2 * h.pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	done := make(chan struct{})
	defer close(done)
	go conn.keepAlive(h.pingInterval, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var action events.Action
		if err := json.Unmarshal(data, &action); err != nil {
			_ = conn.WriteEvent(events.Error("malformed command"))
			continue
		}
		h.dispatch(conn, actor, action, log)
	}
}

func (h *RealtimeHandler) dispatch(conn *socketConn, actor *domain.Actor, action events.Action, log *zap.Logger) {
	var room string
	switch action.Action {
	case events.ActionJoinChat:
		if action.TicketID == "" {
			_ = conn.WriteEvent(events.Error("ticket_id required"))
			return
		}
		room = gateway.TicketRoom(action.TicketID)
	case events.ActionJoinLobby:
		if actor.Role != domain.ActorRoleAgent {
			_ = conn.WriteEvent(events.Error("agents only"))
			return
		}
		room = gateway.LobbyRoom
	default:
		_ = conn.WriteEvent(events.Error("unknown action"))
		return
	}

	if err := h.rooms.Join(conn, room); err != nil {
		_ = conn.WriteEvent(events.Error(err.Error()))
		return
	}
	log.Debug("joined room", zap.String("room", room))
	_ = conn.WriteEvent(events.Joined(room))
}

var errSocketClosed = errors.New("socket closed")

// socketConn adapts a WebSocket to gateway.Conn. Writes from the gateway
// writer, the keepalive and command replies are serialized by mu. The socket
// is recycled once the session returns, so nothing may write after Close.
type socketConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

func (s *socketConn) ID() string { return s.id }

func (s *socketConn) WriteEvent(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteJSON(ev)
}

func (s *socketConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ws.Close()
}

func (s *socketConn) keepAlive(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := errSocketClosed
			if !s.closed {
				err = s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			}
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
