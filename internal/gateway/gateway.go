// Package gateway fans realtime events out to the connections subscribed to a
// ticket room.
package gateway

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/events"
	"github.com/spec-kit/ticket-chat/internal/observability"
)

// LobbyRoom receives chat activity for every ticket. Ticket rooms carry the
// ticketRoomPrefix, so no ticket id can name it.
const LobbyRoom = "lobby"

const ticketRoomPrefix = "ticket:"

// TicketRoom returns the room holding the subscribers of one ticket's chat.
func TicketRoom(ticketID string) string {
	return ticketRoomPrefix + ticketID
}

var (
	// ErrClosed is returned by Join after Close.
	ErrClosed = errors.New("gateway: closed")
	// ErrSlowConsumer marks a connection whose outbound buffer was full.
	ErrSlowConsumer = errors.New("gateway: outbound buffer full")
)

// Conn is one client connection as seen by the gateway. WriteEvent is only
// called from the connection's writer goroutine; Close must be idempotent.
type Conn interface {
	ID() string
	WriteEvent(ev events.Event) error
	Close() error
}

// DeliveryFailure describes a connection dropped during a broadcast.
type DeliveryFailure struct {
	ConnID string
	Err    error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", f.ConnID, f.Err)
}

func (f DeliveryFailure) Unwrap() error { return f.Err }

// Delivery summarizes one broadcast. Delivered counts connections the event
// was queued to.
type Delivery struct {
	Delivered int
	Failures  []DeliveryFailure
}

// Config tunes per-connection buffering.
type Config struct {
	SendBuffer int
}

type member struct {
	conn  Conn
	send  chan events.Event
	rooms map[string]struct{}
}

// Gateway owns the room membership map. Events for a room are queued to each
// member in broadcast order and written by one goroutine per connection, so a
// slow or broken connection never blocks the others.
type Gateway struct {
	mu      sync.Mutex
	rooms   map[string]map[string]*member
	members map[string]*member
	closed  bool
	wg      sync.WaitGroup

	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a gateway.
func New(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		rooms:   make(map[string]map[string]*member),
		members: make(map[string]*member),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Join subscribes conn to room. Joining a room twice is a no-op; a connection
// may be in any number of rooms.
func (g *Gateway) Join(conn Conn, room string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}

	m, ok := g.members[conn.ID()]
	if !ok {
		m = &member{
			conn:  conn,
			send:  make(chan events.Event, g.cfg.SendBuffer),
			rooms: make(map[string]struct{}),
		}
		g.members[conn.ID()] = m
		g.wg.Add(1)
		go g.writeLoop(m)
	}
	if _, in := m.rooms[room]; in {
		return nil
	}
	m.rooms[room] = struct{}{}

	subs, ok := g.rooms[room]
	if !ok {
		subs = make(map[string]*member)
		g.rooms[room] = subs
	}
	subs[conn.ID()] = m
	return nil
}

// Leave removes conn from every room. Calling it for an unknown or already
// removed connection does nothing.
func (g *Gateway) Leave(conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(conn.ID())
}

// Broadcast queues ev to every current member of room. Members whose buffer is
// full are dropped and reported; they do not affect delivery to the rest.
func (g *Gateway) Broadcast(room string, ev events.Event) Delivery {
	var (
		result  Delivery
		dropped []Conn
	)

	g.mu.Lock()
	for id, m := range g.rooms[room] {
		select {
		case m.send <- ev:
			result.Delivered++
		default:
			result.Failures = append(result.Failures, DeliveryFailure{ConnID: id, Err: ErrSlowConsumer})
			dropped = append(dropped, m.conn)
			g.removeLocked(id)
		}
	}
	g.mu.Unlock()

	for _, conn := range dropped {
		_ = conn.Close()
	}
	if n := len(result.Failures); n > 0 {
		g.metrics.Inc(observability.CounterDeliveryFailed, int64(n))
		g.logger.Warn("dropped slow connections",
			zap.String("room", room),
			zap.Int("count", n),
		)
	}
	return result
}

// RoomSize returns the number of connections in room.
func (g *Gateway) RoomSize(room string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms[room])
}

// Connections returns the number of connections in at least one room.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Close removes and closes every connection and waits for writers to exit.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]Conn, 0, len(g.members))
	for id, m := range g.members {
		conns = append(conns, m.conn)
		g.removeLocked(id)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	g.wg.Wait()
}

func (g *Gateway) writeLoop(m *member) {
	defer g.wg.Done()
	for ev := range m.send {
		if err := m.conn.WriteEvent(ev); err != nil {
			g.fail(m, err)
			return
		}
	}
}

// fail drops a member whose write failed. Failures after the member was
// already removed are not counted.
func (g *Gateway) fail(m *member, err error) {
	g.mu.Lock()
	current, ok := g.members[m.conn.ID()]
	if ok && current == m {
		g.removeLocked(m.conn.ID())
	}
	g.mu.Unlock()

	if !ok || current != m {
		return
	}
	_ = m.conn.Close()
	g.metrics.Inc(observability.CounterDeliveryFailed, 1)
	g.logger.Warn("connection write failed",
		zap.String("conn_id", m.conn.ID()),
		zap.Error(err),
	)
}

func (g *Gateway) removeLocked(id string) {
	m, ok := g.members[id]
	if !ok {
		return
	}
	for room := range m.rooms {
		subs := g.rooms[room]
		delete(subs, id)
		if len(subs) == 0 {
			delete(g.rooms, room)
		}
	}
	delete(g.members, id)
	close(m.send)
}
