package events

import (
	"encoding/json"
	"time"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

// EventType enumerates realtime events pushed to clients.
type EventType string

const (
	EventNewMessage   EventType = "new_message"
	EventChatActivity EventType = "chat_activity"
	EventJoined       EventType = "joined"
	EventError        EventType = "error"
)

// Event is the outbound wire frame: {"event": "...", "data": {...}}.
type Event struct {
	Type EventType `json:"event"`
	Data any       `json:"data"`
}

// ChatActivityPayload tells lobby subscribers a ticket chat changed.
type ChatActivityPayload struct {
	TicketID  string    `json:"ticket_id"`
	MessageID string    `json:"message_id"`
	AuthorID  string    `json:"author_id"`
	At        time.Time `json:"at"`
}

// NewMessage wraps a stored message for its ticket room.
func NewMessage(msg domain.Message) Event {
	return Event{Type: EventNewMessage, Data: msg}
}

// ChatActivity builds the lobby notification for a stored message.
func ChatActivity(msg domain.Message) Event {
	return Event{Type: EventChatActivity, Data: ChatActivityPayload{
		TicketID:  msg.TicketID,
		MessageID: msg.ID,
		AuthorID:  msg.AuthorID,
		At:        msg.CreatedAt,
	}}
}

// Joined acknowledges a join command.
func Joined(room string) Event {
	return Event{Type: EventJoined, Data: map[string]string{"room": room}}
}

// Error reports a rejected command to the sender only.
func Error(message string) Event {
	return Event{Type: EventError, Data: map[string]string{"message": message}}
}

// Frame is an event as decoded by a client.
type Frame struct {
	Type EventType       `json:"event"`
	Data json.RawMessage `json:"data"`
}

// ActionType enumerates inbound socket commands.
type ActionType string

const (
	ActionJoinChat  ActionType = "join_chat"
	ActionJoinLobby ActionType = "join_lobby"
)

// Action is an inbound socket command.
type Action struct {
	Action   ActionType `json:"action"`
	TicketID string     `json:"ticket_id,omitempty"`
}
