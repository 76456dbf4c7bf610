package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/events"
	"github.com/spec-kit/ticket-chat/internal/gateway"
)

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(room string, ev events.Event) gateway.Delivery
}

// NotificationService pushes stored messages to realtime subscribers.
type NotificationService struct {
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(broadcaster Broadcaster, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// MessagePosted sends new_message to the ticket room and chat_activity to the
// lobby. Must only be called once msg is stored. The returned error joins
// every connection that could not be reached.
func (n *NotificationService) MessagePosted(_ context.Context, msg domain.Message) error {
	room := n.broadcaster.Broadcast(gateway.TicketRoom(msg.TicketID), events.NewMessage(msg))
	lobby := n.broadcaster.Broadcast(gateway.LobbyRoom, events.ChatActivity(msg))

	n.logger.Debug("message broadcast",
		zap.String("ticket_id", msg.TicketID),
		zap.String("message_id", msg.ID),
		zap.Int("delivered", room.Delivered),
		zap.Int("lobby_delivered", lobby.Delivered),
	)

	failures := append(room.Failures, lobby.Failures...)
	if len(failures) == 0 {
		return nil
	}
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
