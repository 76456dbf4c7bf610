// Package relay lets several open views of one client share a ticket's chat
// state without each holding its own realtime connection.
package relay

import (
	"context"
	"sync"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

// Kind enumerates relay envelope types.
type Kind string

const (
	KindRequestSync   Kind = "request_sync"
	KindSyncMessages  Kind = "sync_messages"
	KindNewMessage    Kind = "new_message"
	KindRequestTicket Kind = "request_ticket"
	KindSetTicket     Kind = "set_ticket"
)

// Envelope is one relay broadcast.
type Envelope struct {
	Kind     Kind             `json:"kind"`
	Origin   string           `json:"origin"`
	TicketID string           `json:"ticket_id,omitempty"`
	Message  *domain.Message  `json:"message,omitempty"`
	Messages []domain.Message `json:"messages,omitempty"`
}

// Handler receives envelopes.
type Handler func(Envelope)

// Bus is a peer broadcast primitive. Publishing with no subscribers succeeds.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(handler Handler) (unsubscribe func())
}

// LocalBus delivers envelopes synchronously to subscribers in the same
// process.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]Handler)}
}

// Publish invokes every current subscriber. Handlers may publish in turn.
func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for id := 0; id < b.next; id++ {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(env)
	}
	return nil
}

// Subscribe registers handler until the returned func is called.
func (b *LocalBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}
