package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

const replyTimeout = 5 * time.Second

// View is one open view of a ticket chat. Views on the same bus keep their
// message lists in step; any view can answer another's requests.
type View struct {
	id  string
	bus Bus

	mu       sync.Mutex
	ticketID string
	messages []domain.Message
	seen     map[string]struct{}
	onChange func([]domain.Message)
	onTicket func(string)
	synced   chan struct{}

	unsubscribe func()
}

// NewView joins bus for ticketID. An empty ticketID makes a view that waits
// for a sibling to hand it one (see RequestTicket).
func NewView(bus Bus, ticketID string) *View {
	v := &View{
		id:       uuid.NewString(),
		bus:      bus,
		ticketID: ticketID,
		seen:     make(map[string]struct{}),
		synced:   make(chan struct{}, 1),
	}
	v.unsubscribe = bus.Subscribe(v.handle)
	return v
}

// ID identifies the view as an envelope origin.
func (v *View) ID() string { return v.id }

// TicketID returns the ticket the view shows, empty if not known yet.
func (v *View) TicketID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ticketID
}

// Messages returns a copy of the current list in creation order.
func (v *View) Messages() []domain.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.Message(nil), v.messages...)
}

// OnChange registers fn to be called with the new list after every change.
func (v *View) OnChange(fn func([]domain.Message)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
}

// OnTicket registers fn to be called when a sibling hands over a ticket.
func (v *View) OnTicket(fn func(string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onTicket = fn
}

// RequestSync asks sibling views for their message list. With no siblings
// nothing happens.
func (v *View) RequestSync(ctx context.Context) error {
	return v.bus.Publish(ctx, Envelope{Kind: KindRequestSync, Origin: v.id, TicketID: v.TicketID()})
}

// Sync asks sibling views for their message list and waits up to wait for
// one to answer. It reports whether the list was taken from a sibling.
func (v *View) Sync(ctx context.Context, wait time.Duration) (bool, error) {
	select {
	case <-v.synced:
	default:
	}
	if err := v.RequestSync(ctx); err != nil {
		return false, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-v.synced:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Replace adopts a freshly fetched list and shares it with siblings.
func (v *View) Replace(ctx context.Context, msgs []domain.Message) error {
	v.replace(msgs)
	return v.bus.Publish(ctx, Envelope{Kind: KindSyncMessages, Origin: v.id, TicketID: v.TicketID(), Messages: msgs})
}

// Announce adds a message this view posted and shares it with siblings.
func (v *View) Announce(ctx context.Context, msg domain.Message) error {
	v.Add(msg)
	return v.bus.Publish(ctx, Envelope{Kind: KindNewMessage, Origin: v.id, TicketID: msg.TicketID, Message: &msg})
}

// Add records a message received from any source. A message already present
// is ignored; it reports whether the list changed.
func (v *View) Add(msg domain.Message) bool {
	v.mu.Lock()
	if _, dup := v.seen[msg.ID]; dup || (v.ticketID != "" && msg.TicketID != v.ticketID) {
		v.mu.Unlock()
		return false
	}
	v.seen[msg.ID] = struct{}{}
	v.messages = append(v.messages, msg)
	domain.SortMessages(v.messages)
	snapshot, fn := v.snapshotLocked()
	v.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	return true
}

// RequestTicket asks a sibling which ticket is open.
func (v *View) RequestTicket(ctx context.Context) error {
	return v.bus.Publish(ctx, Envelope{Kind: KindRequestTicket, Origin: v.id})
}

// Close leaves the bus.
func (v *View) Close() {
	v.unsubscribe()
}

func (v *View) handle(env Envelope) {
	if env.Origin == v.id {
		return
	}
	current := v.TicketID()

	switch env.Kind {
	case KindRequestSync:
		msgs := v.Messages()
		if current == "" || env.TicketID != current || len(msgs) == 0 {
			return
		}
		v.reply(Envelope{Kind: KindSyncMessages, TicketID: current, Messages: msgs})
	case KindSyncMessages:
		if current != "" && env.TicketID == current {
			v.replace(env.Messages)
			select {
			case v.synced <- struct{}{}:
			default:
			}
		}
	case KindNewMessage:
		if env.Message != nil {
			v.Add(*env.Message)
		}
	case KindRequestTicket:
		if current != "" {
			v.reply(Envelope{Kind: KindSetTicket, TicketID: current})
		}
	case KindSetTicket:
		v.adoptTicket(env.TicketID)
	}
}

func (v *View) reply(env Envelope) {
	env.Origin = v.id
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	_ = v.bus.Publish(ctx, env)
}

func (v *View) replace(msgs []domain.Message) {
	v.mu.Lock()
	v.messages = append([]domain.Message(nil), msgs...)
	domain.SortMessages(v.messages)
	v.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		v.seen[m.ID] = struct{}{}
	}
	snapshot, fn := v.snapshotLocked()
	v.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (v *View) adoptTicket(ticketID string) {
	v.mu.Lock()
	if v.ticketID != "" || ticketID == "" {
		v.mu.Unlock()
		return
	}
	v.ticketID = ticketID
	fn := v.onTicket
	v.mu.Unlock()

	if fn != nil {
		fn(ticketID)
	}
}

func (v *View) snapshotLocked() ([]domain.Message, func([]domain.Message)) {
	if v.onChange == nil {
		return nil, nil
	}
	return append([]domain.Message(nil), v.messages...), v.onChange
}
