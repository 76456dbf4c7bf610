package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "OPEN"
	TicketStatusInProgress TicketStatus = "IN_PROGRESS"
	TicketStatusResolved   TicketStatus = "RESOLVED"
	TicketStatusCancelled  TicketStatus = "CANCELLED"
)

// Ticket is the externally owned request the chat hangs off. The chat core
// only reads it.
type Ticket struct {
	ID          string
	RequesterID string
	AgentID     *string
	Subject     string
	Status      TicketStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the ticket reached a final state.
func (t Ticket) Terminal() bool {
	return t.Status == TicketStatusResolved || t.Status == TicketStatusCancelled
}
