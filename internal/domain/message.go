package domain

import (
	"sort"
	"time"
)

// Message is a chat entry in a ticket thread. Messages are immutable once
// stored.
type Message struct {
	ID            string      `json:"id"`
	TicketID      string      `json:"ticket_id"`
	AuthorID      string      `json:"author_id"`
	Body          *string     `json:"body"`
	AttachmentRef *string     `json:"attachment_id"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Before orders messages by creation time with the id as tiebreaker.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// SortMessages sorts in place using Message.Before.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
