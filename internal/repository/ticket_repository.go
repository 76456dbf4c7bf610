package repository

import (
	"context"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

// TicketRepository reads the externally owned tickets table.
type TicketRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
}

type ticketRepository struct {
	db DB
}

// NewTicketRepository constructs the repository.
func NewTicketRepository(db DB) TicketRepository {
	return &ticketRepository{db: db}
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	const query = `
        SELECT id, requester_id, agent_id, subject, status, created_at, updated_at
        FROM tickets WHERE id=$1`
	var ticket domain.Ticket
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ticket.ID,
		&ticket.RequesterID,
		&ticket.AgentID,
		&ticket.Subject,
		&ticket.Status,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "ticket", id)
	}
	return &ticket, nil
}
