package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

// MessageRepository persists ticket chat messages.
type MessageRepository interface {
	// Create stores the message and, when set, its attachment in one
	// transaction. CreatedAt is filled from the database clock.
	Create(ctx context.Context, msg *domain.Message) error
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error)
}

type messageRepository struct {
	db DB
}

// NewMessageRepository builds repository.
func NewMessageRepository(db DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	const query = `
        INSERT INTO messages (id, ticket_id, author_id, body, attachment_id)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING created_at`
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if msg.Attachment != nil {
			if err := insertAttachment(ctx, tx, msg.Attachment); err != nil {
				return err
			}
			msg.AttachmentRef = &msg.Attachment.ID
		}
		return tx.QueryRow(ctx, query,
			msg.ID,
			msg.TicketID,
			msg.AuthorID,
			msg.Body,
			msg.AttachmentRef,
		).Scan(&msg.CreatedAt)
	})
}

func (r *messageRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error) {
	const query = `
        SELECT m.id, m.ticket_id, m.author_id, m.body, m.attachment_id, m.created_at,
               a.storage_ref, a.original_name, a.mime_type, a.size_bytes,
               a.analysis_result, a.analyzed_at, a.created_at
        FROM messages m
        LEFT JOIN attachments a ON a.id = m.attachment_id
        WHERE m.ticket_id=$1
        ORDER BY m.created_at ASC, m.id ASC`
	rows, err := r.db.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Message{}
	for rows.Next() {
		var (
			msg            domain.Message
			storageRef     *string
			originalName   *string
			mimeType       *string
			sizeBytes      *int64
			analysisResult *string
			analyzedAt     *time.Time
			attCreatedAt   *time.Time
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.AuthorID,
			&msg.Body,
			&msg.AttachmentRef,
			&msg.CreatedAt,
			&storageRef,
			&originalName,
			&mimeType,
			&sizeBytes,
			&analysisResult,
			&analyzedAt,
			&attCreatedAt,
		); err != nil {
			return nil, err
		}
		if msg.AttachmentRef != nil && storageRef != nil {
			msg.Attachment = &domain.Attachment{
				ID:             *msg.AttachmentRef,
				TicketID:       msg.TicketID,
				StorageRef:     *storageRef,
				OriginalName:   deref(originalName),
				MimeType:       deref(mimeType),
				AnalysisResult: analysisResult,
				AnalyzedAt:     analyzedAt,
			}
			if sizeBytes != nil {
				msg.Attachment.SizeBytes = *sizeBytes
			}
			if attCreatedAt != nil {
				msg.Attachment.CreatedAt = *attCreatedAt
			}
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
