package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

// AttachmentRepository persists attachment metadata and analysis results.
type AttachmentRepository interface {
	CreateBatch(ctx context.Context, attachments []*domain.Attachment) error
	GetByID(ctx context.Context, id string) (*domain.Attachment, error)
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Attachment, error)
	// SetAnalysisResult overwrites the single result field. Repeated calls
	// for the same attachment leave the last written value.
	SetAnalysisResult(ctx context.Context, id, result string, analyzedAt time.Time) error
	ListUnanalyzed(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Attachment, error)
}

type attachmentRepository struct {
	db DB
}

// NewAttachmentRepository constructs repository.
func NewAttachmentRepository(db DB) AttachmentRepository {
	return &attachmentRepository{db: db}
}

const attachmentColumns = `id, ticket_id, storage_ref, original_name, mime_type, size_bytes,
               analysis_result, analyzed_at, created_at`

func (r *attachmentRepository) CreateBatch(ctx context.Context, attachments []*domain.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for _, att := range attachments {
			if err := insertAttachment(ctx, tx, att); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *attachmentRepository) GetByID(ctx context.Context, id string) (*domain.Attachment, error) {
	const query = `SELECT ` + attachmentColumns + ` FROM attachments WHERE id=$1`
	att, err := scanAttachment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "attachment", id)
	}
	return att, nil
}

func (r *attachmentRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.Attachment, error) {
	const query = `SELECT ` + attachmentColumns + `
        FROM attachments WHERE ticket_id=$1 ORDER BY created_at ASC, id ASC`
	return r.list(ctx, query, ticketID)
}

func (r *attachmentRepository) SetAnalysisResult(ctx context.Context, id, result string, analyzedAt time.Time) error {
	const query = `UPDATE attachments SET analysis_result=$2, analyzed_at=$3 WHERE id=$1`
	tag, err := r.db.Exec(ctx, query, id, result, analyzedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "attachment", id)
	}
	return nil
}

func (r *attachmentRepository) ListUnanalyzed(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Attachment, error) {
	const query = `SELECT ` + attachmentColumns + `
        FROM attachments
        WHERE analysis_result IS NULL AND created_at < $1 AND lower(btrim(mime_type)) LIKE 'image/%'
        ORDER BY created_at ASC LIMIT $2`
	return r.list(ctx, query, createdBefore, limit)
}

func (r *attachmentRepository) list(ctx context.Context, query string, args ...any) ([]domain.Attachment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Attachment{}
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *att)
	}
	return result, rows.Err()
}

func scanAttachment(row pgx.Row) (*domain.Attachment, error) {
	var att domain.Attachment
	if err := row.Scan(
		&att.ID,
		&att.TicketID,
		&att.StorageRef,
		&att.OriginalName,
		&att.MimeType,
		&att.SizeBytes,
		&att.AnalysisResult,
		&att.AnalyzedAt,
		&att.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &att, nil
}

func insertAttachment(ctx context.Context, tx pgx.Tx, att *domain.Attachment) error {
	const query = `
        INSERT INTO attachments (id, ticket_id, storage_ref, original_name, mime_type, size_bytes)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING created_at`
	return tx.QueryRow(ctx, query,
		att.ID,
		att.TicketID,
		att.StorageRef,
		att.OriginalName,
		att.MimeType,
		att.SizeBytes,
	).Scan(&att.CreatedAt)
}
