package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-chat/internal/analysis"
	"github.com/spec-kit/ticket-chat/internal/domain"
)

// TicketAttachments lists the attachments of one ticket.
type TicketAttachments interface {
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Attachment, error)
}

// BatchProcessor analyzes a set of jobs with its own concurrency cap.
type BatchProcessor interface {
	ProcessMany(ctx context.Context, jobs []domain.AnalysisJob) []analysis.Outcome
}

// Reanalyze runs every image attachment of a ticket through one batch,
// overwriting previous results. Non-image attachments are skipped.
func Reanalyze(ctx context.Context, list TicketAttachments, proc BatchProcessor, ticketID string) ([]analysis.Outcome, error) {
	atts, err := list.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list attachments of ticket %s: %w", ticketID, err)
	}
	now := time.Now().UTC()
	jobs := make([]domain.AnalysisJob, 0, len(atts))
	for _, att := range atts {
		if att.IsImage() {
			jobs = append(jobs, domain.JobForAttachment(uuid.NewString(), att, now))
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return proc.ProcessMany(ctx, jobs), nil
}
