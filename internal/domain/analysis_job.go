package domain

import "time"

// AnalysisJob is one unit of attachment analysis work held by the queue.
type AnalysisJob struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachment_id"`
	TicketID     string    `json:"ticket_id"`
	PayloadRef   string    `json:"payload_ref"`
	MimeType     string    `json:"mime_type"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	AttemptCount int       `json:"attempt_count"`
}

// JobForAttachment builds the queue job for an attachment.
func JobForAttachment(id string, att Attachment, now time.Time) AnalysisJob {
	return AnalysisJob{
		ID:           id,
		AttachmentID: att.ID,
		TicketID:     att.TicketID,
		PayloadRef:   att.StorageRef,
		MimeType:     att.MimeType,
		EnqueuedAt:   now,
	}
}
