package dto

import (
	"time"

	"github.com/spec-kit/ticket-chat/internal/domain"
)

// CreateMessageRequest payload. Multipart submissions carry the same field as
// a form value next to an optional "file" part.
type CreateMessageRequest struct {
	Body *string `json:"body" form:"body" validate:"omitempty,max=4000"`
}

// TicketParams captures the ticket path parameter.
type TicketParams struct {
	TicketID string `params:"id" validate:"required,max=64"`
}

// MessageResponse represents a chat message.
type MessageResponse struct {
	ID         string              `json:"id"`
	TicketID   string              `json:"ticket_id"`
	AuthorID   string              `json:"author_id"`
	Body       *string             `json:"body"`
	Attachment *AttachmentResponse `json:"attachment,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// AttachmentResponse exposes attachment metadata and its analysis.
type AttachmentResponse struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	OriginalName   string     `json:"original_name"`
	MimeType       string     `json:"mime_type"`
	SizeBytes      int64      `json:"size_bytes"`
	AnalysisResult *string    `json:"analysis_result"`
	AnalyzedAt     *time.Time `json:"analyzed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewMessageResponse maps a domain message.
func NewMessageResponse(msg domain.Message) MessageResponse {
	resp := MessageResponse{
		ID:        msg.ID,
		TicketID:  msg.TicketID,
		AuthorID:  msg.AuthorID,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	}
	if msg.Attachment != nil {
		att := NewAttachmentResponse(*msg.Attachment)
		resp.Attachment = &att
	}
	return resp
}

// NewMessageResponses maps a list, never returning nil.
func NewMessageResponses(msgs []domain.Message) []MessageResponse {
	items := make([]MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		items = append(items, NewMessageResponse(msg))
	}
	return items
}

// NewAttachmentResponse maps a domain attachment.
func NewAttachmentResponse(att domain.Attachment) AttachmentResponse {
	return AttachmentResponse{
		ID:             att.ID,
		TicketID:       att.TicketID,
		OriginalName:   att.OriginalName,
		MimeType:       att.MimeType,
		SizeBytes:      att.SizeBytes,
		AnalysisResult: att.AnalysisResult,
		AnalyzedAt:     att.AnalyzedAt,
		CreatedAt:      att.CreatedAt,
	}
}

// NewAttachmentResponses maps a list, never returning nil.
func NewAttachmentResponses(atts []domain.Attachment) []AttachmentResponse {
	items := make([]AttachmentResponse, 0, len(atts))
	for _, att := range atts {
		items = append(items, NewAttachmentResponse(att))
	}
	return items
}
