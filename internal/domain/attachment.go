package domain

import (
	"strings"
	"time"
)

// AnalysisUnavailable is written to an attachment when analysis could not be
// completed.
const AnalysisUnavailable = "analysis unavailable"

// Attachment stores metadata for a file attached to a ticket or message.
type Attachment struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	StorageRef     string     `json:"storage_ref"`
	OriginalName   string     `json:"original_name"`
	MimeType       string     `json:"mime_type"`
	SizeBytes      int64      `json:"size_bytes"`
	AnalysisResult *string    `json:"analysis_result"`
	AnalyzedAt     *time.Time `json:"analyzed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsImage reports whether the attachment is eligible for analysis.
func (a Attachment) IsImage() bool {
	return IsImageMime(a.MimeType)
}

// Analyzed reports whether a result, including the sentinel, has been written.
func (a Attachment) Analyzed() bool {
	return a.AnalysisResult != nil
}

// IsImageMime reports whether the MIME type names an image.
func IsImageMime(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}
