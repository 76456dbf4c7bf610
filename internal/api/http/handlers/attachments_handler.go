package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-chat/internal/api/dto"
	"github.com/spec-kit/ticket-chat/internal/service"
	apperrors "github.com/spec-kit/ticket-chat/pkg/util"
)

// AttachmentsHandler manages ticket-level attachments.
type AttachmentsHandler struct {
	service        ChatService
	maxUploadBytes int
}

// NewAttachmentsHandler constructs handler.
func NewAttachmentsHandler(chat ChatService, maxUploadBytes int) *AttachmentsHandler {
	return &AttachmentsHandler{service: chat, maxUploadBytes: maxUploadBytes}
}

// Upload POST /tickets/:id/attachments.
func (h *AttachmentsHandler) Upload(c *fiber.Ctx) error {
	params, err := ticketParams(c)
	if err != nil {
		return err
	}
	if !isMultipart(c) {
		return apperrors.NewValidationError("multipart form required", nil)
	}
	form, err := c.MultipartForm()
	if err != nil {
		return apperrors.NewValidationError("invalid multipart payload", nil)
	}

	headers := form.File["files"]
	files := make([]service.Upload, 0, len(headers))
	for _, fh := range headers {
		upload, err := readUpload(fh, h.maxUploadBytes)
		if err != nil {
			return err
		}
		files = append(files, upload)
	}

	atts, _, err := h.service.AttachFiles(c.UserContext(), params.TicketID, files)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewAttachmentResponses(atts)})
}

// List GET /tickets/:id/attachments.
func (h *AttachmentsHandler) List(c *fiber.Ctx) error {
	params, err := ticketParams(c)
	if err != nil {
		return err
	}
	atts, err := h.service.ListAttachments(c.UserContext(), params.TicketID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewAttachmentResponses(atts)})
}
