package handlers

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-chat/internal/api/dto"
	"github.com/spec-kit/ticket-chat/internal/auth"
	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/service"
	apperrors "github.com/spec-kit/ticket-chat/pkg/util"
)

// ChatService is the subset of the chat service used by HTTP handlers.
type ChatService interface {
	PostMessage(ctx context.Context, input service.PostMessageInput) (*domain.Message, []service.Outcome, error)
	ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error)
	AttachFiles(ctx context.Context, ticketID string, files []service.Upload) ([]domain.Attachment, []service.Outcome, error)
	ListAttachments(ctx context.Context, ticketID string) ([]domain.Attachment, error)
}

// MessagesHandler manages ticket chat endpoints.
type MessagesHandler struct {
	service        ChatService
	maxUploadBytes int
}

// NewMessagesHandler constructs handler.
func NewMessagesHandler(chat ChatService, maxUploadBytes int) *MessagesHandler {
	return &MessagesHandler{service: chat, maxUploadBytes: maxUploadBytes}
}

// PostMessage POST /tickets/:id/messages.
func (h *MessagesHandler) PostMessage(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("actor required")
	}
	params, err := ticketParams(c)
	if err != nil {
		return err
	}

	var req dto.CreateMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}

	input := service.PostMessageInput{
		TicketID: params.TicketID,
		AuthorID: actor.ID,
		Body:     req.Body,
	}
	if isMultipart(c) {
		form, err := c.MultipartForm()
		if err != nil {
			return apperrors.NewValidationError("invalid multipart payload", nil)
		}
		if files := form.File["file"]; len(files) > 0 {
			upload, err := readUpload(files[0], h.maxUploadBytes)
			if err != nil {
				return err
			}
			input.Attachment = &upload
		}
	}

	msg, _, err := h.service.PostMessage(c.UserContext(), input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewMessageResponse(*msg)})
}

// ListMessages GET /tickets/:id/messages.
func (h *MessagesHandler) ListMessages(c *fiber.Ctx) error {
	params, err := ticketParams(c)
	if err != nil {
		return err
	}
	msgs, err := h.service.ListMessages(c.UserContext(), params.TicketID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewMessageResponses(msgs)})
}

func ticketParams(c *fiber.Ctx) (dto.TicketParams, error) {
	var params dto.TicketParams
	if err := c.ParamsParser(&params); err != nil {
		return params, apperrors.NewValidationError("invalid ticket id", nil)
	}
	return params, dto.Validate(params)
}
