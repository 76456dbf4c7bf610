package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/queue"
	"github.com/spec-kit/ticket-chat/internal/repository"
	"github.com/spec-kit/ticket-chat/internal/storage"
	apperrors "github.com/spec-kit/ticket-chat/pkg/util"
)

// ErrEmptyMessage rejects a message with neither text nor attachment.
var ErrEmptyMessage = apperrors.NewValidationError("message requires a body or an attachment", nil)

// Notifier pushes stored messages to realtime subscribers.
type Notifier interface {
	MessagePosted(ctx context.Context, msg domain.Message) error
}

// Step names a side effect run after a message or attachment is stored.
type Step string

const (
	StepEnqueue   Step = "enqueue"
	StepBroadcast Step = "broadcast"
)

// Outcome reports one side effect. A failed outcome never fails the call that
// produced it.
type Outcome struct {
	Step Step
	Ref  string
	Err  error
}

// Upload is a file received from a client.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// PostMessageInput describes a chat message submission.
type PostMessageInput struct {
	TicketID   string
	AuthorID   string
	Body       *string
	Attachment *Upload
}

// ChatService stores ticket chat messages and triggers their side effects.
type ChatService struct {
	tickets     repository.TicketRepository
	messages    repository.MessageRepository
	attachments repository.AttachmentRepository
	blobs       storage.BlobStore
	queue       queue.Enqueuer
	notifier    Notifier
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// ChatDependencies bundles collaborators for the chat service.
type ChatDependencies struct {
	TicketRepo     repository.TicketRepository
	MessageRepo    repository.MessageRepository
	AttachmentRepo repository.AttachmentRepository
	Blobs          storage.BlobStore
	Queue          queue.Enqueuer
	Notifier       Notifier
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// NewChatService constructs the service.
func NewChatService(deps ChatDependencies) *ChatService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		tickets:     deps.TicketRepo,
		messages:    deps.MessageRepo,
		attachments: deps.AttachmentRepo,
		blobs:       deps.Blobs,
		queue:       deps.Queue,
		notifier:    deps.Notifier,
		logger:      logger,
		metrics:     deps.Metrics,
		now:         time.Now,
	}
}

// PostMessage stores a message and then, concurrently, enqueues analysis for
// an image attachment and broadcasts the message to the ticket room. Only a
// failure to store is returned as an error.
func (s *ChatService) PostMessage(ctx context.Context, input PostMessageInput) (*domain.Message, []Outcome, error) {
	body := trimmedBody(input.Body)
	if body == nil && input.Attachment == nil {
		return nil, nil, ErrEmptyMessage
	}
	if input.Attachment != nil && len(input.Attachment.Data) == 0 {
		return nil, nil, apperrors.NewValidationError("attachment is empty", map[string]any{"file": input.Attachment.Name})
	}
	if strings.TrimSpace(input.AuthorID) == "" {
		return nil, nil, apperrors.NewValidationError("author is required", nil)
	}
	if _, err := s.tickets.GetByID(ctx, input.TicketID); err != nil {
		return nil, nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("message id: %w", err)
	}
	msg := &domain.Message{
		ID:       id.String(),
		TicketID: input.TicketID,
		AuthorID: input.AuthorID,
		Body:     body,
	}
	if input.Attachment != nil {
		att, err := s.storeUpload(ctx, input.TicketID, *input.Attachment)
		if err != nil {
			return nil, nil, err
		}
		msg.Attachment = att
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, nil, err
	}

	var jobs []domain.Attachment
	if msg.Attachment != nil && msg.Attachment.IsImage() {
		jobs = append(jobs, *msg.Attachment)
	}
	outcomes := s.sideEffects(ctx, msg, jobs)
	return msg, outcomes, nil
}

// ListMessages returns a ticket's messages in creation order.
func (s *ChatService) ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	if _, err := s.tickets.GetByID(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.messages.ListByTicket(ctx, ticketID)
}

// AttachFiles stores ticket-level attachments and enqueues one analysis job
// per image. An attachment whose job could not be enqueued stays unanalyzed.
func (s *ChatService) AttachFiles(ctx context.Context, ticketID string, files []Upload) ([]domain.Attachment, []Outcome, error) {
	if len(files) == 0 {
		return nil, nil, apperrors.NewValidationError("at least one file is required", nil)
	}
	for _, f := range files {
		if len(f.Data) == 0 {
			return nil, nil, apperrors.NewValidationError("attachment is empty", map[string]any{"file": f.Name})
		}
	}
	if _, err := s.tickets.GetByID(ctx, ticketID); err != nil {
		return nil, nil, err
	}

	stored := make([]*domain.Attachment, 0, len(files))
	for _, f := range files {
		att, err := s.storeUpload(ctx, ticketID, f)
		if err != nil {
			return nil, nil, err
		}
		stored = append(stored, att)
	}
	if err := s.attachments.CreateBatch(ctx, stored); err != nil {
		return nil, nil, err
	}

	result := make([]domain.Attachment, len(stored))
	var jobs []domain.Attachment
	for i, att := range stored {
		result[i] = *att
		if att.IsImage() {
			jobs = append(jobs, *att)
		}
	}
	outcomes := s.sideEffects(ctx, nil, jobs)
	return result, outcomes, nil
}

// ListAttachments returns a ticket's attachments with their analysis results.
func (s *ChatService) ListAttachments(ctx context.Context, ticketID string) ([]domain.Attachment, error) {
	if _, err := s.tickets.GetByID(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.attachments.ListByTicket(ctx, ticketID)
}

func (s *ChatService) storeUpload(ctx context.Context, ticketID string, f Upload) (*domain.Attachment, error) {
	att := &domain.Attachment{
		ID:           uuid.NewString(),
		TicketID:     ticketID,
		OriginalName: f.Name,
		MimeType:     f.MimeType,
		SizeBytes:    int64(len(f.Data)),
	}
	att.StorageRef = storage.Key(ticketID, att.ID, f.Name)
	if err := s.blobs.Put(ctx, att.StorageRef, f.Data, f.MimeType); err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}
	return att, nil
}

// sideEffects runs enqueue and broadcast concurrently once the primary write
// has succeeded. They continue even if the caller goes away.
func (s *ChatService) sideEffects(ctx context.Context, msg *domain.Message, jobs []domain.Attachment) []Outcome {
	ctx = context.WithoutCancel(ctx)

	var (
		wg       sync.WaitGroup
		enqueued []Outcome
		notified *Outcome
	)
	if len(jobs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enqueued = s.enqueueAll(ctx, jobs)
		}()
	}
	if msg != nil && s.notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := s.broadcast(ctx, *msg)
			notified = &out
		}()
	}
	wg.Wait()

	outcomes := enqueued
	if notified != nil {
		outcomes = append(outcomes, *notified)
	}
	return outcomes
}

func (s *ChatService) enqueueAll(ctx context.Context, attachments []domain.Attachment) []Outcome {
	outcomes := make([]Outcome, 0, len(attachments))
	for _, att := range attachments {
		out := Outcome{Step: StepEnqueue, Ref: att.ID}
		job := domain.JobForAttachment(uuid.NewString(), att, s.now().UTC())
		if err := s.queue.Enqueue(ctx, job); err != nil {
			out.Err = err
			s.metrics.Inc(observability.CounterEnqueueFailed, 1)
			s.logger.Warn("analysis enqueue failed",
				zap.String("ticket_id", att.TicketID),
				zap.String("attachment_id", att.ID),
				zap.Error(err),
			)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (s *ChatService) broadcast(ctx context.Context, msg domain.Message) Outcome {
	out := Outcome{Step: StepBroadcast, Ref: msg.ID}
	if err := s.notifier.MessagePosted(ctx, msg); err != nil {
		out.Err = err
		s.metrics.Inc(observability.CounterBroadcastFailed, 1)
		s.logger.Warn("broadcast incomplete",
			zap.String("ticket_id", msg.TicketID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return out
}

func trimmedBody(body *string) *string {
	if body == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*body)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
