package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/events"
	"github.com/spec-kit/ticket-chat/internal/gateway"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/queue"
	"github.com/spec-kit/ticket-chat/internal/storage"
	apperrors "github.com/spec-kit/ticket-chat/pkg/util"
)

type memTickets struct{ ids map[string]bool }

func (m memTickets) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	if !m.ids[id] {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"id": id})
	}
	return &domain.Ticket{ID: id, Status: domain.TicketStatusOpen}, nil
}

type memMessages struct {
	mu    sync.Mutex
	items []domain.Message
	clock time.Time
	err   error
}

func (m *memMessages) Create(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.clock = m.clock.Add(time.Millisecond)
	msg.CreatedAt = m.clock
	if msg.Attachment != nil {
		msg.Attachment.CreatedAt = m.clock
		msg.AttachmentRef = &msg.Attachment.ID
	}
	m.items = append(m.items, *msg)
	return nil
}

func (m *memMessages) ListByTicket(_ context.Context, ticketID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Message{}
	for _, msg := range m.items {
		if msg.TicketID == ticketID {
			out = append(out, msg)
		}
	}
	domain.SortMessages(out)
	return out, nil
}

func (m *memMessages) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.items {
		if msg.ID == id {
			return true
		}
	}
	return false
}

type memAttachments struct {
	mu    sync.Mutex
	items []domain.Attachment
}

func (m *memAttachments) CreateBatch(_ context.Context, atts []*domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range atts {
		m.items = append(m.items, *att)
	}
	return nil
}

func (m *memAttachments) GetByID(_ context.Context, id string) (*domain.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range m.items {
		if att.ID == id {
			return &att, nil
		}
	}
	return nil, apperrors.NewNotFound("attachment", nil)
}

func (m *memAttachments) ListByTicket(_ context.Context, ticketID string) ([]domain.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Attachment{}
	for _, att := range m.items {
		if att.TicketID == ticketID {
			out = append(out, att)
		}
	}
	return out, nil
}

func (m *memAttachments) SetAnalysisResult(context.Context, string, string, time.Time) error {
	return nil
}

func (m *memAttachments) ListUnanalyzed(context.Context, time.Time, int) ([]domain.Attachment, error) {
	return nil, nil
}

type memQueue struct {
	mu   sync.Mutex
	jobs []domain.AnalysisJob
	err  error
}

func (q *memQueue) Enqueue(_ context.Context, job domain.AnalysisJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type notifierFunc func(ctx context.Context, msg domain.Message) error

func (f notifierFunc) MessagePosted(ctx context.Context, msg domain.Message) error {
	return f(ctx, msg)
}

type socket struct {
	id  string
	mu  sync.Mutex
	got []events.Event
}

func (s *socket) ID() string { return s.id }

func (s *socket) WriteEvent(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

func (s *socket) Close() error { return nil }

func (s *socket) received() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.got...)
}

type chatFixture struct {
	svc         *ChatService
	messages    *memMessages
	attachments *memAttachments
	blobs       *storage.MemoryStore
	queue       *memQueue
	gw          *gateway.Gateway
	metrics     *observability.Metrics
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	f := &chatFixture{
		messages:    &memMessages{clock: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		attachments: &memAttachments{},
		blobs:       storage.NewMemoryStore(),
		queue:       &memQueue{},
		metrics:     observability.NewMetrics(),
	}
	f.gw = gateway.New(gateway.Config{}, nil, f.metrics)
	t.Cleanup(f.gw.Close)
	f.svc = NewChatService(ChatDependencies{
		TicketRepo:     memTickets{ids: map[string]bool{"42": true, "43": true}},
		MessageRepo:    f.messages,
		AttachmentRepo: f.attachments,
		Blobs:          f.blobs,
		Queue:          f.queue,
		Notifier:       NewNotificationService(f.gw, nil),
		Metrics:        f.metrics,
	})
	return f
}

func strPtr(s string) *string { return &s }

func png() *Upload {
	return &Upload{Name: "Photo.PNG", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
}

func TestPostMessageFansOutToTicketRoomOnly(t *testing.T) {
	f := newChatFixture(t)
	a, b, c := &socket{id: "A"}, &socket{id: "B"}, &socket{id: "C"}
	require.NoError(t, f.gw.Join(a, gateway.TicketRoom("42")))
	require.NoError(t, f.gw.Join(b, gateway.TicketRoom("42")))
	require.NoError(t, f.gw.Join(c, gateway.TicketRoom("43")))

	msg, outcomes, err := f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "42", AuthorID: "A", Body: strPtr("hello")})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StepBroadcast, outcomes[0].Step)
	assert.NoError(t, outcomes[0].Err)

	require.Eventually(t, func() bool { return len(b.received()) == 1 }, time.Second, time.Millisecond)
	ev := b.received()[0]
	assert.Equal(t, events.EventNewMessage, ev.Type)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var frame struct {
		Event string         `json:"event"`
		Data  domain.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "new_message", frame.Event)
	assert.Equal(t, "42", frame.Data.TicketID)
	assert.Equal(t, "hello", *frame.Data.Body)
	assert.Equal(t, msg.ID, frame.Data.ID)

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, a.received(), 1)
	assert.Empty(t, c.received())
}

func TestPostMessageNotifiesLobby(t *testing.T) {
	f := newChatFixture(t)
	agent := &socket{id: "agent"}
	require.NoError(t, f.gw.Join(agent, gateway.LobbyRoom))

	msg, _, err := f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "43", AuthorID: "u1", Body: strPtr("hi")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(agent.received()) == 1 }, time.Second, time.Millisecond)
	ev := agent.received()[0]
	assert.Equal(t, events.EventChatActivity, ev.Type)
	payload := ev.Data.(events.ChatActivityPayload)
	assert.Equal(t, "43", payload.TicketID)
	assert.Equal(t, msg.ID, payload.MessageID)
}

func TestPostMessageValidation(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input PostMessageInput
		code  string
	}{
		{name: "no body no attachment", input: PostMessageInput{TicketID: "42", AuthorID: "u"}, code: apperrors.CodeValidation},
		{name: "whitespace body", input: PostMessageInput{TicketID: "42", AuthorID: "u", Body: strPtr("   \n")}, code: apperrors.CodeValidation},
		{name: "empty attachment", input: PostMessageInput{TicketID: "42", AuthorID: "u", Attachment: &Upload{Name: "a.png", MimeType: "image/png"}}, code: apperrors.CodeValidation},
		{name: "unknown ticket", input: PostMessageInput{TicketID: "99", AuthorID: "u", Body: strPtr("hi")}, code: apperrors.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.PostMessage(ctx, tt.input)
			assert.True(t, apperrors.IsCode(err, tt.code), "got %v", err)
		})
	}
	assert.ErrorIs(t, func() error {
		_, _, err := f.svc.PostMessage(ctx, PostMessageInput{TicketID: "42", AuthorID: "u"})
		return err
	}(), ErrEmptyMessage)

	msgs, err := f.svc.ListMessages(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPostMessageBodyIsTrimmed(t *testing.T) {
	f := newChatFixture(t)

	msg, _, err := f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "42", AuthorID: "u", Body: strPtr("  hi  ")})

	require.NoError(t, err)
	assert.Equal(t, "hi", *msg.Body)
}

func TestPostMessageWithImageEnqueuesJob(t *testing.T) {
	f := newChatFixture(t)

	msg, outcomes, err := f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "42", AuthorID: "u", Attachment: png()})
	require.NoError(t, err)

	require.NotNil(t, msg.Attachment)
	assert.Nil(t, msg.Body)
	assert.Equal(t, msg.Attachment.ID, *msg.AttachmentRef)
	assert.Equal(t, fmt.Sprintf("tickets/42/%s.png", msg.Attachment.ID), msg.Attachment.StorageRef)

	stored, err := f.blobs.Get(context.Background(), msg.Attachment.StorageRef)
	require.NoError(t, err)
	assert.Equal(t, "image/png", stored.MimeType)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, msg.Attachment.ID, job.AttachmentID)
	assert.Equal(t, msg.Attachment.StorageRef, job.PayloadRef)
	assert.NotEmpty(t, job.ID)

	steps := map[Step]error{}
	for _, o := range outcomes {
		steps[o.Step] = o.Err
	}
	assert.Contains(t, steps, StepEnqueue)
	assert.Contains(t, steps, StepBroadcast)
}

func TestPostMessageWithDocumentSkipsAnalysis(t *testing.T) {
	f := newChatFixture(t)

	_, outcomes, err := f.svc.PostMessage(context.Background(), PostMessageInput{
		TicketID: "42", AuthorID: "u",
		Attachment: &Upload{Name: "invoice.pdf", MimeType: "application/pdf", Data: []byte("%PDF")},
	})

	require.NoError(t, err)
	assert.Empty(t, f.queue.jobs)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StepBroadcast, outcomes[0].Step)
}

func TestPostMessageSurvivesQueueOutage(t *testing.T) {
	f := newChatFixture(t)
	f.queue.err = fmt.Errorf("%w: dial tcp: connection refused", queue.ErrUnavailable)
	watcher := &socket{id: "w"}
	require.NoError(t, f.gw.Join(watcher, gateway.TicketRoom("42")))

	msg, outcomes, err := f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "42", AuthorID: "u", Body: strPtr("see photo"), Attachment: png()})

	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, f.messages.has(msg.ID))
	var enqueueErr error
	for _, o := range outcomes {
		if o.Step == StepEnqueue {
			enqueueErr = o.Err
		}
	}
	assert.ErrorIs(t, enqueueErr, queue.ErrUnavailable)
	assert.EqualValues(t, 1, f.metrics.Count(observability.CounterEnqueueFailed))
	require.Eventually(t, func() bool { return len(watcher.received()) == 1 }, time.Second, time.Millisecond)
}

func TestPostMessageBroadcastsOnlyAfterStore(t *testing.T) {
	f := newChatFixture(t)
	var storedAtBroadcast bool
	f.svc.notifier = notifierFunc(func(_ context.Context, msg domain.Message) error {
		storedAtBroadcast = f.messages.has(msg.ID)
		return nil
	})

	_, _, err := f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "42", AuthorID: "u", Body: strPtr("x")})
	require.NoError(t, err)
	assert.True(t, storedAtBroadcast)

	called := false
	f.svc.notifier = notifierFunc(func(context.Context, domain.Message) error {
		called = true
		return nil
	})
	f.messages.err = errors.New("db down")
	_, _, err = f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "42", AuthorID: "u", Body: strPtr("y")})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestPostMessageBroadcastFailureIsContained(t *testing.T) {
	f := newChatFixture(t)
	f.svc.notifier = notifierFunc(func(context.Context, domain.Message) error {
		return gateway.DeliveryFailure{ConnID: "x", Err: gateway.ErrSlowConsumer}
	})

	msg, outcomes, err := f.svc.PostMessage(context.Background(), PostMessageInput{TicketID: "42", AuthorID: "u", Body: strPtr("x")})

	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, gateway.ErrSlowConsumer)
	assert.EqualValues(t, 1, f.metrics.Count(observability.CounterBroadcastFailed))
}

func TestListMessagesInCreationOrder(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		msg, _, err := f.svc.PostMessage(ctx, PostMessageInput{TicketID: "42", AuthorID: "u", Body: strPtr(fmt.Sprintf("m%d", i))})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	_, _, err := f.svc.PostMessage(ctx, PostMessageInput{TicketID: "43", AuthorID: "u", Body: strPtr("other")})
	require.NoError(t, err)

	msgs, err := f.svc.ListMessages(ctx, "42")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, ids[i], msg.ID)
	}

	_, err = f.svc.ListMessages(ctx, "404")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestAttachFilesEnqueuesEachImage(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	files := []Upload{*png(), *png(), {Name: "notes.txt", MimeType: "text/plain", Data: []byte("n")}, *png(), *png(), *png()}

	atts, outcomes, err := f.svc.AttachFiles(ctx, "42", files)

	require.NoError(t, err)
	assert.Len(t, atts, 6)
	assert.Len(t, f.queue.jobs, 5)
	assert.Len(t, outcomes, 5)
	for _, o := range outcomes {
		assert.Equal(t, StepEnqueue, o.Step)
		assert.NoError(t, o.Err)
	}

	listed, err := f.svc.ListAttachments(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, listed, 6)
	for _, att := range listed {
		assert.Nil(t, att.AnalysisResult)
	}
}

func TestAttachFilesValidation(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.AttachFiles(ctx, "42", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, _, err = f.svc.AttachFiles(ctx, "42", []Upload{{Name: "empty.png", MimeType: "image/png"}})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, _, err = f.svc.AttachFiles(ctx, "nope", []Upload{*png()})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}
