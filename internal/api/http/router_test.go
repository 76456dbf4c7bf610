package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/api/http/handlers"
	"github.com/spec-kit/ticket-chat/internal/auth"
	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/events"
	"github.com/spec-kit/ticket-chat/internal/gateway"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/service"
	apperrors "github.com/spec-kit/ticket-chat/pkg/util"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeChat struct {
	mu     sync.Mutex
	posted []service.PostMessageInput
	files  []service.Upload
}

func (f *fakeChat) PostMessage(_ context.Context, input service.PostMessageInput) (*domain.Message, []service.Outcome, error) {
	if input.TicketID != "42" {
		return nil, nil, apperrors.NewNotFound("ticket", nil)
	}
	if input.Body == nil && input.Attachment == nil {
		return nil, nil, service.ErrEmptyMessage
	}
	f.mu.Lock()
	f.posted = append(f.posted, input)
	f.mu.Unlock()
	msg := &domain.Message{ID: "m1", TicketID: input.TicketID, AuthorID: input.AuthorID, Body: input.Body, CreatedAt: time.Now()}
	if input.Attachment != nil {
		msg.Attachment = &domain.Attachment{ID: "a1", TicketID: input.TicketID, OriginalName: input.Attachment.Name, MimeType: input.Attachment.MimeType}
		msg.AttachmentRef = &msg.Attachment.ID
	}
	return msg, nil, nil
}

func (f *fakeChat) ListMessages(_ context.Context, ticketID string) ([]domain.Message, error) {
	if ticketID != "42" {
		return nil, apperrors.NewNotFound("ticket", nil)
	}
	first, second := "first", "second"
	return []domain.Message{
		{ID: "m1", TicketID: "42", AuthorID: "u1", Body: &first},
		{ID: "m2", TicketID: "42", AuthorID: "u2", Body: &second},
	}, nil
}

func (f *fakeChat) AttachFiles(_ context.Context, ticketID string, files []service.Upload) ([]domain.Attachment, []service.Outcome, error) {
	f.mu.Lock()
	f.files = append(f.files, files...)
	f.mu.Unlock()
	atts := make([]domain.Attachment, len(files))
	for i, file := range files {
		atts[i] = domain.Attachment{ID: file.Name, TicketID: ticketID, OriginalName: file.Name, MimeType: file.MimeType, SizeBytes: int64(len(file.Data))}
	}
	return atts, nil, nil
}

func (f *fakeChat) ListAttachments(_ context.Context, ticketID string) ([]domain.Attachment, error) {
	result := "No defects found"
	return []domain.Attachment{{ID: "a1", TicketID: ticketID, MimeType: "image/png", AnalysisResult: &result}}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testServer struct {
	app     *fiber.App
	tokens  *auth.TokenManager
	chat    *fakeChat
	gateway *gateway.Gateway
}

func newTestServer(t *testing.T, deps map[string]handlers.Pinger) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	gw := gateway.New(gateway.Config{}, logger, metrics)
	t.Cleanup(gw.Close)

	s := &testServer{
		app:     fiber.New(),
		tokens:  auth.NewTokenManager("test-secret", 60),
		chat:    &fakeChat{},
		gateway: gw,
	}
	RegisterMiddlewares(s.app, logger, metrics, 5*time.Second)
	RegisterRoutes(s.app, RouteConfig{
		Health:         handlers.NewHealthHandler("ticket-chat", "test", deps),
		Metrics:        handlers.NewMetricsHandler(metrics, gw, nil),
		Messages:       handlers.NewMessagesHandler(s.chat, 1<<20),
		Attachments:    handlers.NewAttachmentsHandler(s.chat, 1<<20),
		Realtime:       handlers.NewRealtimeHandler(gw, logger, time.Second, time.Second),
		AuthMiddleware: auth.NewAuthMiddleware(s.tokens),
	})
	return s
}

func (s *testServer) token(t *testing.T, id string, role domain.ActorRole) string {
	t.Helper()
	tok, _, err := s.tokens.GenerateToken(domain.Actor{ID: id, Role: role})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token, contentType string, body io.Reader) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set(fiber.HeaderContentType, contentType)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, fiber.MethodGet, "/tickets/42/messages", "", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, apperrors.CodeUnauthorized, errorCode(body))

	status, _ = s.do(t, fiber.MethodGet, "/tickets/42/messages", "garbage", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = s.do(t, fiber.MethodGet, "/tickets/42/messages?token="+s.token(t, "u1", domain.ActorRoleRequester), "", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestPostMessageJSON(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "u1", domain.ActorRoleRequester)

	status, body := s.do(t, fiber.MethodPost, "/tickets/42/messages", tok, fiber.MIMEApplicationJSON, strings.NewReader(`{"body":"hello"}`))

	require.Equal(t, fiber.StatusCreated, status, body)
	data := body["data"].(map[string]any)
	assert.Equal(t, "hello", data["body"])
	assert.Equal(t, "u1", data["author_id"])
	assert.Equal(t, "42", data["ticket_id"])
}

func TestPostMessageErrors(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "u1", domain.ActorRoleRequester)

	status, body := s.do(t, fiber.MethodPost, "/tickets/42/messages", tok, fiber.MIMEApplicationJSON, strings.NewReader(`{}`))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeValidation, errorCode(body))

	long := strings.Repeat("x", 4001)
	status, body = s.do(t, fiber.MethodPost, "/tickets/42/messages", tok, fiber.MIMEApplicationJSON, strings.NewReader(`{"body":"`+long+`"}`))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeValidation, errorCode(body))

	status, body = s.do(t, fiber.MethodPost, "/tickets/99/messages", tok, fiber.MIMEApplicationJSON, strings.NewReader(`{"body":"hi"}`))
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(body))
}

func multipartBody(t *testing.T, field string, names []string, body string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if body != "" {
		require.NoError(t, w.WriteField("body", body))
	}
	for _, name := range names {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
		h.Set("Content-Type", "application/octet-stream")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(pngBytes)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestPostMessageMultipart(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "u1", domain.ActorRoleRequester)
	body, contentType := multipartBody(t, "file", []string{"photo.png"}, "see photo")

	status, resp := s.do(t, fiber.MethodPost, "/tickets/42/messages", tok, contentType, body)

	require.Equal(t, fiber.StatusCreated, status, resp)
	require.Len(t, s.chat.posted, 1)
	posted := s.chat.posted[0]
	require.NotNil(t, posted.Attachment)
	assert.Equal(t, "see photo", *posted.Body)
	assert.Equal(t, "photo.png", posted.Attachment.Name)
	assert.Equal(t, "image/png", posted.Attachment.MimeType)
	assert.Equal(t, pngBytes, posted.Attachment.Data)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "a1", data["attachment"].(map[string]any)["id"])
}

func TestListMessages(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "agent-1", domain.ActorRoleAgent)

	status, body := s.do(t, fiber.MethodGet, "/tickets/42/messages", tok, "", nil)

	require.Equal(t, fiber.StatusOK, status)
	items := body["data"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "m1", items[0].(map[string]any)["id"])
	assert.Equal(t, "m2", items[1].(map[string]any)["id"])
}

func TestAttachmentsUploadAndList(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "u1", domain.ActorRoleRequester)
	body, contentType := multipartBody(t, "files", []string{"a.png", "b.png"}, "")

	status, resp := s.do(t, fiber.MethodPost, "/tickets/42/attachments", tok, contentType, body)
	require.Equal(t, fiber.StatusCreated, status, resp)
	assert.Len(t, resp["data"].([]any), 2)
	assert.Len(t, s.chat.files, 2)

	status, resp = s.do(t, fiber.MethodGet, "/tickets/42/attachments", tok, "", nil)
	require.Equal(t, fiber.StatusOK, status)
	first := resp["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "No defects found", first["analysis_result"])

	status, _ = s.do(t, fiber.MethodPost, "/tickets/42/attachments", tok, fiber.MIMEApplicationJSON, strings.NewReader(`{}`))
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestMetricsRequiresAgent(t *testing.T) {
	s := newTestServer(t, nil)

	status, _ := s.do(t, fiber.MethodGet, "/metrics", s.token(t, "u1", domain.ActorRoleRequester), "", nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := s.do(t, fiber.MethodGet, "/metrics", s.token(t, "a1", domain.ActorRoleAgent), "", nil)
	require.Equal(t, fiber.StatusOK, status)
	gauges := body["data"].(map[string]any)["gauges"].(map[string]any)
	assert.EqualValues(t, 0, gauges["realtime_connections"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, map[string]handlers.Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("down")}})

	status, _ := s.do(t, fiber.MethodGet, "/health/live", "", "", nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, body := s.do(t, fiber.MethodGet, "/health/ready", "", "", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "ok", details["postgres"])
	assert.Equal(t, "down", details["redis"])
}

func TestWebSocketJoinAndReceive(t *testing.T) {
	s := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.Shutdown() })

	dial := func(id string, role domain.ActorRole) *websocket.Conn {
		url := "ws://" + ln.Addr().String() + "/ws?token=" + s.token(t, id, role)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		return conn
	}
	read := func(conn *websocket.Conn) events.Frame {
		var frame events.Frame
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	requester := dial("u1", domain.ActorRoleRequester)
	require.NoError(t, requester.WriteJSON(events.Action{Action: events.ActionJoinChat, TicketID: "42"}))
	assert.Equal(t, events.EventJoined, read(requester).Type)

	require.NoError(t, requester.WriteJSON(events.Action{Action: events.ActionJoinLobby}))
	assert.Equal(t, events.EventError, read(requester).Type)

	body := "hello"
	s.gateway.Broadcast(gateway.TicketRoom("42"), events.NewMessage(domain.Message{ID: "m1", TicketID: "42", AuthorID: "u2", Body: &body}))

	frame := read(requester)
	assert.Equal(t, events.EventNewMessage, frame.Type)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	assert.Equal(t, "42", msg.TicketID)
	assert.Equal(t, "hello", *msg.Body)

	_ = requester.Close()
	require.Eventually(t, func() bool { return s.gateway.Connections() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketTicketIDCannotReachLobby(t *testing.T) {
	s := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.Shutdown() })

	url := "ws://" + ln.Addr().String() + "/ws?token=" + s.token(t, "u1", domain.ActorRoleRequester)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	for _, id := range []string{gateway.LobbyRoom, "tickets"} {
		require.NoError(t, conn.WriteJSON(events.Action{Action: events.ActionJoinChat, TicketID: id}))
		var frame events.Frame
		require.NoError(t, conn.ReadJSON(&frame))
		require.Equal(t, events.EventJoined, frame.Type)
		assert.Equal(t, 1, s.gateway.RoomSize(gateway.TicketRoom(id)))
	}
	assert.Zero(t, s.gateway.RoomSize(gateway.LobbyRoom))

	activity := s.gateway.Broadcast(gateway.LobbyRoom, events.ChatActivity(domain.Message{ID: "m9", TicketID: "99"}))
	assert.Zero(t, activity.Delivered)
}

func TestWebSocketRejectsPlainRequest(t *testing.T) {
	s := newTestServer(t, nil)

	status, _ := s.do(t, fiber.MethodGet, "/ws", s.token(t, "u1", domain.ActorRoleRequester), "", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, status)
}
