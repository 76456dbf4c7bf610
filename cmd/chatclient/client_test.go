package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-chat/internal/auth"
	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/events"
	"github.com/spec-kit/ticket-chat/internal/relay"
)

func text(s string) *string { return &s }

func TestAPIClientFetchAndPost(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tickets/42/messages":
			_, _ = io.WriteString(w, `{"data":[{"id":"m1","ticket_id":"42","author_id":"u1","body":"hi"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/tickets/42/messages":
			raw, _ := io.ReadAll(r.Body)
			gotBody = string(raw)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"data":{"id":"m2","ticket_id":"42","author_id":"u1","body":"hello"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"ticket not found"}}`)
		}
	}))
	defer srv.Close()

	api := newAPIClient(srv.URL+"/", "tok")
	ctx := context.Background()

	msgs, err := api.fetchMessages(ctx, "42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", *msgs[0].Body)
	assert.Equal(t, "Bearer tok", gotAuth)

	msg, err := api.postMessage(ctx, "42", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m2", msg.ID)
	assert.JSONEq(t, `{"body":"hello"}`, gotBody)

	_, err = api.fetchMessages(ctx, "99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

type frames struct {
	queue [][]byte
}

func (f *frames) ReadJSON(v any) error {
	if len(f.queue) == 0 {
		return io.EOF
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return json.Unmarshal(next, v)
}

func frameOf(t *testing.T, ev events.Event) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func TestReadFramesFeedsView(t *testing.T) {
	view := relay.NewView(relay.NewLocalBus(), "42")
	defer view.Close()

	msg := domain.Message{ID: "m1", TicketID: "42", AuthorID: "u2", Body: text("hello")}
	src := &frames{queue: [][]byte{
		frameOf(t, events.Joined("42")),
		frameOf(t, events.NewMessage(msg)),
		frameOf(t, events.NewMessage(msg)),
		frameOf(t, events.Error("unknown action")),
	}}

	var reported []string
	err := readFrames(src, view.Add, func(m string) { reported = append(reported, m) })

	assert.True(t, errors.Is(err, io.EOF))
	require.Len(t, view.Messages(), 1)
	assert.Equal(t, "m1", view.Messages()[0].ID)
	assert.Equal(t, []string{"unknown action"}, reported)
}

func TestPrinterShowsEachMessageOnce(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)
	first := domain.Message{ID: "m1", AuthorID: "u1", Body: text("one"), CreatedAt: at}
	second := domain.Message{ID: "m2", AuthorID: "u2", Body: text("two"), CreatedAt: at.Add(time.Second)}

	p.show([]domain.Message{first})
	p.show([]domain.Message{first, second})

	assert.Equal(t, "10:00:00 u1: one\n10:00:01 u2: two\n", buf.String())
}

func TestParseFlagsMintsDevToken(t *testing.T) {
	t.Setenv("CHAT_TOKEN", "")
	opts, err := parseFlags([]string{"--dev-secret", "s3cret", "--user", "agent-7", "--role", "agent", "-t", "42"})
	require.NoError(t, err)

	actor, err := auth.NewTokenManager("s3cret", 60).ParseToken(opts.token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", actor.ID)
	assert.Equal(t, domain.ActorRoleAgent, actor.Role)
	assert.Equal(t, "42", opts.ticketID)
}

func TestParseFlagsRequiresIdentity(t *testing.T) {
	t.Setenv("CHAT_TOKEN", "")

	_, err := parseFlags([]string{"-t", "42"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--token", "x", "--redis", "127.0.0.1:6379"})
	assert.Error(t, err)
}

func TestResolveTicketFromSibling(t *testing.T) {
	bus := relay.NewLocalBus()
	open := relay.NewView(bus, "42")
	defer open.Close()
	fresh := relay.NewView(bus, "")
	defer fresh.Close()

	id, err := resolveTicket(context.Background(), fresh)

	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestLoadHistoryPrefersSibling(t *testing.T) {
	bus := relay.NewLocalBus()
	open := relay.NewView(bus, "42")
	defer open.Close()
	require.NoError(t, open.Replace(context.Background(), []domain.Message{{ID: "m1", TicketID: "42", Body: text("hi")}}))

	fresh := relay.NewView(bus, "")
	defer fresh.Close()
	id, err := resolveTicket(context.Background(), fresh)
	require.NoError(t, err)

	fetched := false
	fromSibling, err := loadHistory(context.Background(), fresh, func(context.Context, string) ([]domain.Message, error) {
		fetched = true
		return nil, nil
	}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.True(t, fromSibling)
	assert.False(t, fetched)
	require.Len(t, fresh.Messages(), 1)
	assert.Equal(t, "m1", fresh.Messages()[0].ID)
}

func TestLoadHistoryFetchesWithoutSibling(t *testing.T) {
	view := relay.NewView(relay.NewLocalBus(), "42")
	defer view.Close()

	var fetchedFor string
	fromSibling, err := loadHistory(context.Background(), view, func(_ context.Context, ticketID string) ([]domain.Message, error) {
		fetchedFor = ticketID
		return []domain.Message{{ID: "m1", TicketID: "42"}, {ID: "m2", TicketID: "42"}}, nil
	}, 10*time.Millisecond)

	require.NoError(t, err)
	assert.False(t, fromSibling)
	assert.Equal(t, "42", fetchedFor)
	assert.Len(t, view.Messages(), 2)
}
