package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/events"
	"github.com/spec-kit/ticket-chat/internal/relay"
)

const siblingWait = 500 * time.Millisecond

type fetchFunc func(ctx context.Context, ticketID string) ([]domain.Message, error)

// loadHistory fills the view from an open sibling view when one answers
// within wait, and from the API otherwise. It reports which source was used.
func loadHistory(ctx context.Context, view *relay.View, fetch fetchFunc, wait time.Duration) (fromSibling bool, err error) {
	synced, err := view.Sync(ctx, wait)
	if err != nil {
		return false, fmt.Errorf("relay sync: %w", err)
	}
	if synced {
		return true, nil
	}
	msgs, err := fetch(ctx, view.TicketID())
	if err != nil {
		return false, err
	}
	return false, view.Replace(ctx, msgs)
}

// apiClient talks to the chat HTTP API and the realtime socket.
type apiClient struct {
	server string
	token  string
	http   *http.Client
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAPIClient(server, token string) *apiClient {
	return &apiClient{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{},
	}
}

func (c *apiClient) fetchMessages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := c.do(ctx, http.MethodGet, "/tickets/"+url.PathEscape(ticketID)+"/messages", nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return msgs, nil
}

func (c *apiClient) postMessage(ctx context.Context, ticketID, body string) (*domain.Message, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, err
	}
	var msg domain.Message
	if err := c.do(ctx, http.MethodPost, "/tickets/"+url.PathEscape(ticketID)+"/messages", payload, &msg); err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return &msg, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.server+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}

// dial opens the realtime socket and joins the ticket room.
func (c *apiClient) dial(ctx context.Context, ticketID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.server)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	if err := conn.WriteJSON(events.Action{Action: events.ActionJoinChat, TicketID: ticketID}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join chat: %w", err)
	}
	return conn, nil
}

// FrameReader is the read side of a realtime socket.
type FrameReader interface {
	ReadJSON(v any) error
}

// readFrames passes every new_message frame to add until the socket fails.
// Server errors are reported through onError.
func readFrames(conn FrameReader, add func(domain.Message) bool, onError func(string)) error {
	for {
		var frame events.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Type {
		case events.EventNewMessage:
			var msg domain.Message
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				onError("undecodable message: " + err.Error())
				continue
			}
			add(msg)
		case events.EventError:
			var payload struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(frame.Data, &payload)
			onError(payload.Message)
		}
	}
}

// printer writes each message once, whichever source delivered it.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]struct{}
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]struct{})}
}

func (p *printer) show(msgs []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := p.printed[m.ID]; !ok {
			fresh = append(fresh, m)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Before(fresh[j]) })
	for _, m := range fresh {
		p.printed[m.ID] = struct{}{}
		fmt.Fprintln(p.w, format(m))
	}
}

func format(m domain.Message) string {
	text := ""
	if m.Body != nil {
		text = *m.Body
	}
	if m.Attachment != nil {
		text = strings.TrimSpace(text + " [" + m.Attachment.OriginalName + "]")
	}
	return fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04:05"), m.AuthorID, text)
}
