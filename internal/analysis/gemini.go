package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Image is the payload sent to the inference service.
type Image struct {
	Data     []byte
	MimeType string
}

// Inferencer turns an image and a prompt into text.
type Inferencer interface {
	Analyze(ctx context.Context, img Image, prompt string) (string, error)
}

// GeminiClient calls a Gemini-compatible generateContent endpoint.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

// NewGeminiClient builds a client. A nil httpClient uses http.DefaultClient;
// call deadlines come from the context.
func NewGeminiClient(baseURL, model, apiKey string, httpClient *http.Client) *GeminiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GeminiClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
	}
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) Analyze(ctx context.Context, img Image, prompt string) (string, error) {
	wire := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{
		{Text: strings.TrimSpace(prompt)},
		{InlineData: &geminiInlineData{
			MimeType: img.MimeType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}},
	}}}}
	body, err := json.Marshal(wire)
	if err != nil {
		return "", &TerminalProviderError{Message: "marshaling request", Err: err}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &TerminalProviderError{Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransientProviderError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, readErrorMessage(resp.Body))
	}

	var decoded geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &TransientProviderError{Err: fmt.Errorf("decoding response: %w", err)}
	}

	var text strings.Builder
	for _, cand := range decoded.Candidates {
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", &TerminalProviderError{Message: "empty response"}
	}
	return text.String(), nil
}

func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var wire struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &wire) == nil && wire.Error.Message != "" {
		if wire.Error.Status != "" {
			return wire.Error.Status + ": " + wire.Error.Message
		}
		return wire.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// InferencerFunc adapts a function to Inferencer.
type InferencerFunc func(ctx context.Context, img Image, prompt string) (string, error)

func (f InferencerFunc) Analyze(ctx context.Context, img Image, prompt string) (string, error) {
	return f(ctx, img, prompt)
}
