// Package llm implements the AI provider client for botik: chat
// completions, Whisper audio transcription, and image description.
// Uses the OpenAI-compatible API format, which works with OpenAI and any
// compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ivakhin/botik/pkg/botik/conversation"
)

// APIError is a provider failure (quota, auth, model, upstream) carrying
// the HTTP status. Handlers convert it to a fixed user-visible message;
// it never crashes the process.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.StatusCode, e.Message)
}

// Client handles communication with the provider API.
type Client struct {
	baseURL            string
	apiKey             string
	model              string
	transcriptionModel string
	httpClient         *http.Client
	logger             *slog.Logger
}

// NewClient creates a provider client. baseURL empty means the public
// OpenAI endpoint.
func NewClient(apiKey, baseURL, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4.1-mini"
	}
	return &Client{
		baseURL:            strings.TrimRight(baseURL, "/"),
		apiKey:             apiKey,
		model:              model,
		transcriptionModel: "whisper-1",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "llm"),
	}
}

// ---------- Wire types ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ---------- Operations ----------

// Complete sends the conversation history to the chat completions endpoint
// and returns the assistant's reply.
func (c *Client) Complete(ctx context.Context, history []conversation.Entry) (string, error) {
	messages := make([]chatMessage, 0, len(history))
	for _, entry := range history {
		messages = append(messages, chatMessage{
			Role:    string(entry.Role),
			Content: entry.Content,
		})
	}
	return c.complete(ctx, messages)
}

// Describe sends an image plus a prompt to the vision-capable chat endpoint
// and returns the model's description.
func (c *Client) Describe(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	parts := []contentPart{
		{Type: "text", Text: prompt},
		{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
	}
	messages := []chatMessage{{Role: "user", Content: parts}}
	return c.complete(ctx, messages)
}

// Transcribe sends audio to the Whisper-compatible transcriptions endpoint
// and returns the transcript. filename carries the format hint
// (e.g. "voice.ogg").
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if filename == "" {
		filename = "voice.ogg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("llm: creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("llm: writing audio data: %w", err)
	}
	if err := w.WriteField("model", c.transcriptionModel); err != nil {
		return "", fmt.Errorf("llm: writing model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("llm: closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("llm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("llm: decoding transcript: %w", err)
	}
	return payload.Text, nil
}

// complete posts messages to /chat/completions and returns the first choice.
func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &APIError{StatusCode: resp.StatusCode, Message: string(errBody)}
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("llm: decoding response: %w", err)
	}
	if payload.Error != nil {
		return "", &APIError{StatusCode: resp.StatusCode, Message: payload.Error.Message}
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}
