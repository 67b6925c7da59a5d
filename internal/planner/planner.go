// Package planner wraps the planner service behind a stateless
// request/response client. The planner speaks the OpenAI-compatible chat
// completions protocol; the transcript maps directly onto chat messages.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/halcyon-dev/parley/internal/conversation"
)

const DefaultTimeout = 30 * time.Second

type Client struct {
	endpoint string
	model    string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func New(baseURL, model string, opts ...Option) *Client {
	c := &Client{
		endpoint: normalizeBaseURL(baseURL) + "/chat/completions",
		model:    model,
		timeout:  DefaultTimeout,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Send posts the full transcript and returns the planner's next message.
// Failures are never retried here; the orchestrator decides what a failed
// planner call means for the conversation.
func (c *Client) Send(ctx context.Context, transcript []conversation.Message) (string, error) {
	if len(transcript) == 0 {
		return "", &conversation.PlannerError{Detail: "transcript is empty"}
	}
	messages := make([]chatMessage, 0, len(transcript))
	for _, turn := range transcript {
		messages = append(messages, chatMessage{Role: chatRole(turn.Role), Content: turn.Content})
	}
	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", &conversation.PlannerError{Detail: "marshal request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &conversation.PlannerError{Detail: "create request", Err: err}
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return "", &conversation.PlannerError{Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &conversation.PlannerError{Detail: fmt.Sprintf("status %s", resp.Status)}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &conversation.PlannerError{Detail: "decode response", Err: err}
	}
	if len(decoded.Choices) == 0 {
		return "", &conversation.PlannerError{Detail: "response missing choices"}
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &conversation.PlannerError{Detail: "response empty"}
	}
	return content, nil
}

// chatRole maps transcript roles onto the chat protocol. Worker turns are
// presented to the planner as user input.
func chatRole(role string) string {
	switch role {
	case conversation.RoleSystem:
		return "system"
	case conversation.RolePlanner:
		return "assistant"
	default:
		return "user"
	}
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = "http://localhost:1234/v1"
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}
