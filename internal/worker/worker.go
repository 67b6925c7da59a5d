// Package worker wraps the worker service API: session creation, bounded
// latest-event reads, and message injection. Each operation is stateless;
// the orchestrator supplies all context.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/halcyon-dev/parley/internal/conversation"
)

const DefaultTimeout = 30 * time.Second

// TaskMetadata seeds a new worker session alongside the initial message.
type TaskMetadata struct {
	Task       string `json:"task,omitempty"`
	Rules      string `json:"rules,omitempty"`
	Repository string `json:"repository,omitempty"`
}

type Client struct {
	baseURL      string
	timeout      time.Duration
	fetchRetries int
	retryBackoff []time.Duration
	sleep        func(context.Context, time.Duration) error
	http         *http.Client
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithFetchRetries bounds the transparent retries FetchLatestEvent applies
// to transient server failures.
func WithFetchRetries(retries int) Option {
	return func(c *Client) {
		if retries >= 0 {
			c.fetchRetries = retries
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout:      DefaultTimeout,
		fetchRetries: 2,
		retryBackoff: []time.Duration{1 * time.Second, 2 * time.Second},
		sleep:        sleepCtx,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createSessionRequest struct {
	InitialUserMsg string `json:"initial_user_msg"`
	Task           string `json:"task,omitempty"`
	Rules          string `json:"rules,omitempty"`
	Repository     string `json:"repository,omitempty"`
}

type createSessionResponse struct {
	ConversationID string `json:"conversation_id"`
}

// CreateSession starts a new worker session seeded with initialMessage and
// returns the opaque session identifier.
func (c *Client) CreateSession(ctx context.Context, initialMessage string, meta TaskMetadata) (string, error) {
	if strings.TrimSpace(initialMessage) == "" {
		return "", &conversation.WorkerError{Op: "create", Detail: "initial message is empty"}
	}
	body := createSessionRequest{
		InitialUserMsg: initialMessage,
		Task:           meta.Task,
		Rules:          meta.Rules,
		Repository:     meta.Repository,
	}
	var decoded createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &decoded); err != nil {
		return "", &conversation.WorkerError{Op: "create", Detail: "create session", Err: err}
	}
	if strings.TrimSpace(decoded.ConversationID) == "" {
		return "", &conversation.WorkerError{Op: "create", Detail: "response missing conversation id"}
	}
	return decoded.ConversationID, nil
}

// FetchLatestEvent returns the single most recent event for the session,
// or nil when the session has emitted nothing yet. The bounded fetch keeps
// polling cost constant regardless of how long the session has run. The
// worker backend intermittently fails this read with 5xx responses, so
// those are retried up to the configured bound before surfacing failure.
func (c *Client) FetchLatestEvent(ctx context.Context, sessionID string) (*conversation.Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &conversation.WorkerError{Op: "fetch", Detail: "session id is empty"}
	}
	path := "/conversations/" + url.PathEscape(sessionID) + "/events/latest"

	var lastErr error
	for attempt := 0; attempt <= c.fetchRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoffFor(attempt)); err != nil {
				return nil, &conversation.WorkerError{Op: "fetch", Detail: "retry canceled", Err: err}
			}
		}
		event, retryable, err := c.fetchOnce(ctx, path)
		if err == nil {
			return event, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, &conversation.WorkerError{Op: "fetch", Detail: "fetch latest event", Err: lastErr}
}

func (c *Client) fetchOnce(ctx context.Context, path string) (*conversation.Event, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(request)
	if err != nil {
		return nil, false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("status %s", resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, false, fmt.Errorf("status %s", resp.Status)
	}

	var event conversation.Event
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, false, fmt.Errorf("decode event: %w", err)
	}
	return &event, false, nil
}

type pushMessageRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

// PushMessage injects a new message into an existing session.
func (c *Client) PushMessage(ctx context.Context, sessionID, message string) error {
	if strings.TrimSpace(sessionID) == "" {
		return &conversation.WorkerError{Op: "push", Detail: "session id is empty"}
	}
	if strings.TrimSpace(message) == "" {
		return &conversation.WorkerError{Op: "push", Detail: "message is empty"}
	}
	path := "/conversations/" + url.PathEscape(sessionID) + "/events"
	body := pushMessageRequest{Type: "message", Content: message, Source: "user"}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return &conversation.WorkerError{Op: "push", Detail: "push message", Err: err}
	}
	return nil
}

// Call performs an arbitrary request against the worker API. It backs the
// planner's ACTION:METHOD:PATH directives, which are dispatched outside
// the orchestrator.
func (c *Client) Call(ctx context.Context, method, path string, body json.RawMessage) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var payload any
	if len(body) > 0 {
		payload = body
	}
	if err := c.do(ctx, method, path, payload, nil); err != nil {
		return &conversation.WorkerError{Op: "call", Detail: method + " " + path, Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SetRetryBackoff overrides the fetch retry backoff schedule.
func (c *Client) SetRetryBackoff(backoff []time.Duration) {
	if len(backoff) == 0 {
		return
	}
	c.retryBackoff = append([]time.Duration(nil), backoff...)
}

func (c *Client) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		return 0
	}
	if idx >= len(c.retryBackoff) {
		return c.retryBackoff[len(c.retryBackoff)-1]
	}
	return c.retryBackoff[idx]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
