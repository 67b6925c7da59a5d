package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halcyon-dev/parley/internal/conversation"
)

func fastClient(baseURL string, opts ...Option) *Client {
	c := New(baseURL, opts...)
	c.SetRetryBackoff([]time.Duration{time.Millisecond, 2 * time.Millisecond})
	return c
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	var got createSessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"conversation_id":"sess-42"}`))
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	id, err := c.CreateSession(context.Background(), "build X", TaskMetadata{Task: "build X", Repository: "org/repo"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "sess-42" {
		t.Fatalf("unexpected session id: %q", id)
	}
	if got.InitialUserMsg != "build X" || got.Repository != "org/repo" {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	if _, err := c.CreateSession(context.Background(), "build X", TaskMetadata{}); !errors.Is(err, conversation.ErrWorker) {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if _, err := c.CreateSession(context.Background(), "  ", TaskMetadata{}); !errors.Is(err, conversation.ErrWorker) {
		t.Fatalf("expected WorkerError for empty message, got %v", err)
	}
}

func TestFetchLatestEvent_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "flaky backend", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":7,"type":"code_written","content":"wrote server.js"}`))
	}))
	defer srv.Close()

	c := fastClient(srv.URL, WithFetchRetries(2))
	event, err := c.FetchLatestEvent(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("FetchLatestEvent: %v", err)
	}
	if event == nil || event.ID != 7 || event.Content != "wrote server.js" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 calls (2 retries), got %d", n)
	}
}

func TestFetchLatestEvent_RetryBoundExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := fastClient(srv.URL, WithFetchRetries(2))
	_, err := c.FetchLatestEvent(context.Background(), "sess-1")
	if !errors.Is(err, conversation.ErrWorker) {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", n)
	}
}

func TestFetchLatestEvent_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := fastClient(srv.URL, WithFetchRetries(2))
	if _, err := c.FetchLatestEvent(context.Background(), "sess-1"); !errors.Is(err, conversation.ErrWorker) {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single call for a 4xx, got %d", n)
	}
}

func TestFetchLatestEvent_NoEventYet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	event, err := c.FetchLatestEvent(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("FetchLatestEvent: %v", err)
	}
	if event != nil {
		t.Fatalf("expected nil event, got %+v", event)
	}
}

func TestPushMessage(t *testing.T) {
	t.Parallel()

	var got pushMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/sess-1/events" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	if err := c.PushMessage(context.Background(), "sess-1", "fix the tests"); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	if got.Content != "fix the tests" || got.Type != "message" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestCall_DispatchesArbitraryEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/conversations/sess-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	if err := c.Call(context.Background(), http.MethodDelete, "conversations/sess-1", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}
