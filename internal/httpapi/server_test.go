package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halcyon-dev/parley/internal/conversation"
	"github.com/halcyon-dev/parley/internal/logging"
)

type fakeStore struct {
	convs   map[string]*conversation.Conversation
	created *conversation.Conversation
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: map[string]*conversation.Conversation{}}
}

func (s *fakeStore) Create(conv *conversation.Conversation) error {
	s.created = conv
	s.convs[conv.ID] = conv
	return nil
}

func (s *fakeStore) Get(id string) (*conversation.Conversation, error) {
	conv, ok := s.convs[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return conv, nil
}

type fakeStopper struct {
	id     string
	reason string
	err    error
	store  *fakeStore
}

func (f *fakeStopper) ForceStop(ctx context.Context, id, reason string) error {
	f.id = id
	f.reason = reason
	if f.err != nil {
		return f.err
	}
	if conv, ok := f.store.convs[id]; ok {
		conv.State = conversation.StateDone
		conv.Status = conversation.StatusStopped
		if reason == "" {
			reason = conversation.StopReasonForceStop
		}
		conv.StopReason = reason
	}
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeStore, *fakeStopper) {
	t.Helper()
	store := newFakeStore()
	stopper := &fakeStopper{store: store}
	server := NewServer(store, stopper, func() string { return "conv-1" }, logging.Discard())
	server.SetClock(func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	})
	return server, store, stopper
}

func TestCreateConversation(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t)
	body := `{"first_message": "build a web app", "task_context": "no secrets in code"}`
	req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp createResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "conv-1" || resp.State != conversation.StateInit || resp.Status != conversation.StatusActive {
		t.Fatalf("unexpected response: %+v", resp)
	}

	conv := store.created
	if conv.FirstMessage != "build a web app" || conv.TaskContext != "no secrets in code" {
		t.Fatalf("request fields not persisted: %+v", conv)
	}
	if conv.MaxIterations != conversation.DefaultMaxIterations {
		t.Fatalf("expected default iteration budget, got %d", conv.MaxIterations)
	}
	if conv.WakeAt == nil || !conv.WakeAt.Equal(conv.CreatedAt) {
		t.Fatalf("expected an immediate wake-up, got %v", conv.WakeAt)
	}
	if len(conv.Transcript) != 0 {
		t.Fatalf("transcript must be seeded by the first wake-up, not here")
	}
}

func TestCreateConversation_InitialMessageAlias(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/conversations",
		strings.NewReader(`{"initial_message": "build a web app"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if store.created.FirstMessage != "build a web app" {
		t.Fatalf("alias not honored: %+v", store.created)
	}
}

func TestCreateConversation_ConfiguredDefaultIterations(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t)
	server.SetDefaultMaxIterations(7)
	req := httptest.NewRequest(http.MethodPost, "/conversations",
		strings.NewReader(`{"first_message": "build a web app"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if store.created.MaxIterations != 7 {
		t.Fatalf("configured default not applied, got %d", store.created.MaxIterations)
	}
}

func TestCreateConversation_Validation(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t)

	for _, body := range []string{
		`{"first_message": "   "}`,
		`{"first_message": "ok", "max_iterations": -2}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rec.Code)
		}
	}
	if store.created != nil {
		t.Fatal("invalid request reached the store")
	}
}

func TestGetConversation(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t)
	store.convs["abc"] = &conversation.Conversation{
		ID:     "abc",
		State:  conversation.StateAwaitingWorker,
		Status: conversation.StatusActive,
	}

	req := httptest.NewRequest(http.MethodGet, "/conversations/abc", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.ID != "abc" || conv.State != conversation.StateAwaitingWorker {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/conversations/missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStopConversation(t *testing.T) {
	t.Parallel()

	server, store, stopper := newTestServer(t)
	store.convs["abc"] = &conversation.Conversation{
		ID:     "abc",
		State:  conversation.StateAwaitingWorker,
		Status: conversation.StatusActive,
	}

	req := httptest.NewRequest(http.MethodPost, "/conversations/abc/stop",
		strings.NewReader(`{"reason": "operator requested"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if stopper.id != "abc" || stopper.reason != "operator requested" {
		t.Fatalf("stopper called with %q %q", stopper.id, stopper.reason)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.StopReason != "operator requested" {
		t.Fatalf("unexpected stop reason: %q", conv.StopReason)
	}
}

func TestStopConversation_NoBody(t *testing.T) {
	t.Parallel()

	server, store, stopper := newTestServer(t)
	store.convs["abc"] = &conversation.Conversation{
		ID:     "abc",
		State:  conversation.StateAwaitingWorker,
		Status: conversation.StatusActive,
	}

	req := httptest.NewRequest(http.MethodPost, "/conversations/abc/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if stopper.reason != "" {
		t.Fatalf("expected empty reason, got %q", stopper.reason)
	}
}

func TestStopConversation_NotFound(t *testing.T) {
	t.Parallel()

	server, _, stopper := newTestServer(t)
	stopper.err = conversation.ErrNotFound

	req := httptest.NewRequest(http.MethodPost, "/conversations/missing/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
