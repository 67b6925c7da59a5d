// Package httpapi exposes the conversation lifecycle over HTTP:
// create, inspect, and stop. Handlers only touch the store and the
// runner; the state machine runs on its own wake-up cycle and never
// inside a request.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/halcyon-dev/parley/internal/conversation"
	"github.com/halcyon-dev/parley/internal/logging"
)

// ConversationStore is the slice of persistence the API needs.
type ConversationStore interface {
	Create(conv *conversation.Conversation) error
	Get(id string) (*conversation.Conversation, error)
}

// Stopper force-stops a conversation, waiting out any in-flight handler.
type Stopper interface {
	ForceStop(ctx context.Context, id, reason string) error
}

// NewID produces conversation ids; injected so tests can pin them.
type NewID func() string

// Server wraps the HTTP listener and conversation handlers.
type Server struct {
	store      ConversationStore
	stop       Stopper
	newID      NewID
	log        *logging.Logger
	clock      func() time.Time
	defaultMax int
	server     *http.Server
}

func NewServer(store ConversationStore, stop Stopper, newID NewID, log *logging.Logger) *Server {
	s := &Server{
		store:      store,
		stop:       stop,
		newID:      newID,
		log:        log,
		clock:      func() time.Time { return time.Now().UTC() },
		defaultMax: conversation.DefaultMaxIterations,
	}
	return s
}

// SetClock allows tests to control timestamps.
func (s *Server) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// SetDefaultMaxIterations overrides the iteration budget applied when a
// create request leaves max_iterations unset.
func (s *Server) SetDefaultMaxIterations(n int) {
	if n > 0 {
		s.defaultMax = n
	}
}

// Handler builds the route table. Exposed separately so tests can drive
// the mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", s.handleCreate)
	mux.HandleFunc("GET /conversations/{id}", s.handleGet)
	mux.HandleFunc("POST /conversations/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start binds the TCP listener and begins serving. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Printf("httpapi: serve error: %v", err)
		}
	}()
	s.log.Printf("httpapi: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type createRequest struct {
	FirstMessage string `json:"first_message"`
	// initial_message is accepted as an alias for first_message.
	InitialMessage string `json:"initial_message"`
	TaskContext    string `json:"task_context,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
}

func (r createRequest) firstMessage() string {
	if r.FirstMessage != "" {
		return r.FirstMessage
	}
	return r.InitialMessage
}

type createResponse struct {
	ID     string              `json:"id"`
	State  conversation.State  `json:"state"`
	Status conversation.Status `json:"status"`
}

// handleCreate persists a new conversation in INIT with an immediate
// wake-up and returns without waiting for the planner. The first
// exchange happens on the wake-up cycle.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	firstMessage := req.firstMessage()
	if err := conversation.ValidateNew(firstMessage, req.MaxIterations); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = s.defaultMax
	}
	now := s.clock()
	conv := &conversation.Conversation{
		ID:            s.newID(),
		State:         conversation.StateInit,
		Status:        conversation.StatusActive,
		FirstMessage:  firstMessage,
		TaskContext:   req.TaskContext,
		MaxIterations: maxIterations,
		WakeAt:        &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(conv); err != nil {
		s.log.Printf("httpapi: create conversation: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "create failed"})
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: conv.ID, State: conv.State, Status: conv.Status})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
			return
		}
		s.log.Printf("httpapi: get conversation: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type stopRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req stopRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
	}
	if err := s.stop.ForceStop(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
			return
		}
		s.log.Printf("httpapi: stop conversation %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stop failed"})
		return
	}
	conv, err := s.store.Get(id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
