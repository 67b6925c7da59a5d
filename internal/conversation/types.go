package conversation

import (
	"fmt"
	"strings"
	"time"
)

const (
	RoleSystem  = "system"
	RolePlanner = "planner"
	RoleWorker  = "worker"

	StopReasonPlannerDone   = "planner_done"
	StopReasonMaxIterations = "max_iterations_reached"
	StopReasonInvalidState  = "invalid_state"
	StopReasonForceStop     = "force_stop"

	DefaultMaxIterations = 10
)

type State string

const (
	StateInit           State = "INIT"
	StateAwaitingWorker State = "AWAITING_WORKER"
	StateDone           State = "DONE"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateInit: {
		StateAwaitingWorker: {},
		StateDone:           {},
	},
	StateAwaitingWorker: {
		StateDone: {},
	},
	StateDone: {},
}

func ValidateState(state State) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("invalid conversation state: %q", state)
	}
	return nil
}

func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid conversation transition: %s -> %s", from, to)
	}
	return nil
}

// Message is one role-tagged turn in a conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is a single progress event emitted by the worker. ID ordering is
// the idempotency boundary: events at or below the conversation's
// LastAppliedEventID are never reapplied.
type Event struct {
	ID       int64             `json:"id"`
	Type     string            `json:"type,omitempty"`
	Content  string            `json:"content,omitempty"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PendingEvent is a staged worker event not yet folded into the transcript,
// held while the settlement policy waits for the worker to go quiet.
type PendingEvent struct {
	ID          int64     `json:"id"`
	Content     string    `json:"content"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Conversation is the sole persisted aggregate, one per orchestrated unit.
// It is mutated only by the wake-up handler that owns it.
type Conversation struct {
	ID                 string        `json:"id"`
	State              State         `json:"state"`
	Status             Status        `json:"status"`
	StopReason         string        `json:"stop_reason,omitempty"`
	TaskContext        string        `json:"task_context,omitempty"`
	FirstMessage       string        `json:"first_message"`
	Transcript         []Message     `json:"transcript"`
	Iteration          int           `json:"iteration"`
	MaxIterations      int           `json:"max_iterations"`
	WorkerSessionID    string        `json:"worker_session_id,omitempty"`
	LastAppliedEventID int64         `json:"last_applied_event_id"`
	Pending            *PendingEvent `json:"pending_event,omitempty"`
	CooldownStartedAt  *time.Time    `json:"cooldown_started_at,omitempty"`
	WakeAt             *time.Time    `json:"wake_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Terminated reports whether the conversation has reached its terminal state.
func (c *Conversation) Terminated() bool {
	return c.State == StateDone
}

// AppendMessage appends a turn to the transcript. The transcript is
// append-only while the conversation is active.
func (c *Conversation) AppendMessage(role, content string) {
	c.Transcript = append(c.Transcript, Message{Role: role, Content: content})
}

// ValidateNew checks caller-supplied creation input. Failures here are
// ConfigErrors and never enter the state machine.
func ValidateNew(firstMessage string, maxIterations int) error {
	if strings.TrimSpace(firstMessage) == "" {
		return &ConfigError{Field: "first_message", Reason: "first message is required"}
	}
	if maxIterations < 0 {
		return &ConfigError{Field: "max_iterations", Reason: "max iterations must be positive"}
	}
	return nil
}

// ExtractEventContent pulls the forwardable text out of a worker event,
// falling back through the content fields the worker backend has been seen
// to use. Empty content after fallback means the event carries nothing
// worth forwarding.
func ExtractEventContent(event Event) string {
	if s := strings.TrimSpace(event.Content); s != "" {
		return s
	}
	for _, key := range []string{"message", "observation", "args.content"} {
		if s := strings.TrimSpace(event.Metadata[key]); s != "" {
			return s
		}
	}
	return ""
}
