package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyon-dev/parley/internal/conversation"
	"github.com/halcyon-dev/parley/internal/logging"
	"github.com/halcyon-dev/parley/internal/worker"
)

// Store is the slice of persistence the monitor needs. The wake-up time
// travels with the conversation row, so a handler commits its state
// mutation and its next wake-up in one write.
type Store interface {
	Get(id string) (*conversation.Conversation, error)
	Update(conv *conversation.Conversation) error
}

type PlannerClient interface {
	Send(ctx context.Context, transcript []conversation.Message) (string, error)
}

type WorkerClient interface {
	CreateSession(ctx context.Context, initialMessage string, meta worker.TaskMetadata) (string, error)
	FetchLatestEvent(ctx context.Context, sessionID string) (*conversation.Event, error)
	PushMessage(ctx context.Context, sessionID, message string) error
}

// DirectiveSink consumes planner text outside the state machine. A sink
// may request a stop, which the handler applies at its own boundary
// before contacting the worker.
type DirectiveSink interface {
	PlannerMessage(ctx context.Context, convID, text string) (stop bool, reason string)
}

// Monitor runs the wake-up handler for conversations. It holds no
// per-conversation state of its own; everything lives in the store.
type Monitor struct {
	store   Store
	planner PlannerClient
	worker  WorkerClient
	tuning  Tuning
	log     *logging.Logger
	sink    DirectiveSink
	now     func() time.Time
}

func NewMonitor(store Store, planner PlannerClient, workerClient WorkerClient, tuning Tuning, log *logging.Logger) (*Monitor, error) {
	if err := tuning.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		store:   store,
		planner: planner,
		worker:  workerClient,
		tuning:  tuning,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *Monitor) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// SetDirectiveSink wires the surrounding dispatch layer that handles
// inline planner commands.
func (m *Monitor) SetDirectiveSink(sink DirectiveSink) {
	m.sink = sink
}

// HandleWake re-enters the state machine for one conversation. The caller
// must guarantee no other handler is in flight for the same id.
func (m *Monitor) HandleWake(ctx context.Context, id string) error {
	conv, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if conv.Terminated() || conv.Status == conversation.StatusStopped {
		// Stray wake-up against a terminal conversation: clear the timer
		// if one survived, touch nothing else.
		if conv.WakeAt != nil {
			conv.WakeAt = nil
			return m.store.Update(conv)
		}
		return nil
	}

	switch conv.State {
	case conversation.StateInit:
		m.handleInit(ctx, conv)
	case conversation.StateAwaitingWorker:
		m.handleAwaitingWorker(ctx, conv)
	default:
		m.log.Printf("conversation %s: %v", conv.ID, &conversation.InvalidStateError{State: conv.State})
		m.terminate(conv, conversation.StopReasonInvalidState)
	}

	conv.UpdatedAt = m.now()
	return m.store.Update(conv)
}

// ForceStop terminates a conversation on external request. Idempotent;
// safe against already-terminal conversations.
func (m *Monitor) ForceStop(ctx context.Context, id, reason string) error {
	conv, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if conv.Terminated() {
		return nil
	}
	if reason == "" {
		reason = conversation.StopReasonForceStop
	}
	m.terminate(conv, reason)
	conv.UpdatedAt = m.now()
	return m.store.Update(conv)
}

// handleInit runs once: it seeds the transcript, asks the planner for the
// opening instruction, and creates the worker session.
func (m *Monitor) handleInit(ctx context.Context, conv *conversation.Conversation) {
	conv.Transcript = []conversation.Message{
		{Role: conversation.RoleSystem, Content: systemDirective(conv)},
		{Role: conversation.RoleWorker, Content: workerTurn(conv.Iteration, conv.FirstMessage)},
	}

	reply, err := m.planner.Send(ctx, conv.Transcript)
	if err != nil {
		m.terminate(conv, fmt.Sprintf("planner call failed: %v", err))
		return
	}
	if conversation.ContainsCompletion(reply) {
		// The planner finished the task on sight; the worker is never
		// contacted.
		m.terminate(conv, conversation.StopReasonPlannerDone)
		return
	}
	conv.AppendMessage(conversation.RolePlanner, reply)
	conv.Iteration++
	if stop, reason := m.dispatchDirectives(ctx, conv.ID, reply); stop {
		m.terminate(conv, reason)
		return
	}

	sessionID, err := m.worker.CreateSession(ctx, reply, worker.TaskMetadata{Task: conv.FirstMessage, Rules: conv.TaskContext})
	if err != nil {
		m.terminate(conv, fmt.Sprintf("worker session creation failed: %v", err))
		return
	}
	conv.WorkerSessionID = sessionID
	if err := conversation.ValidateTransition(conv.State, conversation.StateAwaitingWorker); err != nil {
		m.log.Printf("conversation %s: %v", conv.ID, err)
		m.terminate(conv, conversation.StopReasonInvalidState)
		return
	}
	conv.State = conversation.StateAwaitingWorker
	m.scheduleWake(conv, m.tuning.FirstCheckDelay)
}

// handleAwaitingWorker runs on every wake-up after the session exists:
// poll the worker, stage or settle events, and flush settled output to
// the planner.
func (m *Monitor) handleAwaitingWorker(ctx context.Context, conv *conversation.Conversation) {
	if conv.Iteration >= conv.MaxIterations {
		m.terminate(conv, conversation.StopReasonMaxIterations)
		return
	}

	event, err := m.worker.FetchLatestEvent(ctx, conv.WorkerSessionID)
	if err != nil {
		// The client already retried transient failures; a failure
		// surfacing here is fatal to the conversation.
		m.terminate(conv, fmt.Sprintf("worker event fetch failed: %v", err))
		return
	}

	now := m.now()
	if fresh, gapBroken := m.stageIfNew(conv, event, now); fresh {
		// A burst gap longer than the cooldown, or a window open past the
		// hard ceiling, means the newly staged event is already settled.
		if gapBroken || now.Sub(cooldownStart(conv)) >= m.tuning.MaxCooldownWait {
			m.flush(ctx, conv)
			return
		}
		m.scheduleWake(conv, m.tuning.ActivePoll)
		return
	}

	if conv.Pending == nil {
		m.scheduleWake(conv, m.tuning.IdlePoll)
		return
	}
	if m.tuning.shouldFlush(conv.Pending.FirstSeenAt, cooldownStart(conv), now) {
		m.flush(ctx, conv)
		return
	}
	m.scheduleWake(conv, m.tuning.ActivePoll)
}

// stageIfNew stages a genuinely new worker event. It reports whether it
// staged one, and whether the gap since the previous event's arrival
// already exceeded the cooldown. Events at or below the idempotency
// pointer, or not newer than the staged event, are ignored. Events with
// no extractable content advance the pointer and are skipped so they are
// never refetched forever.
func (m *Monitor) stageIfNew(conv *conversation.Conversation, event *conversation.Event, now time.Time) (staged, gapBroken bool) {
	if event == nil || event.ID <= conv.LastAppliedEventID {
		return false, false
	}
	if conv.Pending != nil && event.ID <= conv.Pending.ID {
		return false, false
	}
	content := conversation.ExtractEventContent(*event)
	if content == "" {
		conv.LastAppliedEventID = event.ID
		return false, false
	}
	previousArrival := time.Time{}
	if conv.Pending != nil {
		previousArrival = conv.Pending.FirstSeenAt
	}
	conv.Pending = &conversation.PendingEvent{ID: event.ID, Content: content, FirstSeenAt: now}
	if conv.CooldownStartedAt == nil {
		start := now
		conv.CooldownStartedAt = &start
	}
	gapBroken = !previousArrival.IsZero() && m.tuning.burstBroken(previousArrival, now)
	return true, gapBroken
}

// flush forwards the settled pending event to the planner and relays the
// planner's reply back into the worker session.
func (m *Monitor) flush(ctx context.Context, conv *conversation.Conversation) {
	pending := conv.Pending
	conv.Pending = nil
	conv.CooldownStartedAt = nil
	// The pointer only moves forward. A skipped empty event may already
	// have advanced it past the staged id.
	if pending.ID > conv.LastAppliedEventID {
		conv.LastAppliedEventID = pending.ID
	}
	conv.AppendMessage(conversation.RoleWorker, workerTurn(conv.Iteration, pending.Content))

	reply, err := m.planner.Send(ctx, conv.Transcript)
	if err != nil {
		m.terminate(conv, fmt.Sprintf("planner call failed: %v", err))
		return
	}
	if conversation.ContainsCompletion(reply) {
		m.terminate(conv, conversation.StopReasonPlannerDone)
		return
	}
	conv.AppendMessage(conversation.RolePlanner, reply)
	conv.Iteration++
	if stop, reason := m.dispatchDirectives(ctx, conv.ID, reply); stop {
		m.terminate(conv, reason)
		return
	}

	if err := m.worker.PushMessage(ctx, conv.WorkerSessionID, reply); err != nil {
		m.terminate(conv, fmt.Sprintf("worker push failed: %v", err))
		return
	}
	m.scheduleWake(conv, m.tuning.IdlePoll)
}

// terminate moves the conversation to DONE. Idempotent: a second call is
// a no-op, and the stop reason is set exactly once.
func (m *Monitor) terminate(conv *conversation.Conversation, reason string) {
	if conv.State == conversation.StateDone {
		return
	}
	conv.State = conversation.StateDone
	conv.Status = conversation.StatusStopped
	if conv.StopReason == "" {
		conv.StopReason = reason
	}
	conv.Pending = nil
	conv.CooldownStartedAt = nil
	conv.WakeAt = nil
	m.log.Printf("conversation %s stopped: %s", conv.ID, conv.StopReason)
}

func (m *Monitor) scheduleWake(conv *conversation.Conversation, after time.Duration) {
	at := m.now().Add(after)
	conv.WakeAt = &at
}

func (m *Monitor) dispatchDirectives(ctx context.Context, convID, text string) (bool, string) {
	if m.sink == nil {
		return false, ""
	}
	return m.sink.PlannerMessage(ctx, convID, text)
}

func cooldownStart(conv *conversation.Conversation) time.Time {
	if conv.CooldownStartedAt != nil {
		return *conv.CooldownStartedAt
	}
	if conv.Pending != nil {
		return conv.Pending.FirstSeenAt
	}
	return time.Time{}
}

// workerTurn tags worker-originated transcript entries with the exchange
// number so the planner can see how far along the task is.
func workerTurn(iteration int, content string) string {
	return fmt.Sprintf("[iteration %d] %s", iteration, content)
}

func systemDirective(conv *conversation.Conversation) string {
	directive := "You are the planner supervising a worker agent. " +
		"Reply with the next instruction for the worker. " +
		"When the task is fully complete, include the literal token " +
		conversation.CompletionSentinel + " in your reply."
	if conv.TaskContext != "" {
		directive += "\n\nTask context: " + conv.TaskContext
	}
	return directive
}
