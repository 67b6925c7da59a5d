// Package store provides SQLite-backed persistence for conversations,
// including the due-wake-up index the runner polls. A conversation row is
// only ever written by the single handler that owns it, so updates are
// whole-row.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/halcyon-dev/parley/internal/conversation"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// The runner and HTTP handlers share this handle; sqlite serializes
	// writers, so a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set pragmas: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewID returns a fresh conversation identifier.
func NewID() string {
	return uuid.NewString()
}

// Create inserts a new conversation row. The caller has already validated
// the input and populated timestamps.
func (s *Store) Create(conv *conversation.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("store: conversation id is empty")
	}
	transcript, err := json.Marshal(conv.Transcript)
	if err != nil {
		return fmt.Errorf("store: marshal transcript: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO conversations
			(id, state, status, stop_reason, task_context, first_message, transcript,
			 iteration, max_iterations, worker_session_id, last_applied_event_id,
			 pending_event, cooldown_started_at, wake_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, string(conv.State), string(conv.Status), conv.StopReason,
		conv.TaskContext, conv.FirstMessage, string(transcript),
		conv.Iteration, conv.MaxIterations, conv.WorkerSessionID, conv.LastAppliedEventID,
		marshalPending(conv.Pending), formatTimePtr(conv.CooldownStartedAt),
		formatTimePtr(conv.WakeAt), formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert conversation: %w", err)
	}
	return nil
}

// Get returns the conversation with the given id.
func (s *Store) Get(id string) (*conversation.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, state, status, stop_reason, task_context, first_message, transcript,
		       iteration, max_iterations, worker_session_id, last_applied_event_id,
		       pending_event, cooldown_started_at, wake_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation %s: %w", id, err)
	}
	return conv, nil
}

// Update persists the full conversation row, including its wake-up time.
func (s *Store) Update(conv *conversation.Conversation) error {
	transcript, err := json.Marshal(conv.Transcript)
	if err != nil {
		return fmt.Errorf("store: marshal transcript: %w", err)
	}
	result, err := s.db.Exec(`
		UPDATE conversations SET
			state = ?, status = ?, stop_reason = ?, transcript = ?,
			iteration = ?, worker_session_id = ?, last_applied_event_id = ?,
			pending_event = ?, cooldown_started_at = ?, wake_at = ?, updated_at = ?
		WHERE id = ?`,
		string(conv.State), string(conv.Status), conv.StopReason, string(transcript),
		conv.Iteration, conv.WorkerSessionID, conv.LastAppliedEventID,
		marshalPending(conv.Pending), formatTimePtr(conv.CooldownStartedAt),
		formatTimePtr(conv.WakeAt), formatTime(conv.UpdatedAt), conv.ID)
	if err != nil {
		return fmt.Errorf("store: update conversation %s: %w", conv.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update conversation %s: rows affected: %w", conv.ID, err)
	}
	if affected == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

// Due returns ids of active conversations whose wake-up time has passed,
// oldest first.
func (s *Store) Due(now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.Query(`
		SELECT id FROM conversations
		WHERE status = ? AND wake_at IS NOT NULL AND wake_at <= ?
		ORDER BY wake_at ASC LIMIT ?`,
		string(conversation.StatusActive), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query due conversations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate due ids: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var (
		conv           conversation.Conversation
		state, status  string
		transcriptJSON string
		pendingJSON    sql.NullString
		cooldownRaw    sql.NullString
		wakeRaw        sql.NullString
		createdRaw     string
		updatedRaw     string
	)
	err := row.Scan(&conv.ID, &state, &status, &conv.StopReason, &conv.TaskContext,
		&conv.FirstMessage, &transcriptJSON, &conv.Iteration, &conv.MaxIterations,
		&conv.WorkerSessionID, &conv.LastAppliedEventID, &pendingJSON,
		&cooldownRaw, &wakeRaw, &createdRaw, &updatedRaw)
	if err != nil {
		return nil, err
	}
	conv.State = conversation.State(state)
	conv.Status = conversation.Status(status)
	if err := json.Unmarshal([]byte(transcriptJSON), &conv.Transcript); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	if pendingJSON.Valid && pendingJSON.String != "" {
		var pending conversation.PendingEvent
		if err := json.Unmarshal([]byte(pendingJSON.String), &pending); err != nil {
			return nil, fmt.Errorf("parse pending event: %w", err)
		}
		conv.Pending = &pending
	}
	if conv.CooldownStartedAt, err = parseTimePtr(cooldownRaw); err != nil {
		return nil, fmt.Errorf("parse cooldown_started_at: %w", err)
	}
	if conv.WakeAt, err = parseTimePtr(wakeRaw); err != nil {
		return nil, fmt.Errorf("parse wake_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &conv, nil
}

func marshalPending(pending *conversation.PendingEvent) any {
	if pending == nil {
		return nil
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return nil
	}
	return string(data)
}

// timeLayout keeps a fixed-width fraction so that lexicographic ordering
// of stored values matches chronological ordering in the wake_at index.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
