// Package thread owns the durable conversation state: thread rows, their
// messages with typed parts, and the streaming-liveness flags the gateway
// flips around each turn.
package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrBadTarget       = errors.New("target message cannot be used with this mode")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	ModeNormal = "normal"
	ModeEdit   = "edit"
	ModeRetry  = "retry"
)

type Thread struct {
	ID              string `json:"id"`
	UserID          string `json:"-"`
	ProjectID       string `json:"projectId,omitempty"`
	Title           string `json:"title"`
	IsStreaming     bool   `json:"isStreaming"`
	ActiveStreamID  string `json:"activeStreamId,omitempty"`
	StreamStartedAt string `json:"streamStartedAt,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

type Message struct {
	ID               string `json:"id"`
	ThreadID         string `json:"threadId"`
	Role             string `json:"role"`
	Parts            []Part `json:"parts"`
	ModelID          string `json:"modelId,omitempty"`
	ModelName        string `json:"modelName,omitempty"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
	ReasoningTokens  int    `json:"reasoningTokens,omitempty"`
	DurationMs       int64  `json:"durationMs,omitempty"`
	Charged          bool   `json:"charged"`
	CreatedAt        string `json:"createdAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

type BeginTurnInput struct {
	UserID             string
	ThreadID           string // empty creates a new thread
	ProjectID          string
	UserMessageID      string // optional client-supplied id
	UserParts          []Part
	AssistantMessageID string // proposed; replaced when already taken
	TargetMessageID    string
	TargetMode         string // ModeNormal, ModeEdit, ModeRetry
	StreamID           string
}

type Turn struct {
	ThreadID           string
	ThreadCreated      bool
	UserMessageID      string
	AssistantMessageID string
}

// BeginTurn is the single mutation surface for starting a generation turn.
// Normal appends a fresh user message; edit replaces the target user message
// and truncates everything after it; retry truncates after the target and
// reuses it. All variants allocate exactly one pending assistant message and
// register the stream id on the thread (last registered stream wins).
func (s Store) BeginTurn(ctx context.Context, input BeginTurnInput) (Turn, error) {
	mode := input.TargetMode
	if mode == "" {
		mode = ModeNormal
	}
	if mode != ModeNormal && strings.TrimSpace(input.TargetMessageID) == "" {
		return Turn{}, ErrBadTarget
	}
	if mode == ModeNormal && len(input.UserParts) == 0 {
		return Turn{}, errors.New("user message parts are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin turn tx: %w", err)
	}
	defer tx.Rollback()

	turn := Turn{ThreadID: strings.TrimSpace(input.ThreadID)}

	if turn.ThreadID == "" {
		if mode != ModeNormal {
			return Turn{}, ErrBadTarget
		}
		turn.ThreadID = uuid.NewString()
		turn.ThreadCreated = true
		if _, err := tx.ExecContext(ctx, `
INSERT INTO threads (id, user_id, project_id)
VALUES (?, ?, NULLIF(?, ''));
`, turn.ThreadID, input.UserID, strings.TrimSpace(input.ProjectID)); err != nil {
			return Turn{}, fmt.Errorf("create thread: %w", err)
		}
	} else {
		var exists string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM threads WHERE id = ? AND user_id = ? LIMIT 1;
`, turn.ThreadID, input.UserID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return Turn{}, ErrThreadNotFound
		}
		if err != nil {
			return Turn{}, fmt.Errorf("load thread: %w", err)
		}
	}

	switch mode {
	case ModeNormal:
		messageID, err := insertUserMessageTx(ctx, tx, turn.ThreadID, input.UserMessageID, input.UserParts)
		if err != nil {
			return Turn{}, err
		}
		turn.UserMessageID = messageID

	case ModeEdit:
		targetRow, err := messageRowIDTx(ctx, tx, turn.ThreadID, input.TargetMessageID)
		if err != nil {
			return Turn{}, err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM messages WHERE thread_id = ? AND rowid >= ?;
`, turn.ThreadID, targetRow); err != nil {
			return Turn{}, fmt.Errorf("truncate thread for edit: %w", err)
		}
		messageID, err := insertUserMessageTx(ctx, tx, turn.ThreadID, input.UserMessageID, input.UserParts)
		if err != nil {
			return Turn{}, err
		}
		turn.UserMessageID = messageID

	case ModeRetry:
		targetRow, err := messageRowIDTx(ctx, tx, turn.ThreadID, input.TargetMessageID)
		if err != nil {
			return Turn{}, err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM messages WHERE thread_id = ? AND rowid > ?;
`, turn.ThreadID, targetRow); err != nil {
			return Turn{}, fmt.Errorf("truncate thread for retry: %w", err)
		}
		turn.UserMessageID = input.TargetMessageID

	default:
		return Turn{}, ErrBadTarget
	}

	assistantID, err := insertPendingAssistantTx(ctx, tx, turn.ThreadID, input.AssistantMessageID)
	if err != nil {
		return Turn{}, err
	}
	turn.AssistantMessageID = assistantID

	if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET is_streaming = 1,
    active_stream_id = ?,
    stream_started_at = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`, input.StreamID, time.Now().UTC().Format(time.RFC3339), turn.ThreadID); err != nil {
		return Turn{}, fmt.Errorf("mark thread streaming: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit turn: %w", err)
	}
	return turn, nil
}

func insertUserMessageTx(ctx context.Context, tx *sql.Tx, threadID, proposedID string, parts []Part) (string, error) {
	messageID := strings.TrimSpace(proposedID)
	if messageID == "" || messageIDTakenTx(ctx, tx, messageID) {
		messageID = uuid.NewString()
	}

	encoded, err := encodeParts(parts)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, thread_id, role, parts)
VALUES (?, ?, ?, ?);
`, messageID, threadID, RoleUser, encoded); err != nil {
		return "", fmt.Errorf("insert user message: %w", err)
	}
	return messageID, nil
}

func insertPendingAssistantTx(ctx context.Context, tx *sql.Tx, threadID, proposedID string) (string, error) {
	messageID := strings.TrimSpace(proposedID)
	if messageID == "" || messageIDTakenTx(ctx, tx, messageID) {
		messageID = uuid.NewString()
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, thread_id, role, parts)
VALUES (?, ?, ?, '[]');
`, messageID, threadID, RoleAssistant); err != nil {
		return "", fmt.Errorf("insert pending assistant message: %w", err)
	}
	return messageID, nil
}

func messageIDTakenTx(ctx context.Context, tx *sql.Tx, messageID string) bool {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ? LIMIT 1;`, messageID).Scan(&one)
	return err == nil
}

func messageRowIDTx(ctx context.Context, tx *sql.Tx, threadID, messageID string) (int64, error) {
	var rowID int64
	err := tx.QueryRowContext(ctx, `
SELECT rowid FROM messages WHERE thread_id = ? AND id = ? LIMIT 1;
`, threadID, messageID).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("locate target message: %w", err)
	}
	return rowID, nil
}

type MessagePatch struct {
	Parts            []Part
	ModelID          string
	ModelName        string
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	DurationMs       int64
	Charged          bool
}

// PatchMessage writes the final content and metadata of the pending
// assistant message in one update.
func (s Store) PatchMessage(ctx context.Context, messageID string, patch MessagePatch) error {
	encoded, err := encodeParts(patch.Parts)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE messages
SET parts = ?,
    model_id = ?,
    model_name = ?,
    prompt_tokens = ?,
    completion_tokens = ?,
    reasoning_tokens = ?,
    duration_ms = ?,
    charged = ?
WHERE id = ?;
`, encoded, patch.ModelID, patch.ModelName, patch.PromptTokens, patch.CompletionTokens, patch.ReasoningTokens, patch.DurationMs, boolToInt(patch.Charged), messageID)
	if err != nil {
		return fmt.Errorf("patch message: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// UpdateParts rewrites only the parts array, used by the synchronous image
// branch to persist the pending tool-call placeholder mid-turn.
func (s Store) UpdateParts(ctx context.Context, messageID string, parts []Part) error {
	encoded, err := encodeParts(parts)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET parts = ? WHERE id = ?;`, encoded, messageID)
	if err != nil {
		return fmt.Errorf("update message parts: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ClearStreaming flips the liveness flag off. The active stream pointer is
// only cleared when it still belongs to this stream, so a newer concurrent
// turn against the same thread is not clobbered.
func (s Store) ClearStreaming(ctx context.Context, threadID, streamID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE threads
SET is_streaming = CASE WHEN active_stream_id = ? OR active_stream_id IS NULL THEN 0 ELSE is_streaming END,
    active_stream_id = CASE WHEN active_stream_id = ? THEN NULL ELSE active_stream_id END,
    stream_started_at = CASE WHEN active_stream_id = ? THEN NULL ELSE stream_started_at END,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`, streamID, streamID, streamID, threadID)
	if err != nil {
		return fmt.Errorf("clear thread streaming: %w", err)
	}
	return nil
}

// ForceClearStreaming unconditionally clears liveness. The fatal error path
// uses it so a thread can never stay marked streaming after a request ends.
func (s Store) ForceClearStreaming(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE threads
SET is_streaming = 0,
    active_stream_id = NULL,
    stream_started_at = NULL,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`, threadID)
	if err != nil {
		return fmt.Errorf("force clear thread streaming: %w", err)
	}
	return nil
}

func (s Store) SetTitle(ctx context.Context, userID, threadID, title string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE threads SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND user_id = ?;
`, strings.TrimSpace(title), threadID, userID)
	if err != nil {
		return fmt.Errorf("set thread title: %w", err)
	}
	return nil
}

func (s Store) GetThread(ctx context.Context, userID, threadID string) (Thread, error) {
	var out Thread
	var projectID, activeStreamID, streamStartedAt sql.NullString
	var isStreaming int
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, project_id, title, is_streaming, active_stream_id, stream_started_at, created_at, updated_at
FROM threads
WHERE id = ? AND user_id = ?
LIMIT 1;
`, threadID, userID).Scan(
		&out.ID, &out.UserID, &projectID, &out.Title, &isStreaming, &activeStreamID, &streamStartedAt, &out.CreatedAt, &out.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	out.ProjectID = projectID.String
	out.ActiveStreamID = activeStreamID.String
	out.StreamStartedAt = streamStartedAt.String
	out.IsStreaming = isStreaming != 0
	return out, nil
}

func (s Store) ListThreads(ctx context.Context, userID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, project_id, title, is_streaming, active_stream_id, stream_started_at, created_at, updated_at
FROM threads
WHERE user_id = ?
ORDER BY updated_at DESC
LIMIT 200;
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]Thread, 0, 16)
	for rows.Next() {
		var t Thread
		var projectID, activeStreamID, streamStartedAt sql.NullString
		var isStreaming int
		if err := rows.Scan(&t.ID, &t.UserID, &projectID, &t.Title, &isStreaming, &activeStreamID, &streamStartedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.ProjectID = projectID.String
		t.ActiveStreamID = activeStreamID.String
		t.StreamStartedAt = streamStartedAt.String
		t.IsStreaming = isStreaming != 0
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

// ListMessages returns the thread's messages oldest first.
func (s Store) ListMessages(ctx context.Context, userID, threadID string) ([]Message, error) {
	if _, err := s.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, role, parts, COALESCE(model_id, ''), COALESCE(model_name, ''),
       prompt_tokens, completion_tokens, reasoning_tokens, duration_ms, charged, created_at
FROM messages
WHERE thread_id = ?
ORDER BY rowid ASC;
`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, 16)
	for rows.Next() {
		var m Message
		var rawParts string
		var charged int
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &rawParts, &m.ModelID, &m.ModelName,
			&m.PromptTokens, &m.CompletionTokens, &m.ReasoningTokens, &m.DurationMs, &charged, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Charged = charged != 0
		if m.Parts, err = decodeParts(rawParts); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s Store) DeleteThread(ctx context.Context, userID, threadID string) error {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM threads WHERE id = ? AND user_id = ?;
`, threadID, userID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
