package thread

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"scribe/backend/internal/db"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) (Store, *sql.DB) {
	t.Helper()
	database, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(database), database
}

func beginNormalTurn(t *testing.T, store Store, threadID, message, streamID string) Turn {
	t.Helper()
	turn, err := store.BeginTurn(context.Background(), BeginTurnInput{
		UserID:    "user-1",
		ThreadID:  threadID,
		UserParts: []Part{TextPartOf(message)},
		StreamID:  streamID,
	})
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	return turn
}

func TestBeginTurnCreatesThread(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	turn := beginNormalTurn(t, store, "", "hello", "stream-1")
	if !turn.ThreadCreated {
		t.Fatal("expected a new thread")
	}
	if turn.UserMessageID == "" || turn.AssistantMessageID == "" {
		t.Fatalf("missing message ids: %+v", turn)
	}

	loaded, err := store.GetThread(ctx, "user-1", turn.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if !loaded.IsStreaming || loaded.ActiveStreamID != "stream-1" {
		t.Fatalf("thread not marked streaming: %+v", loaded)
	}

	messages, err := store.ListMessages(ctx, "user-1", turn.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user + pending assistant, got %d", len(messages))
	}
	if messages[0].Role != RoleUser || messages[0].Parts[0].Text != "hello" {
		t.Fatalf("unexpected user message: %+v", messages[0])
	}
	if messages[1].Role != RoleAssistant || len(messages[1].Parts) != 0 {
		t.Fatalf("expected empty pending assistant, got %+v", messages[1])
	}
}

func TestBeginTurnUnknownThread(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.BeginTurn(context.Background(), BeginTurnInput{
		UserID:    "user-1",
		ThreadID:  "missing",
		UserParts: []Part{TextPartOf("hello")},
		StreamID:  "stream-1",
	})
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestBeginTurnReassignsTakenMessageID(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.BeginTurn(context.Background(), BeginTurnInput{
		UserID:        "user-1",
		UserMessageID: "msg-1",
		UserParts:     []Part{TextPartOf("hello")},
		StreamID:      "stream-1",
	})
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if first.UserMessageID != "msg-1" {
		t.Fatalf("client id not honored: %q", first.UserMessageID)
	}

	second, err := store.BeginTurn(context.Background(), BeginTurnInput{
		UserID:        "user-1",
		ThreadID:      first.ThreadID,
		UserMessageID: "msg-1",
		UserParts:     []Part{TextPartOf("again")},
		StreamID:      "stream-2",
	})
	if err != nil {
		t.Fatalf("begin second turn: %v", err)
	}
	if second.UserMessageID == "msg-1" {
		t.Fatal("taken message id must be replaced")
	}
}

func TestBeginTurnEditTruncates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := beginNormalTurn(t, store, "", "first question", "stream-1")
	second := beginNormalTurn(t, store, first.ThreadID, "second question", "stream-2")

	edited, err := store.BeginTurn(ctx, BeginTurnInput{
		UserID:          "user-1",
		ThreadID:        first.ThreadID,
		UserParts:       []Part{TextPartOf("revised first question")},
		TargetMessageID: first.UserMessageID,
		TargetMode:      ModeEdit,
		StreamID:        "stream-3",
	})
	if err != nil {
		t.Fatalf("edit turn: %v", err)
	}
	if edited.UserMessageID == first.UserMessageID {
		t.Fatal("edit must insert a fresh user message")
	}

	messages, err := store.ListMessages(ctx, "user-1", first.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected edited pair only, got %d messages", len(messages))
	}
	if messages[0].Parts[0].Text != "revised first question" {
		t.Fatalf("unexpected surviving user message: %+v", messages[0])
	}
	for _, m := range messages {
		if m.ID == second.UserMessageID || m.ID == second.AssistantMessageID {
			t.Fatalf("message from the later turn survived the edit: %s", m.ID)
		}
	}
}

func TestBeginTurnRetryKeepsTarget(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := beginNormalTurn(t, store, "", "question", "stream-1")

	retried, err := store.BeginTurn(ctx, BeginTurnInput{
		UserID:          "user-1",
		ThreadID:        first.ThreadID,
		TargetMessageID: first.UserMessageID,
		TargetMode:      ModeRetry,
		StreamID:        "stream-2",
	})
	if err != nil {
		t.Fatalf("retry turn: %v", err)
	}
	if retried.UserMessageID != first.UserMessageID {
		t.Fatalf("retry must reuse the target user message, got %q", retried.UserMessageID)
	}
	if retried.AssistantMessageID == first.AssistantMessageID {
		t.Fatal("retry must allocate a fresh assistant message")
	}

	messages, err := store.ListMessages(ctx, "user-1", first.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected target + fresh assistant, got %d", len(messages))
	}
	if messages[0].ID != first.UserMessageID {
		t.Fatalf("target user message missing: %+v", messages[0])
	}
}

func TestBeginTurnTargetValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := beginNormalTurn(t, store, "", "question", "stream-1")

	_, err := store.BeginTurn(ctx, BeginTurnInput{
		UserID:     "user-1",
		ThreadID:   first.ThreadID,
		TargetMode: ModeRetry,
		StreamID:   "stream-2",
	})
	if !errors.Is(err, ErrBadTarget) {
		t.Fatalf("retry without target: expected ErrBadTarget, got %v", err)
	}

	_, err = store.BeginTurn(ctx, BeginTurnInput{
		UserID:          "user-1",
		ThreadID:        first.ThreadID,
		TargetMessageID: "missing",
		TargetMode:      ModeRetry,
		StreamID:        "stream-2",
	})
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("unknown target: expected ErrMessageNotFound, got %v", err)
	}
}

func TestPatchMessage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	turn := beginNormalTurn(t, store, "", "question", "stream-1")

	err := store.PatchMessage(ctx, turn.AssistantMessageID, MessagePatch{
		Parts:            []Part{TextPartOf("answer")},
		ModelID:          "test-model",
		ModelName:        "Test Model",
		PromptTokens:     10,
		CompletionTokens: 4,
		DurationMs:       120,
		Charged:          true,
	})
	if err != nil {
		t.Fatalf("patch message: %v", err)
	}

	messages, err := store.ListMessages(ctx, "user-1", turn.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	assistant := messages[1]
	if assistant.Parts[0].Text != "answer" || assistant.ModelID != "test-model" || !assistant.Charged {
		t.Fatalf("patch not applied: %+v", assistant)
	}
	if assistant.PromptTokens != 10 || assistant.DurationMs != 120 {
		t.Fatalf("metadata not applied: %+v", assistant)
	}

	if err := store.PatchMessage(ctx, "missing", MessagePatch{Parts: []Part{TextPartOf("x")}}); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestClearStreamingMatchesStreamID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := beginNormalTurn(t, store, "", "question", "stream-1")
	beginNormalTurn(t, store, first.ThreadID, "another", "stream-2")

	// The stale turn's clear must not clobber the newer stream's liveness.
	if err := store.ClearStreaming(ctx, first.ThreadID, "stream-1"); err != nil {
		t.Fatalf("clear streaming: %v", err)
	}
	loaded, err := store.GetThread(ctx, "user-1", first.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if !loaded.IsStreaming || loaded.ActiveStreamID != "stream-2" {
		t.Fatalf("stale clear clobbered the active stream: %+v", loaded)
	}

	if err := store.ClearStreaming(ctx, first.ThreadID, "stream-2"); err != nil {
		t.Fatalf("clear streaming: %v", err)
	}
	loaded, err = store.GetThread(ctx, "user-1", first.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if loaded.IsStreaming || loaded.ActiveStreamID != "" {
		t.Fatalf("matching clear did not release liveness: %+v", loaded)
	}
}

func TestForceClearStreaming(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	turn := beginNormalTurn(t, store, "", "question", "stream-1")
	if err := store.ForceClearStreaming(ctx, turn.ThreadID); err != nil {
		t.Fatalf("force clear: %v", err)
	}

	loaded, err := store.GetThread(ctx, "user-1", turn.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if loaded.IsStreaming || loaded.ActiveStreamID != "" {
		t.Fatalf("force clear left liveness set: %+v", loaded)
	}
}

func TestDeleteThread(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	turn := beginNormalTurn(t, store, "", "question", "stream-1")
	if err := store.DeleteThread(ctx, "user-1", turn.ThreadID); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	if _, err := store.GetThread(ctx, "user-1", turn.ThreadID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}

	if err := store.DeleteThread(ctx, "user-1", "missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound for missing thread, got %v", err)
	}
}
