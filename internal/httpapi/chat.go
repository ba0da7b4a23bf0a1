package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scribe/backend/internal/history"
	"scribe/backend/internal/provider"
	"scribe/backend/internal/registry"
	"scribe/backend/internal/thread"
	"scribe/backend/internal/tools"
	"scribe/backend/internal/usage"

	"github.com/google/uuid"
)

type chatRequest struct {
	ThreadID           string   `json:"threadId"`
	ProjectID          string   `json:"projectId"`
	WorkspaceID        string   `json:"workspaceId"`
	Message            string   `json:"message"`
	MessageID          string   `json:"messageId"`
	AssistantMessageID string   `json:"assistantMessageId"`
	FileIDs            []string `json:"fileIds"`
	ModelID            string   `json:"modelId"`
	TargetMessageID    string   `json:"targetMessageId"`
	TargetMode         string   `json:"targetMode"`
	Abilities          []string        `json:"abilities"`
	DocumentID         string          `json:"documentId"`
	ReasoningEffort    string          `json:"reasoningEffort"`
	ImageSize          string          `json:"imageSize"`
	MCPOverrides       map[string]bool `json:"mcpOverrides"`
}

// Chat runs one generation turn: admission, state mutation, streaming and
// finalization. The response is an SSE stream; errors detected before the
// stream starts are plain JSON errors.
func (h Handler) Chat(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	mode := strings.TrimSpace(req.TargetMode)
	if mode == "" {
		mode = thread.ModeNormal
	}
	if req.TargetMessageID != "" && strings.TrimSpace(req.ThreadID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "targetMessageId requires threadId")
		return
	}
	if mode != thread.ModeRetry && strings.TrimSpace(req.Message) == "" && len(req.FileIDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "message or fileIds is required")
		return
	}

	if err := h.guard.Check(r.Context(), user.ID, user.Plan); err != nil {
		var limitErr usage.LimitExceededError
		if errors.As(err, &limitErr) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", limitErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error", "failed to check usage")
		return
	}

	// Resolve the model before touching thread state so a bad model id never
	// leaves an orphaned user/assistant message pair behind.
	snapshot, err := registry.LoadSnapshot(r.Context(), h.db, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load model registry")
		return
	}
	resolution, err := h.resolver.Resolve(snapshot, strings.TrimSpace(req.ModelID), "")
	if errors.Is(err, registry.ErrBadModel) {
		writeError(w, http.StatusBadRequest, "bad_model", "model is unknown or has no usable adapter")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolver_error", "failed to resolve model")
		return
	}

	userParts, err := h.buildUserParts(r.Context(), user.ID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	// workspaceId and projectId both name the thread's folder grouping;
	// workspaceId wins when a client sends both.
	projectID := strings.TrimSpace(req.WorkspaceID)
	if projectID == "" {
		projectID = strings.TrimSpace(req.ProjectID)
	}

	streamID := uuid.NewString()
	turn, err := h.threads.BeginTurn(r.Context(), thread.BeginTurnInput{
		UserID:             user.ID,
		ThreadID:           req.ThreadID,
		ProjectID:          projectID,
		UserMessageID:      req.MessageID,
		UserParts:          userParts,
		AssistantMessageID: req.AssistantMessageID,
		TargetMessageID:    req.TargetMessageID,
		TargetMode:         mode,
		StreamID:           streamID,
	})
	switch {
	case errors.Is(err, thread.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, "thread_not_found", "thread does not exist")
		return
	case errors.Is(err, thread.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message_not_found", "target message does not exist")
		return
	case errors.Is(err, thread.ErrBadTarget):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid target for this mode")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "db_error", "failed to start turn")
		return
	}

	// The turn keeps running after a client disconnect so the stream can be
	// resumed; only the timeout bounds it.
	timeout := time.Duration(h.cfg.StreamTimeoutSeconds) * time.Second
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	setSSEHeaders(w)
	liveStream := h.streams.Register(streamID)
	emitter := &frameWriter{w: w, flusher: flusher, stream: liveStream}

	emitter.emit(map[string]any{
		"type":      "meta",
		"threadId":  turn.ThreadID,
		"messageId": turn.AssistantMessageID,
		"streamId":  streamID,
		"modelName": resolution.DisplayName,
	})

	h.runTurn(turnCtx, &turnState{
		user:          user,
		threadID:      turn.ThreadID,
		threadCreated: turn.ThreadCreated,
		assistantID:   turn.AssistantMessageID,
		streamID:      streamID,
		liveStream:    liveStream,
		resolution:    resolution,
		request:       req,
		emitter:       emitter,
		startedAt:     time.Now(),
	})
}

// buildUserParts turns the request's message text and attachment ids into the
// typed parts persisted on the user message.
func (h Handler) buildUserParts(ctx context.Context, userID string, req chatRequest) ([]thread.Part, error) {
	parts := make([]thread.Part, 0, 1+len(req.FileIDs))
	if text := strings.TrimSpace(req.Message); text != "" {
		parts = append(parts, thread.TextPartOf(text))
	}

	fileIDs := normalizeIDs(req.FileIDs)
	if len(fileIDs) == 0 {
		return parts, nil
	}
	if len(fileIDs) > maxFilesPerMessage {
		return nil, fmt.Errorf("at most %d attachments per message", maxFilesPerMessage)
	}

	for _, fileID := range fileIDs {
		var filename, mediaType, storagePath string
		err := h.db.QueryRowContext(ctx, `
SELECT filename, media_type, storage_path
FROM files
WHERE id = ? AND user_id = ?
LIMIT 1;
`, fileID, userID).Scan(&filename, &mediaType, &storagePath)
		if err != nil {
			return nil, errors.New("one or more fileIds are invalid")
		}
		parts = append(parts, thread.Part{
			Type:        thread.PartFile,
			MediaType:   mediaType,
			Filename:    filename,
			StoragePath: storagePath,
		})
	}
	return parts, nil
}

// buildBackendMessages maps the persisted thread into backend-ready messages
// with the system prompt in front.
func (h Handler) buildBackendMessages(ctx context.Context, ts *turnState) ([]provider.Message, error) {
	persisted, err := h.threads.ListMessages(ctx, ts.user.ID, ts.threadID)
	if err != nil {
		return nil, err
	}

	mapped := history.Map(ctx, persisted, ts.resolution.Model, storeFetcher{store: h.files})
	messages := make([]provider.Message, 0, len(mapped)+1)
	messages = append(messages, provider.Message{
		Role:  provider.RoleSystem,
		Parts: []provider.ContentPart{provider.TextPart(systemPrompt())},
	})
	return append(messages, mapped...), nil
}

func (h Handler) assembleTools(ctx context.Context, ts *turnState) (*tools.Set, func()) {
	if !ts.resolution.Model.HasAbility(registry.AbilityFunctionCalling) {
		return tools.NewSet(), func() {}
	}
	return h.assembler.Assemble(ctx, tools.AssembleInput{
		UserID:       ts.user.ID,
		Abilities:    ts.request.Abilities,
		DocumentID:   ts.request.DocumentID,
		MCPOverrides: ts.request.MCPOverrides,
	})
}

func (h Handler) reasoningEffort(ts *turnState) string {
	if ts.request.ReasoningEffort == "" {
		return ""
	}
	if !ts.resolution.Model.HasAbility(registry.AbilityEffortControl) {
		return ""
	}
	return ts.request.ReasoningEffort
}

type storeFetcher struct {
	store fileObjectStore
}

func (f storeFetcher) Fetch(ctx context.Context, storagePath string) ([]byte, error) {
	if f.store == nil {
		return nil, errors.New("attachment storage is not configured")
	}
	return f.store.GetObject(ctx, storagePath)
}
