package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"scribe/backend/internal/thread"

	"github.com/go-chi/chi/v5"
)

func (h Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	threads, err := h.threads.ListThreads(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list threads")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (h Handler) ListThreadMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	threadID := chi.URLParam(r, "threadID")
	messages, err := h.threads.ListMessages(r.Context(), user.ID, threadID)
	if errors.Is(err, thread.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, "thread_not_found", "thread does not exist")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list messages")
		return
	}

	currentThread, err := h.threads.GetThread(r.Context(), user.ID, threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load thread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": currentThread, "messages": messages})
}

func (h Handler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}

	threadID := chi.URLParam(r, "threadID")
	h.cleanupGeneratedAssets(r.Context(), user.ID, threadID)
	err := h.threads.DeleteThread(r.Context(), user.ID, threadID)
	if errors.Is(err, thread.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, "thread_not_found", "thread does not exist")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete thread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// cleanupGeneratedAssets removes the generated-image blobs referenced by a
// thread's messages. Uploaded attachments stay; their lifecycle belongs to the
// files table, not the thread. Best effort: failures only log.
func (h Handler) cleanupGeneratedAssets(ctx context.Context, userID, threadID string) {
	if h.files == nil {
		return
	}
	messages, err := h.threads.ListMessages(ctx, userID, threadID)
	if err != nil {
		return
	}

	prefix := generatedObjectPrefix(h.cfg.GCSUploadPrefix) + "/"
	for _, message := range messages {
		for _, part := range message.Parts {
			if part.Type != thread.PartFile || part.StoragePath == "" {
				continue
			}
			if !strings.HasPrefix(part.StoragePath, prefix) {
				continue
			}
			if err := h.files.DeleteObject(ctx, part.StoragePath); err != nil {
				log.Printf("msg=\"delete generated asset failed\" thread_id=%s path=%s error=%q", threadID, part.StoragePath, err)
			}
		}
	}
}
