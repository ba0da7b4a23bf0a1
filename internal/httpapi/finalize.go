package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"scribe/backend/internal/thread"
	"scribe/backend/internal/usage"
)

// Tool results above this size are persisted as a marker; the full payload
// already went over the wire and is not worth keeping in the message row.
const maxPersistedToolResultBytes = 4 * 1024

// finalize persists the accumulated parts, records usage, clears the
// thread's liveness flag and closes the resumable stream. It runs on its own
// context so a cancelled or timed-out turn still finishes bookkeeping.
func (h Handler) finalize(ts *turnState) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	parts := redactParts(ts.acc.Parts())
	if len(parts) == 0 {
		// The backend produced nothing at all; synthesize an error part so
		// the client never renders an empty assistant message.
		parts = []thread.Part{thread.ErrorPartOf("no_response", "The model returned no output.")}
		ts.emitter.emit(map[string]any{"type": "error", "code": "no_response", "message": "The model returned no output."})
	}

	tally := ts.acc.Usage()
	patchErr := h.threads.PatchMessage(ctx, ts.assistantID, thread.MessagePatch{
		Parts:            parts,
		ModelID:          ts.resolution.Model.ID,
		ModelName:        ts.resolution.DisplayName,
		PromptTokens:     tally.PromptTokens,
		CompletionTokens: tally.CompletionTokens,
		ReasoningTokens:  tally.ReasoningTokens,
		DurationMs:       time.Since(ts.startedAt).Milliseconds(),
		Charged:          ts.resolution.Charged,
	})
	if patchErr != nil {
		log.Printf("msg=\"finalize patch failed\" message_id=%s error=%q", ts.assistantID, patchErr)
	}

	if err := h.ledger.Record(ctx, usage.Event{
		UserID:           ts.user.ID,
		ModelID:          ts.resolution.Model.ID,
		PromptTokens:     tally.PromptTokens,
		CompletionTokens: tally.CompletionTokens,
		ReasoningTokens:  tally.ReasoningTokens,
		Charged:          ts.resolution.Charged,
	}); err != nil {
		log.Printf("msg=\"record usage failed\" user_id=%s error=%q", ts.user.ID, err)
	}

	// Liveness must clear even when persistence failed; a thread stuck in
	// streaming state would block every future turn against it.
	if patchErr == nil {
		if err := h.threads.ClearStreaming(ctx, ts.threadID, ts.streamID); err != nil {
			log.Printf("msg=\"clear streaming failed\" thread_id=%s error=%q", ts.threadID, err)
			_ = h.threads.ForceClearStreaming(ctx, ts.threadID)
		}
	} else {
		_ = h.threads.ForceClearStreaming(ctx, ts.threadID)
	}

	if ts.threadCreated {
		h.nameNewThread(ctx, ts)
	}

	ts.emitter.emit(map[string]any{
		"type":             "usage",
		"promptTokens":     tally.PromptTokens,
		"completionTokens": tally.CompletionTokens,
		"reasoningTokens":  tally.ReasoningTokens,
		"charged":          ts.resolution.Charged,
	})
	ts.emitter.emit(map[string]any{
		"type":      "done",
		"threadId":  ts.threadID,
		"messageId": ts.assistantID,
	})
	h.streams.Release(ts.liveStream)
}

// redactParts replaces oversized tool results with a marker payload. All
// other parts pass through untouched.
func redactParts(parts []thread.Part) []thread.Part {
	out := make([]thread.Part, len(parts))
	copy(out, parts)
	for i := range out {
		if out[i].Type != thread.PartToolInvocation {
			continue
		}
		if len(out[i].Result) <= maxPersistedToolResultBytes {
			continue
		}
		marker, err := json.Marshal(map[string]any{
			"truncated":     true,
			"originalBytes": len(out[i].Result),
		})
		if err != nil {
			continue
		}
		out[i].Result = marker
	}
	return out
}
