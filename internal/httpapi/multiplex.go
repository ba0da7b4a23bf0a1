package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"scribe/backend/internal/provider"
	"scribe/backend/internal/registry"
	"scribe/backend/internal/session"
	"scribe/backend/internal/stream"

	"github.com/google/uuid"
)

// frameWriter fans one wire frame out to the resumable stream buffer and the
// live SSE connection. Once a write to the client fails the connection is
// treated as gone and only the buffer keeps receiving frames.
type frameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	stream  *stream.Stream
	gone    bool
}

func (fw *frameWriter) emit(event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("msg=\"encode wire frame failed\" error=%q", err)
		return
	}
	fw.stream.Publish(payload)
	if fw.gone {
		return
	}
	if err := writeSSEEvent(fw.w, fw.flusher, payload); err != nil {
		fw.gone = true
	}
}

type turnState struct {
	user          session.User
	threadID      string
	threadCreated bool
	assistantID   string
	streamID      string
	liveStream    *stream.Stream
	resolution    registry.Resolution
	request       chatRequest
	emitter       *frameWriter
	acc           *stream.Accumulator
	startedAt     time.Time
}

// runTurn drives the resolved backend to completion and finalizes the
// assistant message. Finalization is unconditional; whatever happens
// mid-stream, the thread never stays marked streaming.
func (h Handler) runTurn(ctx context.Context, ts *turnState) {
	ts.acc = stream.NewAccumulator()
	defer h.finalize(ts)

	if ts.resolution.Image != nil {
		h.runImageTurn(ctx, ts)
		return
	}
	h.runTextRounds(ctx, ts)
}

// runTextRounds loops generation rounds until the model stops calling tools
// or the round budget runs out. Tool results feed the next round's input.
func (h Handler) runTextRounds(ctx context.Context, ts *turnState) {
	messages, err := h.buildBackendMessages(ctx, ts)
	if err != nil {
		log.Printf("msg=\"history mapping failed\" thread_id=%s error=%q", ts.threadID, err)
		ts.acc.AddError("internal_error", "failed to reconstruct conversation history")
		ts.emitter.emit(map[string]any{"type": "error", "code": "internal_error", "message": "failed to reconstruct conversation history"})
		return
	}

	toolSet, cleanup := h.assembleTools(ctx, ts)
	defer cleanup()
	effort := h.reasoningEffort(ts)

	for round := 0; round < h.cfg.MaxToolRounds; round++ {
		events, err := ts.resolution.Text.Stream(ctx, provider.Request{
			Model:           ts.resolution.Model.ID,
			Messages:        messages,
			Tools:           toolSet.Specs(),
			ReasoningEffort: effort,
		})
		if err != nil {
			log.Printf("msg=\"backend stream failed\" thread_id=%s provider=%s error=%q", ts.threadID, ts.resolution.Provider, err)
			ts.acc.AddError("upstream_error", err.Error())
			ts.emitter.emit(map[string]any{"type": "error", "code": "upstream_error", "message": err.Error()})
			return
		}

		var calls []provider.ToolCall
		var roundText strings.Builder
		for event := range events {
			switch event.Kind {
			case provider.EventTextDelta:
				ts.acc.AppendText(event.Text)
				roundText.WriteString(event.Text)
				ts.emitter.emit(map[string]any{"type": "text-delta", "delta": event.Text})
			case provider.EventReasoningDelta:
				ts.acc.AppendReasoning(event.Text)
				ts.emitter.emit(map[string]any{"type": "reasoning-delta", "delta": event.Text})
			case provider.EventToolCall:
				call := *event.ToolCall
				ts.acc.AddToolCall(call)
				ts.emitter.emit(map[string]any{
					"type":       "tool-call",
					"toolCallId": call.ID,
					"toolName":   call.Name,
					"args":       json.RawMessage(call.Args),
				})
				calls = append(calls, call)
			case provider.EventUsage:
				ts.acc.AddUsage(*event.Usage)
			case provider.EventError:
				ts.acc.AddError("upstream_error", event.ErrText)
				ts.emitter.emit(map[string]any{"type": "error", "code": "upstream_error", "message": event.ErrText})
				return
			}
		}

		if len(calls) == 0 {
			return
		}

		results := make([]provider.ToolResult, 0, len(calls))
		for _, call := range calls {
			result := toolSet.Execute(ctx, call)
			ts.acc.ResolveToolCall(result)
			ts.emitter.emit(map[string]any{
				"type":       "tool-result",
				"toolCallId": result.CallID,
				"toolName":   result.Name,
				"result":     json.RawMessage(result.Result),
				"isError":    result.IsError,
			})
			results = append(results, result)
		}
		// The round's text travels with its tool calls so the next round sees
		// what the model already said, not just the call/result pair.
		assistant := provider.Message{Role: provider.RoleAssistant, ToolCalls: calls}
		if roundText.Len() > 0 {
			assistant.Parts = []provider.ContentPart{provider.TextPart(roundText.String())}
		}
		messages = append(messages,
			assistant,
			provider.Message{Role: provider.RoleTool, ToolResults: results},
		)
	}

	log.Printf("msg=\"tool round budget exhausted\" thread_id=%s rounds=%d", ts.threadID, h.cfg.MaxToolRounds)
}

// runImageTurn handles image-modality models: a synthetic tool call is
// emitted and persisted immediately so clients see progress, then the slow
// generation runs, then the call resolves with asset references or an error.
func (h Handler) runImageTurn(ctx context.Context, ts *turnState) {
	prompt := strings.TrimSpace(ts.request.Message)
	call := provider.ToolCall{ID: uuid.NewString(), Name: "generate_image"}
	if args, err := json.Marshal(map[string]string{"prompt": prompt}); err == nil {
		call.Args = args
	}

	ts.acc.AddToolCall(call)
	ts.emitter.emit(map[string]any{
		"type":       "tool-call",
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"args":       json.RawMessage(call.Args),
	})
	if err := h.threads.UpdateParts(ctx, ts.assistantID, ts.acc.Parts()); err != nil {
		log.Printf("msg=\"persist pending image call failed\" message_id=%s error=%q", ts.assistantID, err)
	}

	assets, err := ts.resolution.Image.Generate(ctx, ts.resolution.Model.ID, prompt, normalizeImageSize(ts.request.ImageSize))
	if err != nil {
		ts.acc.ResolveToolCall(provider.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Result:  mustJSON(map[string]any{"success": false, "error": err.Error()}),
			IsError: true,
		})
		ts.emitter.emit(map[string]any{"type": "error", "code": "upstream_error", "message": err.Error()})
		return
	}

	uploaded := h.uploadAssets(ctx, ts, assets)

	assetRefs := make([]map[string]string, 0, len(uploaded))
	failures := 0
	for _, outcome := range uploaded {
		if outcome.err != nil {
			failures++
			continue
		}
		assetRefs = append(assetRefs, map[string]string{
			"storagePath": outcome.storagePath,
			"mediaType":   outcome.mediaType,
		})
	}

	result := provider.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
		Result: mustJSON(map[string]any{"success": failures == 0, "assets": assetRefs, "failedUploads": failures}),
	}
	if len(assetRefs) == 0 {
		result.IsError = true
	}
	ts.acc.ResolveToolCall(result)
	ts.emitter.emit(map[string]any{
		"type":       "tool-result",
		"toolCallId": result.CallID,
		"toolName":   result.Name,
		"result":     json.RawMessage(result.Result),
		"isError":    result.IsError,
	})

	for _, outcome := range uploaded {
		if outcome.err != nil {
			ts.acc.AddError("storage_error", fmt.Sprintf("failed to store generated image %s", outcome.filename))
			continue
		}
		ts.acc.AddFile(outcome.mediaType, outcome.filename, outcome.storagePath)
		ts.emitter.emit(map[string]any{
			"type":        "file",
			"mediaType":   outcome.mediaType,
			"filename":    outcome.filename,
			"storagePath": outcome.storagePath,
		})
	}
}

type uploadOutcome struct {
	filename    string
	mediaType   string
	storagePath string
	err         error
}

// uploadAssets stores generated assets concurrently and waits for all of
// them, tolerating individual failures so one bad upload cannot leave an
// unattributed reference in the persisted message.
func (h Handler) uploadAssets(ctx context.Context, ts *turnState, assets []provider.ImageAsset) []uploadOutcome {
	outcomes := make([]uploadOutcome, len(assets))
	var wg sync.WaitGroup
	for i, asset := range assets {
		filename := fmt.Sprintf("image-%d%s", i+1, extensionFor(asset.MediaType))
		storagePath := path.Join(generatedObjectPrefix(h.cfg.GCSUploadPrefix), "users", ts.user.ID, ts.assistantID, filename)
		outcomes[i] = uploadOutcome{filename: filename, mediaType: asset.MediaType, storagePath: storagePath}

		if h.files == nil {
			outcomes[i].err = fmt.Errorf("attachment storage is not configured")
			continue
		}

		wg.Add(1)
		go func(i int, asset provider.ImageAsset) {
			defer wg.Done()
			if err := h.files.PutObject(ctx, outcomes[i].storagePath, asset.MediaType, asset.Data); err != nil {
				log.Printf("msg=\"generated asset upload failed\" message_id=%s path=%s error=%q", ts.assistantID, outcomes[i].storagePath, err)
				outcomes[i].err = err
			}
		}(i, asset)
	}
	wg.Wait()
	return outcomes
}

func normalizeImageSize(requested string) string {
	switch strings.TrimSpace(requested) {
	case "512x512", "1024x1024", "1792x1024", "1024x1792":
		return strings.TrimSpace(requested)
	default:
		return "1024x1024"
	}
}

func generatedObjectPrefix(configured string) string {
	prefix := strings.Trim(strings.TrimSpace(configured), "/")
	if prefix == "" {
		prefix = defaultObjectStoragePrefix
	}
	return path.Join(prefix, "generated")
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func mustJSON(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
