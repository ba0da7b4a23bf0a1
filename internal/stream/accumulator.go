package stream

import (
	"encoding/json"
	"time"

	"scribe/backend/internal/provider"
	"scribe/backend/internal/thread"
)

// Accumulator folds backend events into the parts array that will be
// persisted on the assistant message. Parts are append-only except for a
// tool-invocation flipping call to result in place. Not safe for concurrent
// use; the multiplexer owns it on a single goroutine.
type Accumulator struct {
	parts []thread.Part
	usage provider.Usage

	reasoningOpen      bool
	reasoningStartedAt time.Time
	now                func() time.Time
}

func NewAccumulator() *Accumulator {
	return &Accumulator{parts: []thread.Part{}, now: time.Now}
}

// AppendText extends the trailing text part or starts a new one. Any open
// reasoning part is closed first since providers interleave the two.
func (a *Accumulator) AppendText(delta string) {
	if delta == "" {
		return
	}
	a.closeReasoning()
	if n := len(a.parts); n > 0 && a.parts[n-1].Type == thread.PartText {
		a.parts[n-1].Text += delta
		return
	}
	a.parts = append(a.parts, thread.TextPartOf(delta))
}

// AppendReasoning extends the open reasoning part, starting one (and its
// duration clock) if needed.
func (a *Accumulator) AppendReasoning(delta string) {
	if delta == "" {
		return
	}
	if a.reasoningOpen {
		a.parts[len(a.parts)-1].Text += delta
		return
	}
	a.reasoningOpen = true
	a.reasoningStartedAt = a.now()
	a.parts = append(a.parts, thread.Part{Type: thread.PartReasoning, Text: delta})
}

func (a *Accumulator) closeReasoning() {
	if !a.reasoningOpen {
		return
	}
	a.reasoningOpen = false
	a.parts[len(a.parts)-1].DurationMs = a.now().Sub(a.reasoningStartedAt).Milliseconds()
}

// AddToolCall records a pending invocation.
func (a *Accumulator) AddToolCall(call provider.ToolCall) {
	a.closeReasoning()
	a.parts = append(a.parts, thread.Part{
		Type:       thread.PartToolInvocation,
		State:      thread.ToolStateCall,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Args,
	})
}

// ResolveToolCall upgrades the matching pending invocation to its result.
// Returns false when no pending call with that id exists.
func (a *Accumulator) ResolveToolCall(result provider.ToolResult) bool {
	for i := len(a.parts) - 1; i >= 0; i-- {
		part := &a.parts[i]
		if part.Type != thread.PartToolInvocation || part.ToolCallID != result.CallID {
			continue
		}
		if part.State == thread.ToolStateResult {
			return false
		}
		part.State = thread.ToolStateResult
		part.Result = result.Result
		if result.IsError && len(part.Result) == 0 {
			part.Result = json.RawMessage(`{"success":false}`)
		}
		return true
	}
	return false
}

func (a *Accumulator) AddFile(mediaType, filename, storagePath string) {
	a.closeReasoning()
	a.parts = append(a.parts, thread.Part{
		Type:        thread.PartFile,
		MediaType:   mediaType,
		Filename:    filename,
		StoragePath: storagePath,
	})
}

func (a *Accumulator) AddError(code, message string) {
	a.closeReasoning()
	a.parts = append(a.parts, thread.ErrorPartOf(code, message))
}

func (a *Accumulator) AddUsage(usage provider.Usage) {
	a.usage.PromptTokens += usage.PromptTokens
	a.usage.CompletionTokens += usage.CompletionTokens
	a.usage.ReasoningTokens += usage.ReasoningTokens
}

// HasContent reports whether any part carries user-visible output.
func (a *Accumulator) HasContent() bool {
	return len(a.parts) > 0
}

// Parts closes any open reasoning part and returns the accumulated array.
func (a *Accumulator) Parts() []thread.Part {
	a.closeReasoning()
	return a.parts
}

func (a *Accumulator) Usage() provider.Usage {
	return a.usage
}
