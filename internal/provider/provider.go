// Package provider abstracts the generation backends the gateway can drive:
// OpenAI-compatible chat-completion endpoints (core providers, the shared
// aggregator, the internal endpoint, custom BYOK endpoints) and image
// generation endpoints speaking the same protocol family.
package provider

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one fragment of a backend-ready message.
type ContentPart struct {
	Type      string // "text" | "image" | "file"
	Text      string
	MediaType string
	Filename  string
	Data      []byte
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

type ToolResult struct {
	CallID  string
	Name    string
	Result  json.RawMessage
	IsError bool
}

// Message is one generation-backend message. Exactly one of Parts,
// ToolCalls, or ToolResults carries content depending on the role.
type Message struct {
	Role            Role
	Parts           []ContentPart
	ToolCalls       []ToolCall
	ToolResults     []ToolResult
	SourceMessageID string
}

type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
}

type EventKind string

const (
	EventTextDelta      EventKind = "text-delta"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventToolCall       EventKind = "tool-call"
	EventUsage          EventKind = "usage"
	EventError          EventKind = "error"
)

// Event is one element of a backend's output stream. The channel carrying
// events is closed by the backend once the stream ends; an EventError is the
// final event on a failed stream.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	ErrText  string
}

type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec

	// ReasoningEffort is forwarded only by backends whose model family
	// supports it; others drop it silently.
	ReasoningEffort string
}

// TextBackend streams a single generation round. Cancelling ctx stops the
// stream; the returned channel is always closed when production ends.
type TextBackend interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

type ImageAsset struct {
	MediaType string
	Data      []byte
}

type ImageBackend interface {
	Generate(ctx context.Context, model, prompt, size string) ([]ImageAsset, error)
}
