package thread

import (
	"encoding/json"
	"fmt"
)

const (
	PartText           = "text"
	PartReasoning      = "reasoning"
	PartToolInvocation = "tool-invocation"
	PartFile           = "file"
	PartError          = "error"

	ToolStateCall   = "call"
	ToolStateResult = "result"
)

// Part is one typed fragment of a message. The parts array, concatenated in
// order, is the complete rendering of the message. Parts are append-only
// except for a tool-invocation flipping call -> result in place.
type Part struct {
	Type string `json:"type"`

	// text / reasoning
	Text       string `json:"text,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// tool-invocation
	State      string          `json:"state,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// file
	MediaType   string `json:"mediaType,omitempty"`
	Filename    string `json:"filename,omitempty"`
	StoragePath string `json:"storagePath,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func TextPartOf(text string) Part {
	return Part{Type: PartText, Text: text}
}

func ErrorPartOf(code, message string) Part {
	return Part{Type: PartError, Code: code, Message: message}
}

func encodeParts(parts []Part) (string, error) {
	if parts == nil {
		parts = []Part{}
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encode parts: %w", err)
	}
	return string(raw), nil
}

func decodeParts(raw string) ([]Part, error) {
	if raw == "" {
		return []Part{}, nil
	}
	var parts []Part
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	return parts, nil
}
