// Package tools assembles the callable tool set for one generation turn and
// executes tool calls issued by the model. Tools are only offered when the
// resolved model supports function calling.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"scribe/backend/internal/provider"
)

// ExecuteFunc runs one tool call. The returned payload must be valid JSON.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Execute     ExecuteFunc
}

// Set is an ordered tool collection keyed by name. Adding a tool whose name
// is already taken replaces the earlier one, last write wins.
type Set struct {
	order  []string
	byName map[string]Tool
}

func NewSet() *Set {
	return &Set{byName: make(map[string]Tool)}
}

func (s *Set) Add(tool Tool) {
	if tool.Name == "" || tool.Execute == nil {
		return
	}
	if _, exists := s.byName[tool.Name]; exists {
		log.Printf("msg=\"tool name collision, replacing earlier registration\" tool=%s", tool.Name)
	} else {
		s.order = append(s.order, tool.Name)
	}
	s.byName[tool.Name] = tool
}

func (s *Set) Len() int {
	return len(s.order)
}

func (s *Set) Specs() []provider.ToolSpec {
	specs := make([]provider.ToolSpec, 0, len(s.order))
	for _, name := range s.order {
		tool := s.byName[name]
		parameters := tool.Parameters
		if len(parameters) == 0 {
			parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		specs = append(specs, provider.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  parameters,
		})
	}
	return specs
}

// Execute runs the named tool and always produces a result, never a Go error;
// failures become error results so the model can react to them.
func (s *Set) Execute(ctx context.Context, call provider.ToolCall) provider.ToolResult {
	result := provider.ToolResult{CallID: call.ID, Name: call.Name}

	tool, ok := s.byName[call.Name]
	if !ok {
		result.IsError = true
		result.Result = errorPayload(fmt.Sprintf("unknown tool %q", call.Name))
		return result
	}

	payload, err := tool.Execute(ctx, call.Args)
	if err != nil {
		log.Printf("msg=\"tool execution failed\" tool=%s error=%q", call.Name, err)
		result.IsError = true
		result.Result = errorPayload(err.Error())
		return result
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{"success":true}`)
	}
	result.Result = payload
	return result
}

func errorPayload(message string) json.RawMessage {
	raw, err := json.Marshal(map[string]any{"success": false, "error": message})
	if err != nil {
		return json.RawMessage(`{"success":false}`)
	}
	return raw
}
