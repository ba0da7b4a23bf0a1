package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestToolCallAssemblerStitchesFragments(t *testing.T) {
	assembler := newToolCallAssembler()
	assembler.absorb([]wireToolCall{
		{Index: intPtr(0), ID: "call-1", Function: wireToolFunction{Name: "web_search"}},
		{Index: intPtr(1), ID: "call-2", Function: wireToolFunction{Name: "save_memory", Arguments: `{"content":`}},
	})
	assembler.absorb([]wireToolCall{
		{Index: intPtr(0), Function: wireToolFunction{Arguments: `{"query":"go`}},
		{Index: intPtr(1), Function: wireToolFunction{Arguments: `"hi"}`}},
	})
	assembler.absorb([]wireToolCall{
		{Index: intPtr(0), Function: wireToolFunction{Arguments: ` testing"}`}},
	})

	calls := assembler.drain()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call-1" || calls[0].Name != "web_search" {
		t.Fatalf("unexpected first call: %+v", calls[0])
	}
	if string(calls[0].Args) != `{"query":"go testing"}` {
		t.Fatalf("arguments not reassembled: %s", calls[0].Args)
	}
	if string(calls[1].Args) != `{"content":"hi"}` {
		t.Fatalf("arguments not reassembled: %s", calls[1].Args)
	}

	if drained := assembler.drain(); drained != nil {
		t.Fatalf("drain must reset state, got %v", drained)
	}
}

func TestToolCallAssemblerDefaultsEmptyArgs(t *testing.T) {
	assembler := newToolCallAssembler()
	assembler.absorb([]wireToolCall{
		{Index: intPtr(0), ID: "call-1", Function: wireToolFunction{Name: "recall_memories"}},
		{Index: intPtr(1), Function: wireToolFunction{Arguments: `{"x":1}`}},
	})

	calls := assembler.drain()
	// The nameless fragment is dropped, the named one gets default args.
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if string(calls[0].Args) != "{}" {
		t.Fatalf("expected default args, got %s", calls[0].Args)
	}
}

func TestEncodeMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Parts: []ContentPart{TextPart("be helpful")}},
		{Role: RoleUser, Parts: []ContentPart{
			TextPart("what is in this image?"),
			{Type: "image", MediaType: "image/png", Data: []byte{1, 2, 3}},
		}},
		{Role: RoleAssistant,
			Parts: []ContentPart{TextPart("let me look that up")},
			ToolCalls: []ToolCall{
				{ID: "call-1", Name: "web_search", Args: json.RawMessage(`{"query":"x"}`)},
			}},
		{Role: RoleTool, ToolResults: []ToolResult{
			{CallID: "call-1", Name: "web_search", Result: json.RawMessage(`{"results":[]}`)},
		}},
	}

	encoded := encodeMessages(messages)
	if len(encoded) != 4 {
		t.Fatalf("expected 4 wire messages, got %d", len(encoded))
	}

	if encoded[0].Role != "system" || encoded[0].Content != "be helpful" {
		t.Fatalf("single text part must collapse to a plain string: %+v", encoded[0])
	}

	items, ok := encoded[1].Content.([]wireContentItem)
	if !ok || len(items) != 2 {
		t.Fatalf("multi-part content must stay itemized: %+v", encoded[1].Content)
	}
	if items[1].Type != "image_url" || !strings.HasPrefix(items[1].ImageURL.URL, "data:image/png;base64,") {
		t.Fatalf("unexpected image item: %+v", items[1])
	}

	if len(encoded[2].ToolCalls) != 1 || encoded[2].ToolCalls[0].Function.Name != "web_search" {
		t.Fatalf("unexpected tool-call message: %+v", encoded[2])
	}
	if encoded[2].Content != "let me look that up" {
		t.Fatalf("tool-call message must keep its text content: %+v", encoded[2])
	}
	if encoded[3].Role != "tool" || encoded[3].ToolCallID != "call-1" {
		t.Fatalf("unexpected tool-result message: %+v", encoded[3])
	}
}

func TestStreamPreflightErrors(t *testing.T) {
	noKey := NewClient("http://unused.test", "", nil)
	if _, err := noKey.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Parts: []ContentPart{TextPart("hi")}}}}); err != ErrMissingAPIKey {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-key", nil)
	_, err := client.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Parts: []ContentPart{TextPart("hi")}}}})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestStreamParsesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		var req streamAPIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("streaming options not requested: %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"reasoning_details":[{"type":"reasoning.text","text":"thinking"}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"web_search","arguments":"{\"query\":\"go\"}"}}]},"finish_reason":"tool_calls"}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3,"completion_tokens_details":{"reasoning_tokens":2}}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", nil)
	events, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Parts: []ContentPart{TextPart("hi")}}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var kinds []EventKind
	var toolCall *ToolCall
	var usage *Usage
	for event := range events {
		kinds = append(kinds, event.Kind)
		switch event.Kind {
		case EventToolCall:
			toolCall = event.ToolCall
		case EventUsage:
			usage = event.Usage
		}
	}

	want := []EventKind{EventReasoningDelta, EventTextDelta, EventToolCall, EventUsage}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: expected %v, got %v", i, want[i], kinds[i])
		}
	}
	if toolCall.Name != "web_search" || string(toolCall.Args) != `{"query":"go"}` {
		t.Fatalf("unexpected tool call: %+v", toolCall)
	}
	if usage.PromptTokens != 9 || usage.ReasoningTokens != 2 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestStreamSurfacesMidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"error":{"message":"model overloaded"}}`+"\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", nil)
	events, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Parts: []ContentPart{TextPart("hi")}}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var last Event
	for event := range events {
		last = event
	}
	if last.Kind != EventError || last.ErrText != "model overloaded" {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
}

func TestStreamDrainsCallsWithoutFinishReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"save_memory","arguments":"{}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", nil)
	events, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Parts: []ContentPart{TextPart("hi")}}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var calls int
	for event := range events {
		if event.Kind == EventToolCall {
			calls++
		}
	}
	if calls != 1 {
		t.Fatalf("expected the buffered call to surface at stream end, got %d", calls)
	}
}
