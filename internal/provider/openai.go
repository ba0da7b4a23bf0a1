package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("provider api key is not configured")

// Client speaks the OpenAI-compatible chat-completions protocol. All four
// adapter kinds (core, aggregator, internal, custom) are served by this one
// client pointed at different base URLs.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

type wireContentItem struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
	File     *wireFile     `json:"file,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireFile struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data"`
}

type wireToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolSpecBody `json:"function"`
}

type wireToolSpecBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type reasoningConfig struct {
	Effort string `json:"effort,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type streamAPIRequest struct {
	Model         string           `json:"model"`
	Messages      []wireMessage    `json:"messages"`
	Tools         []wireTool       `json:"tools,omitempty"`
	Reasoning     *reasoningConfig `json:"reasoning,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type reasoningDetail struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type completionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

type streamAPIUsage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	CompletionTokensDetails *completionTokensDetails `json:"completion_tokens_details"`
}

type streamAPIResponse struct {
	Choices []struct {
		Delta struct {
			Content          string            `json:"content"`
			Reasoning        string            `json:"reasoning"`
			ReasoningDetails []reasoningDetail `json:"reasoning_details"`
			ToolCalls        []wireToolCall    `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *streamAPIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream runs one generation round. Pre-flight failures are returned
// directly; mid-stream failures arrive as a final EventError on the channel.
func (c Client) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}

	var reasoning *reasoningConfig
	if effort := strings.TrimSpace(req.ReasoningEffort); effort != "" {
		reasoning = &reasoningConfig{Effort: effort}
	}

	payload, err := json.Marshal(streamAPIRequest{
		Model:         strings.TrimSpace(req.Model),
		Messages:      encodeMessages(req.Messages),
		Tools:         encodeTools(req.Tools),
		Reasoning:     reasoning,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request chat completions: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	events := make(chan Event, 16)
	go c.consumeStream(ctx, resp.Body, events)
	return events, nil
}

func (c Client) consumeStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	emit := func(event Event) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	pending := newToolCallAssembler()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var parsed streamAPIResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			emit(Event{Kind: EventError, ErrText: strings.TrimSpace(parsed.Error.Message)})
			return
		}

		if parsed.Usage != nil {
			usage := Usage{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
			}
			if parsed.Usage.CompletionTokensDetails != nil {
				usage.ReasoningTokens = parsed.Usage.CompletionTokensDetails.ReasoningTokens
			}
			if !emit(Event{Kind: EventUsage, Usage: &usage}) {
				return
			}
		}

		for _, choice := range parsed.Choices {
			for _, detail := range choice.Delta.ReasoningDetails {
				if detail.Type == "reasoning.text" && detail.Text != "" {
					if !emit(Event{Kind: EventReasoningDelta, Text: detail.Text}) {
						return
					}
				}
			}
			if len(choice.Delta.ReasoningDetails) == 0 && choice.Delta.Reasoning != "" {
				if !emit(Event{Kind: EventReasoningDelta, Text: choice.Delta.Reasoning}) {
					return
				}
			}

			pending.absorb(choice.Delta.ToolCalls)

			if choice.FinishReason == "tool_calls" {
				for _, call := range pending.drain() {
					if !emit(Event{Kind: EventToolCall, ToolCall: &call}) {
						return
					}
				}
			}

			if choice.Delta.Content != "" {
				if !emit(Event{Kind: EventTextDelta, Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(Event{Kind: EventError, ErrText: fmt.Sprintf("read provider stream: %v", err)})
		return
	}

	// Providers that omit finish_reason still get their calls surfaced.
	for _, call := range pending.drain() {
		if !emit(Event{Kind: EventToolCall, ToolCall: &call}) {
			return
		}
	}
}

// toolCallAssembler stitches streamed tool-call fragments back together.
// Fragments arrive keyed by index with the arguments split across deltas.
type toolCallAssembler struct {
	order []int
	byIdx map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIdx: make(map[int]*pendingToolCall)}
}

func (a *toolCallAssembler) absorb(fragments []wireToolCall) {
	for _, fragment := range fragments {
		idx := 0
		if fragment.Index != nil {
			idx = *fragment.Index
		}
		entry, ok := a.byIdx[idx]
		if !ok {
			entry = &pendingToolCall{}
			a.byIdx[idx] = entry
			a.order = append(a.order, idx)
		}
		if fragment.ID != "" {
			entry.id = fragment.ID
		}
		if fragment.Function.Name != "" {
			entry.name = fragment.Function.Name
		}
		entry.args.WriteString(fragment.Function.Arguments)
	}
}

func (a *toolCallAssembler) drain() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		entry := a.byIdx[idx]
		if entry.name == "" {
			continue
		}
		args := strings.TrimSpace(entry.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: entry.id, Name: entry.name, Args: json.RawMessage(args)})
	}
	a.order = nil
	a.byIdx = make(map[int]*pendingToolCall)
	return out
}

func encodeTools(tools []ToolSpec) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSpecBody{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func encodeMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, message := range messages {
		switch {
		case len(message.ToolResults) > 0:
			for _, result := range message.ToolResults {
				out = append(out, wireMessage{
					Role:       "tool",
					ToolCallID: result.CallID,
					Content:    string(result.Result),
				})
			}
		case len(message.ToolCalls) > 0:
			calls := make([]wireToolCall, 0, len(message.ToolCalls))
			for _, call := range message.ToolCalls {
				calls = append(calls, wireToolCall{
					ID:   call.ID,
					Type: "function",
					Function: wireToolFunction{
						Name:      call.Name,
						Arguments: string(call.Args),
					},
				})
			}
			encoded := wireMessage{Role: string(message.Role), ToolCalls: calls}
			if len(message.Parts) > 0 {
				encoded.Content = encodeContent(message.Parts)
			}
			out = append(out, encoded)
		default:
			out = append(out, wireMessage{
				Role:    string(message.Role),
				Content: encodeContent(message.Parts),
			})
		}
	}
	return out
}

func encodeContent(parts []ContentPart) any {
	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text
	}

	items := make([]wireContentItem, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			items = append(items, wireContentItem{Type: "text", Text: part.Text})
		case "image":
			items = append(items, wireContentItem{
				Type:     "image_url",
				ImageURL: &wireImageURL{URL: dataURL(part.MediaType, part.Data)},
			})
		case "file":
			items = append(items, wireContentItem{
				Type: "file",
				File: &wireFile{
					Filename: part.Filename,
					FileData: dataURL(part.MediaType, part.Data),
				},
			})
		}
	}
	return items
}

func dataURL(mediaType string, data []byte) string {
	if strings.TrimSpace(mediaType) == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
