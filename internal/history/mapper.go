// Package history converts persisted conversation rows into the ordered
// message list a generation backend consumes. Attachment bytes are fetched on
// demand; a failed fetch degrades to an inline marker instead of failing the
// whole request.
package history

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"scribe/backend/internal/provider"
	"scribe/backend/internal/registry"
	"scribe/backend/internal/thread"

	"rsc.io/pdf"
)

// Fetcher resolves a stored attachment reference to its bytes.
type Fetcher interface {
	Fetch(ctx context.Context, storagePath string) ([]byte, error)
}

// Map flattens thread messages (oldest first) into backend-ready messages.
// It walks newest-first internally so adjacent same-role messages can merge,
// then reverses before returning.
func Map(ctx context.Context, messages []thread.Message, model registry.Model, fetcher Fetcher) []provider.Message {
	// Built newest-first, reversed at the end.
	out := make([]provider.Message, 0, len(messages))

	for i := len(messages) - 1; i >= 0; i-- {
		message := messages[i]
		switch message.Role {
		case thread.RoleUser:
			mapped := mapUserMessage(ctx, message, model, fetcher)
			if len(mapped.Parts) == 0 {
				continue
			}
			// Back-to-back user messages merge into one backend message;
			// the newer one is already in out, so this older content leads.
			if len(out) > 0 && out[len(out)-1].Role == provider.RoleUser && len(out[len(out)-1].ToolCalls) == 0 {
				newer := out[len(out)-1]
				newer.Parts = append(mapped.Parts, newer.Parts...)
				out[len(out)-1] = newer
				continue
			}
			out = append(out, mapped)

		case thread.RoleAssistant:
			content, calls, results := splitAssistantParts(message)

			if len(content.Parts) > 0 {
				if len(out) > 0 && out[len(out)-1].Role == provider.RoleAssistant && len(out[len(out)-1].ToolCalls) == 0 {
					newer := out[len(out)-1]
					newer.Parts = append(content.Parts, newer.Parts...)
					out[len(out)-1] = newer
				} else {
					out = append(out, content)
				}
			}

			// Required ordering once reversed: call message, result message,
			// then assistant content. Appending in reverse achieves that.
			if len(calls.ToolCalls) > 0 {
				out = append(out, results, calls)
			}
		}
	}

	// Restore chronological order.
	for left, right := 0, len(out)-1; left < right; left, right = left+1, right-1 {
		out[left], out[right] = out[right], out[left]
	}
	return out
}

func mapUserMessage(ctx context.Context, message thread.Message, model registry.Model, fetcher Fetcher) provider.Message {
	mapped := provider.Message{Role: provider.RoleUser, SourceMessageID: message.ID}
	for _, part := range message.Parts {
		switch part.Type {
		case thread.PartText:
			if part.Text != "" {
				mapped.Parts = append(mapped.Parts, provider.TextPart(part.Text))
			}
		case thread.PartFile:
			mapped.Parts = append(mapped.Parts, mapAttachment(ctx, part, model, fetcher))
		}
	}
	return mapped
}

func mapAttachment(ctx context.Context, part thread.Part, model registry.Model, fetcher Fetcher) provider.ContentPart {
	name := part.Filename
	if name == "" {
		name = part.StoragePath
	}

	kind := classifyAttachment(part.MediaType, part.Filename)
	if kind == attachmentUnsupported {
		return unavailablePart(name, "unsupported attachment type")
	}
	if fetcher == nil {
		return unavailablePart(name, "attachment storage unavailable")
	}

	data, err := fetcher.Fetch(ctx, part.StoragePath)
	if err != nil {
		return unavailablePart(name, "could not be loaded")
	}

	switch kind {
	case attachmentImage:
		return provider.ContentPart{Type: "image", MediaType: part.MediaType, Filename: part.Filename, Data: data}
	case attachmentText:
		return provider.TextPart(wrapAttachmentText(name, string(data)))
	case attachmentPDF:
		if model.HasAbility(registry.AbilityPDF) {
			return provider.ContentPart{Type: "file", MediaType: part.MediaType, Filename: part.Filename, Data: data}
		}
		text, err := extractPDFText(data)
		if err != nil || strings.TrimSpace(text) == "" {
			return unavailablePart(name, "pdf attachments are not supported by this model")
		}
		return provider.TextPart(wrapAttachmentText(name, text))
	}
	return unavailablePart(name, "unsupported attachment type")
}

type attachmentKind int

const (
	attachmentUnsupported attachmentKind = iota
	attachmentImage
	attachmentText
	attachmentPDF
)

func classifyAttachment(mediaType, filename string) attachmentKind {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return attachmentImage
	case mediaType == "application/pdf":
		return attachmentPDF
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/csv":
		return attachmentText
	}

	switch strings.ToLower(strings.TrimSpace(extOf(filename))) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return attachmentImage
	case ".pdf":
		return attachmentPDF
	case ".txt", ".md", ".csv", ".json":
		return attachmentText
	}
	return attachmentUnsupported
}

func extOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}

func wrapAttachmentText(name, text string) string {
	return fmt.Sprintf("<attachment name=%q>\n%s\n</attachment>", name, strings.TrimSpace(text))
}

func unavailablePart(name, reason string) provider.ContentPart {
	return provider.TextPart(fmt.Sprintf("[attachment %q unavailable: %s]", name, reason))
}

// splitAssistantParts separates an assistant message into its content
// message and the synthetic call/result pair for completed tool invocations.
func splitAssistantParts(message thread.Message) (content, calls, results provider.Message) {
	content = provider.Message{Role: provider.RoleAssistant, SourceMessageID: message.ID}
	calls = provider.Message{Role: provider.RoleAssistant, SourceMessageID: message.ID}
	results = provider.Message{Role: provider.RoleTool, SourceMessageID: message.ID}

	for _, part := range message.Parts {
		switch part.Type {
		case thread.PartText:
			if part.Text != "" {
				content.Parts = append(content.Parts, provider.TextPart(part.Text))
			}
		case thread.PartReasoning:
			if part.Text != "" {
				content.Parts = append(content.Parts, provider.TextPart(part.Text))
			}
		case thread.PartFile:
			name := part.Filename
			if name == "" {
				name = part.StoragePath
			}
			content.Parts = append(content.Parts, provider.TextPart(fmt.Sprintf("[generated file %q]", name)))
		case thread.PartToolInvocation:
			// Only completed invocations replay; a dangling call without its
			// result would be rejected by the backend.
			if part.State != thread.ToolStateResult {
				continue
			}
			calls.ToolCalls = append(calls.ToolCalls, provider.ToolCall{
				ID:   part.ToolCallID,
				Name: part.ToolName,
				Args: part.Args,
			})
			results.ToolResults = append(results.ToolResults, provider.ToolResult{
				CallID: part.ToolCallID,
				Name:   part.ToolName,
				Result: part.Result,
			})
		}
	}
	return content, calls, results
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		for _, item := range page.Content().Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteByte('\n')
			}
			builder.WriteString(chunk)
		}
	}
	return builder.String(), nil
}
