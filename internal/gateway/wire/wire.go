// Package wire converts between the internal normalized chat shape and the
// provider wire formats: generic OpenAI-compatible chat completions, OpenAI
// Responses, Anthropic Messages, and Google generateContent. Each format has
// a To/From adapter pair over the normalized shape.
package wire

import (
	"fmt"
	"strings"
)

// Format identifies a provider wire format.
type Format string

const (
	FormatOpenAIChat      Format = "openai-chat"
	FormatOpenAIResponses Format = "openai-responses"
	FormatAnthropic       Format = "anthropic"
	FormatGoogle          Format = "google"
)

// DetectFormat picks the wire format from a model's endpoint descriptor
// (endpoint id and npm/package tag). Unknown descriptors fall back to the
// generic OpenAI-compatible chat format.
func DetectFormat(endpointID, pkg string) Format {
	probe := strings.ToLower(endpointID + " " + pkg)
	switch {
	case strings.Contains(probe, "anthropic"):
		return FormatAnthropic
	case strings.Contains(probe, "google") || strings.Contains(probe, "gemini"):
		return FormatGoogle
	case strings.Contains(probe, "responses"):
		return FormatOpenAIResponses
	default:
		return FormatOpenAIChat
	}
}

// Normalized chat shapes. These mirror the OpenAI-compatible chat
// completions schema, which is also what callers send and receive.

// ChatRequest is the normalized logical request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []Tool        `json:"tools,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatMessage is one turn. Tool results use role "tool" plus ToolCallID.
type ChatMessage struct {
	Role       string        `json:"role"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// Text returns the concatenated text content of the message.
func (m ChatMessage) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Type == PartText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// Content part kinds.
const (
	PartText  = "text"
	PartImage = "image"
)

// ContentPart is a text or base64 image piece of a message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// Tool is a normalized function/tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is a normalized function invocation emitted by the model.
// Arguments is the raw JSON-encoded argument object.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatResponse is the normalized chat-completion result.
type ChatResponse struct {
	ID           string        `json:"id,omitempty"`
	Model        string        `json:"model,omitempty"`
	Role         string        `json:"role"`
	Parts        []ContentPart `json:"parts,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
}

// Text returns the concatenated text content of the response.
func (r ChatResponse) Text() string {
	var sb strings.Builder
	for _, part := range r.Parts {
		if part.Type == PartText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// Usage is the normalized token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// encodeDataURL packs a base64 image part into a data: URL.
func encodeDataURL(mimeType, data string) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, data)
}

// parseDataURL splits a data: URL into mime type and base64 payload.
// Non-data URLs come back with empty mime and the URL itself as data.
func parseDataURL(url string) (mimeType, data string) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", url
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", url
	}
	mimeType = strings.TrimSuffix(meta, ";base64")
	return mimeType, payload
}
