package wire

import (
	"encoding/json"
	"fmt"
)

// OpenAI-compatible chat completions structures.

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    OpenAIContent    `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIContent carries message content that may arrive as a plain string
// or as an array of typed parts. It always marshals a lone text part back
// to the string form.
type OpenAIContent []OpenAIContentPart

type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

type OpenAIImageURL struct {
	URL string `json:"url"`
}

func (c OpenAIContent) MarshalJSON() ([]byte, error) {
	if len(c) == 1 && c[0].Type == PartText {
		return json.Marshal(c[0].Text)
	}
	return json.Marshal([]OpenAIContentPart(c))
}

func (c *OpenAIContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = OpenAIContent{{Type: PartText, Text: str}}
		return nil
	}
	var parts []OpenAIContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("unsupported content shape: %w", err)
	}
	*c = parts
	return nil
}

type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object,omitempty"`
	Created int64          `json:"created,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParseChatRequest decodes an OpenAI-compatible logical body (the shape
// callers send) into the normalized request.
func ParseChatRequest(raw []byte) (ChatRequest, error) {
	var req OpenAIChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ChatRequest{}, fmt.Errorf("invalid chat request: %w", err)
	}
	return fromOpenAIRequest(req), nil
}

func fromOpenAIRequest(req OpenAIChatRequest) ChatRequest {
	out := ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, fromOpenAIMessage(msg))
	}
	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	return out
}

func fromOpenAIMessage(msg OpenAIMessage) ChatMessage {
	out := ChatMessage{Role: msg.Role, ToolCallID: msg.ToolCallID}
	for _, part := range msg.Content {
		switch part.Type {
		case PartText:
			out.Parts = append(out.Parts, TextPart(part.Text))
		case "image_url":
			if part.ImageURL != nil {
				mime, data := parseDataURL(part.ImageURL.URL)
				out.Parts = append(out.Parts, ContentPart{Type: PartImage, MimeType: mime, Data: data})
			}
		}
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}

// ToOpenAIChatRequest converts the normalized request into the generic
// OpenAI-compatible chat completions schema.
func ToOpenAIChatRequest(req ChatRequest) OpenAIChatRequest {
	out := OpenAIChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, toOpenAIMessage(msg))
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func toOpenAIMessage(msg ChatMessage) OpenAIMessage {
	out := OpenAIMessage{Role: msg.Role, ToolCallID: msg.ToolCallID}
	for _, part := range msg.Parts {
		switch part.Type {
		case PartText:
			out.Content = append(out.Content, OpenAIContentPart{Type: PartText, Text: part.Text})
		case PartImage:
			out.Content = append(out.Content, OpenAIContentPart{
				Type:     "image_url",
				ImageURL: &OpenAIImageURL{URL: encodeDataURL(part.MimeType, part.Data)},
			})
		}
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, OpenAIToolCall{
			ID:   call.ID,
			Type: "function",
			Function: OpenAIFunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return out
}

// FromOpenAIChatResponse converts a chat completions response back into the
// normalized shape. Only the first choice is used.
func FromOpenAIChatResponse(resp OpenAIChatResponse) ChatResponse {
	out := ChatResponse{ID: resp.ID, Model: resp.Model, Role: "assistant"}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Role != "" {
			out.Role = choice.Message.Role
		}
		msg := fromOpenAIMessage(choice.Message)
		out.Parts = msg.Parts
		out.ToolCalls = msg.ToolCalls
		out.FinishReason = choice.FinishReason
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out
}

// ToOpenAIChatResponse renders a normalized response in the chat
// completions schema for callers.
func ToOpenAIChatResponse(resp ChatResponse) OpenAIChatResponse {
	msg := toOpenAIMessage(ChatMessage{
		Role:      resp.Role,
		Parts:     resp.Parts,
		ToolCalls: resp.ToolCalls,
	})
	return OpenAIChatResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: resp.FinishReason,
		}},
		Usage: &OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}
