package wire

import "strings"

// OpenAI Responses API structures.

type ResponsesRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           []ResponsesItem `json:"input"`
	Tools           []ResponsesTool `json:"tools,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Store           *bool           `json:"store,omitempty"`
}

// ResponsesItem is one input or output list entry: a message, a
// function_call, or a function_call_output.
type ResponsesItem struct {
	Type    string                 `json:"type,omitempty"`
	Role    string                 `json:"role,omitempty"`
	Content []ResponsesContentPart `json:"content,omitempty"`

	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status,omitempty"`
}

type ResponsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type ResponsesTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ResponsesResponse struct {
	ID     string          `json:"id"`
	Model  string          `json:"model,omitempty"`
	Status string          `json:"status,omitempty"`
	Output []ResponsesItem `json:"output"`
	Usage  *ResponsesUsage `json:"usage,omitempty"`
}

type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToResponsesRequest converts the normalized request into the Responses API
// schema. System messages lift into instructions; assistant tool calls
// become function_call items and tool results function_call_output items.
func ToResponsesRequest(req ChatRequest) ResponsesRequest {
	out := ResponsesRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}

	var instructions []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			instructions = append(instructions, msg.Text())
		case "tool":
			out.Input = append(out.Input, ResponsesItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: msg.Text(),
			})
		default:
			if len(msg.Parts) > 0 {
				out.Input = append(out.Input, ResponsesItem{
					Type:    "message",
					Role:    msg.Role,
					Content: toResponsesContent(msg),
				})
			}
			for _, call := range msg.ToolCalls {
				out.Input = append(out.Input, ResponsesItem{
					Type:      "function_call",
					CallID:    call.ID,
					Name:      call.Name,
					Arguments: call.Arguments,
				})
			}
		}
	}
	out.Instructions = strings.Join(instructions, "\n")

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, ResponsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return out
}

func toResponsesContent(msg ChatMessage) []ResponsesContentPart {
	// Assistant history uses output_text; everything else input_text.
	textType := "input_text"
	if msg.Role == "assistant" {
		textType = "output_text"
	}
	var parts []ResponsesContentPart
	for _, part := range msg.Parts {
		switch part.Type {
		case PartText:
			parts = append(parts, ResponsesContentPart{Type: textType, Text: part.Text})
		case PartImage:
			parts = append(parts, ResponsesContentPart{
				Type:     "input_image",
				ImageURL: encodeDataURL(part.MimeType, part.Data),
			})
		}
	}
	return parts
}

// FromResponsesResponse converts a Responses API result into the
// normalized shape.
func FromResponsesResponse(resp ResponsesResponse) ChatResponse {
	out := ChatResponse{ID: resp.ID, Model: resp.Model, Role: "assistant"}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" || part.Type == "text" {
					out.Parts = append(out.Parts, TextPart(part.Text))
				}
			}
		case "function_call":
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        id,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}
	switch {
	case len(out.ToolCalls) > 0:
		out.FinishReason = "tool_calls"
	case resp.Status == "completed" || resp.Status == "":
		out.FinishReason = "stop"
	case resp.Status == "incomplete":
		out.FinishReason = "length"
	default:
		out.FinishReason = resp.Status
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out
}
