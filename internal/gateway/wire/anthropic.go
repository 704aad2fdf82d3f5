package wire

import (
	"encoding/json"
	"strings"
)

// Anthropic Messages API structures.

const anthropicDefaultMaxTokens = 4096

type AnthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content []AnthropicBlock `json:"content"`
}

// AnthropicBlock is one content block: text, image, tool_use or tool_result.
type AnthropicBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *AnthropicImageSource `json:"source,omitempty"`

	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type AnthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type AnthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []AnthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      AnthropicUsage   `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToAnthropicRequest converts the normalized request into the Messages API
// schema. System messages lift into the top-level system field; tool
// results become user-role tool_result blocks.
func ToAnthropicRequest(req ChatRequest) AnthropicRequest {
	out := AnthropicRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		MaxTokens:     anthropicDefaultMaxTokens,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Text())
		case "tool":
			out.Messages = append(out.Messages, AnthropicMessage{
				Role: "user",
				Content: []AnthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Text(),
				}},
			})
		default:
			out.Messages = append(out.Messages, AnthropicMessage{
				Role:    msg.Role,
				Content: toAnthropicBlocks(msg),
			})
		}
	}
	out.System = strings.Join(system, "\n")

	for _, tool := range req.Tools {
		schema := tool.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out.Tools = append(out.Tools, AnthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return out
}

func toAnthropicBlocks(msg ChatMessage) []AnthropicBlock {
	var blocks []AnthropicBlock
	for _, part := range msg.Parts {
		switch part.Type {
		case PartText:
			blocks = append(blocks, AnthropicBlock{Type: "text", Text: part.Text})
		case PartImage:
			blocks = append(blocks, AnthropicBlock{
				Type: "image",
				Source: &AnthropicImageSource{
					Type:      "base64",
					MediaType: part.MimeType,
					Data:      part.Data,
				},
			})
		}
	}
	for _, call := range msg.ToolCalls {
		var input map[string]interface{}
		if call.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Arguments), &input)
		}
		blocks = append(blocks, AnthropicBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: input,
		})
	}
	return blocks
}

// FromAnthropicResponse converts a Messages API response into the
// normalized shape.
func FromAnthropicResponse(resp AnthropicResponse) ChatResponse {
	out := ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Role:  "assistant",
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Parts = append(out.Parts, TextPart(block.Text))
		case "tool_use":
			args := ""
			if block.Input != nil {
				if raw, err := json.Marshal(block.Input); err == nil {
					args = string(raw)
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	switch resp.StopReason {
	case "end_turn", "stop_sequence":
		out.FinishReason = "stop"
	case "max_tokens":
		out.FinishReason = "length"
	case "tool_use":
		out.FinishReason = "tool_calls"
	default:
		out.FinishReason = resp.StopReason
	}
	out.Usage = Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return out
}
