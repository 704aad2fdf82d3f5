package wire

import "encoding/json"

// Google generateContent API structures.

type GoogleRequest struct {
	Contents          []GoogleContent         `json:"contents"`
	SystemInstruction *GoogleContent          `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool            `json:"tools,omitempty"`
	GenerationConfig  *GoogleGenerationConfig `json:"generationConfig,omitempty"`
}

type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

type GooglePart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *GoogleInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *GoogleFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GoogleFunctionResponse `json:"functionResponse,omitempty"`
}

type GoogleInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GoogleFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type GoogleFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type GoogleTool struct {
	FunctionDeclarations []GoogleFunctionDeclaration `json:"functionDeclarations"`
}

type GoogleFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type GoogleGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GoogleResponse struct {
	Candidates    []GoogleCandidate `json:"candidates"`
	UsageMetadata *GoogleUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
}

type GoogleCandidate struct {
	Content      GoogleContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type GoogleUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ToGoogleRequest converts the normalized request into the generateContent
// schema. Assistant turns map to role "model"; system messages lift into
// systemInstruction; tool results become functionResponse parts.
func ToGoogleRequest(req ChatRequest) GoogleRequest {
	var out GoogleRequest

	var systemParts []GooglePart
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, GooglePart{Text: msg.Text()})
		case "tool":
			out.Contents = append(out.Contents, GoogleContent{
				Role: "user",
				Parts: []GooglePart{{
					FunctionResponse: &GoogleFunctionResponse{
						Name:     msg.ToolCallID,
						Response: map[string]interface{}{"result": msg.Text()},
					},
				}},
			})
		default:
			role := msg.Role
			if role == "assistant" {
				role = "model"
			}
			out.Contents = append(out.Contents, GoogleContent{
				Role:  role,
				Parts: toGoogleParts(msg),
			})
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &GoogleContent{Parts: systemParts}
	}

	if len(req.Tools) > 0 {
		var decls []GoogleFunctionDeclaration
		for _, tool := range req.Tools {
			decls = append(decls, GoogleFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		out.Tools = []GoogleTool{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &GoogleGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func toGoogleParts(msg ChatMessage) []GooglePart {
	var parts []GooglePart
	for _, part := range msg.Parts {
		switch part.Type {
		case PartText:
			parts = append(parts, GooglePart{Text: part.Text})
		case PartImage:
			parts = append(parts, GooglePart{
				InlineData: &GoogleInlineData{MimeType: part.MimeType, Data: part.Data},
			})
		}
	}
	for _, call := range msg.ToolCalls {
		var args map[string]interface{}
		if call.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Arguments), &args)
		}
		parts = append(parts, GooglePart{
			FunctionCall: &GoogleFunctionCall{Name: call.Name, Args: args},
		})
	}
	return parts
}

// FromGoogleResponse converts a generateContent response into the
// normalized shape. Only the first candidate is used. Google carries no
// tool-call ids; the function name doubles as the correlation key.
func FromGoogleResponse(resp GoogleResponse) ChatResponse {
	out := ChatResponse{Role: "assistant", Model: resp.ModelVersion}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args := ""
				if part.FunctionCall.Args != nil {
					if raw, err := json.Marshal(part.FunctionCall.Args); err == nil {
						args = string(raw)
					}
				}
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        part.FunctionCall.Name,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			case part.InlineData != nil:
				out.Parts = append(out.Parts, ContentPart{
					Type:     PartImage,
					MimeType: part.InlineData.MimeType,
					Data:     part.InlineData.Data,
				})
			case part.Text != "":
				out.Parts = append(out.Parts, TextPart(part.Text))
			}
		}
		switch candidate.FinishReason {
		case "STOP":
			out.FinishReason = "stop"
		case "MAX_TOKENS":
			out.FinishReason = "length"
		default:
			out.FinishReason = candidate.FinishReason
		}
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}
