// Package gateway executes one model invocation end to end: resolve
// provider, model and credential, run the plugin pipeline over the logical
// body, convert to the provider's wire format, issue the HTTP call, and
// normalize the response.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/gateway/wire"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"github.com/modelbridge/modelbridge/internal/registry"
	"github.com/modelbridge/modelbridge/internal/util"
)

// ErrNotConnected is returned when the resolved provider has no credential.
var ErrNotConnected = errors.New("provider not connected")

const invokeTimeout = 5 * time.Minute

// Gateway is the invocation pipeline.
type Gateway struct {
	registry *registry.Registry
	auth     *authstore.Store
	plugins  *plugins.Manager
	client   *http.Client
	streams  *streamRegistry
}

// New wires the gateway.
func New(reg *registry.Registry, auth *authstore.Store, pm *plugins.Manager) *Gateway {
	return &Gateway{
		registry: reg,
		auth:     auth,
		plugins:  pm,
		client:   &http.Client{Timeout: invokeTimeout},
		streams:  newStreamRegistry(),
	}
}

// InvokeRequest is one model call from an origin.
type InvokeRequest struct {
	Origin    string
	Model     string // combined "provider/model" id
	SessionID string
	Body      map[string]interface{}
	Stream    bool
}

// InvokeResult carries either a normalized response or a live stream.
type InvokeResult struct {
	RequestID string
	Response  *wire.ChatResponse
	Stream    *StreamHandle
}

// Invoke runs the full pipeline. For streaming calls the returned handle
// stays registered until FinishStream or Abort releases it.
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	provider, model, err := g.registry.ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	authRec, err := g.auth.Get(provider.ID)
	if err != nil {
		if errors.Is(err, authstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, provider.ID)
		}
		return nil, err
	}

	requestID := "req-" + uuid.New().String()
	tc := &plugins.TransformContext{
		ProviderID: provider.ID,
		ModelID:    model.ModelID,
		Origin:     req.Origin,
		SessionID:  req.SessionID,
		RequestID:  requestID,
		Auth:       authRec,
	}

	body := make(map[string]interface{}, len(req.Body))
	for k, v := range req.Body {
		body[k] = v
	}
	body["model"] = model.ModelID
	if req.Stream {
		body["stream"] = true
	}

	var transport transportOptions
	if loaderOpts := g.plugins.ApplyAuthLoaders(ctx, authRec, provider); loaderOpts != nil {
		transport.merge(extractTransport(loaderOpts))
	}

	body = g.plugins.ApplyChatParams(ctx, tc, body)
	body = g.plugins.ApplyRequestOptions(ctx, tc, body)
	transport.merge(extractTransport(body))
	body = g.plugins.ApplyTransformRequest(ctx, tc, body)
	transport.merge(extractTransport(body))

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	chatReq, err := wire.ParseChatRequest(raw)
	if err != nil {
		return nil, err
	}
	chatReq.Model = model.ModelID
	chatReq.Stream = req.Stream

	format := wire.DetectFormat(model.EndpointID, model.EndpointPackage)
	if transport.Endpoint != "" {
		format = wire.DetectFormat(transport.Endpoint, "")
	}

	baseURL := model.EndpointURL
	if transport.BaseURL != "" {
		baseURL = transport.BaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no endpoint URL for %s/%s", provider.ID, model.ModelID)
	}

	url, payload, err := buildWireRequest(format, baseURL, chatReq)
	if err != nil {
		return nil, err
	}

	headers := g.composeHeaders(ctx, tc, format, model, authRec, transport, req.Stream)

	if util.IsVerbose() {
		log.Printf("📤 [VERBOSE] [%s] %s %s payload:\n%s", requestID, format, url, util.TruncateBytes(payload))
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if req.Stream {
		// Streams outlive this call; cancellation comes through Abort.
		callCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("provider %s returned %d: %s", provider.ID, resp.StatusCode, util.TruncateErrorBody(errBody))
	}

	if req.Stream {
		handle := &StreamHandle{
			RequestID: requestID,
			Format:    format,
			Body:      resp.Body,
			cancel:    cancel,
		}
		g.streams.add(handle)
		return &InvokeResult{RequestID: requestID, Stream: handle}, nil
	}

	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if util.IsVerbose() {
		log.Printf("📥 [VERBOSE] [%s] response:\n%s", requestID, util.TruncateBytes(respBytes))
	}

	var rawResp map[string]interface{}
	if err := json.Unmarshal(respBytes, &rawResp); err != nil {
		return nil, fmt.Errorf("invalid upstream response: %w", err)
	}
	rawResp = g.plugins.ApplyTransformResponse(ctx, tc, rawResp)

	normalized, err := normalizeResponse(format, rawResp)
	if err != nil {
		return nil, err
	}
	if normalized.Model == "" {
		normalized.Model = model.ModelID
	}
	return &InvokeResult{RequestID: requestID, Response: normalized}, nil
}

// FinishStream deregisters a completed stream without closing its body; the
// consumer owns the body once handed over.
func (g *Gateway) FinishStream(requestID string) {
	g.streams.remove(requestID)
}

// Abort cancels an in-flight stream by request id. Returns false when no
// such stream is registered.
func (g *Gateway) Abort(requestID string) bool {
	return g.streams.abort(requestID)
}

// buildWireRequest converts the normalized request into the target format
// and resolves the endpoint URL.
func buildWireRequest(format wire.Format, baseURL string, req wire.ChatRequest) (string, []byte, error) {
	base := strings.TrimSuffix(baseURL, "/")

	var url string
	var wireBody interface{}
	switch format {
	case wire.FormatAnthropic:
		url = base + "/messages"
		wireBody = wire.ToAnthropicRequest(req)
	case wire.FormatGoogle:
		action := "generateContent"
		if req.Stream {
			action = "streamGenerateContent?alt=sse"
		}
		url = fmt.Sprintf("%s/models/%s:%s", base, req.Model, action)
		wireBody = wire.ToGoogleRequest(req)
	case wire.FormatOpenAIResponses:
		url = base + "/responses"
		wireBody = wire.ToResponsesRequest(req)
	default:
		url = base + "/chat/completions"
		wireBody = wire.ToOpenAIChatRequest(req)
	}

	payload, err := json.Marshal(wireBody)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s request: %w", format, err)
	}
	return url, payload, nil
}

// normalizeResponse converts raw provider JSON back to the normalized shape
// via the inverse adapter for the format.
func normalizeResponse(format wire.Format, raw map[string]interface{}) (*wire.ChatResponse, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode response: %w", err)
	}

	var normalized wire.ChatResponse
	switch format {
	case wire.FormatAnthropic:
		var resp wire.AnthropicResponse
		if err := json.Unmarshal(encoded, &resp); err != nil {
			return nil, fmt.Errorf("invalid anthropic response: %w", err)
		}
		normalized = wire.FromAnthropicResponse(resp)
	case wire.FormatGoogle:
		var resp wire.GoogleResponse
		if err := json.Unmarshal(encoded, &resp); err != nil {
			return nil, fmt.Errorf("invalid google response: %w", err)
		}
		normalized = wire.FromGoogleResponse(resp)
	case wire.FormatOpenAIResponses:
		var resp wire.ResponsesResponse
		if err := json.Unmarshal(encoded, &resp); err != nil {
			return nil, fmt.Errorf("invalid responses payload: %w", err)
		}
		normalized = wire.FromResponsesResponse(resp)
	default:
		var resp wire.OpenAIChatResponse
		if err := json.Unmarshal(encoded, &resp); err != nil {
			return nil, fmt.Errorf("invalid chat completions response: %w", err)
		}
		normalized = wire.FromOpenAIChatResponse(resp)
	}
	return &normalized, nil
}

// composeHeaders layers the final header set. Later layers win on key
// collision: base, format auth, model static headers, transport headers,
// plugin chat headers.
func (g *Gateway) composeHeaders(ctx context.Context, tc *plugins.TransformContext, format wire.Format, model *models.ProviderModel, auth *models.AuthRecord, transport transportOptions, stream bool) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if stream {
		headers["Accept"] = "text/event-stream"
	}

	apiKey := transport.APIKey
	if apiKey == "" {
		if auth.Type == models.AuthTypeOAuth {
			apiKey = auth.Access
		} else {
			apiKey = auth.Key
		}
	}
	authType := transport.AuthType
	if authType == "" {
		authType = auth.Type
	}

	switch format {
	case wire.FormatAnthropic:
		headers["anthropic-version"] = "2023-06-01"
		if authType == models.AuthTypeOAuth {
			headers["Authorization"] = "Bearer " + apiKey
		} else {
			headers["x-api-key"] = apiKey
		}
	case wire.FormatGoogle:
		if authType == models.AuthTypeOAuth {
			headers["Authorization"] = "Bearer " + apiKey
		} else {
			headers["x-goog-api-key"] = apiKey
		}
	default:
		if authType == "api-key" || authType == "x-api-key" {
			headers["x-api-key"] = apiKey
		} else {
			headers["Authorization"] = "Bearer " + apiKey
		}
	}

	if model.Headers != "" {
		var static map[string]string
		if err := json.Unmarshal([]byte(model.Headers), &static); err == nil {
			for k, v := range static {
				headers[k] = v
			}
		}
	}
	for k, v := range transport.Headers {
		headers[k] = v
	}
	for k, v := range g.plugins.ApplyChatHeaders(ctx, tc) {
		headers[k] = v
	}
	return headers
}
