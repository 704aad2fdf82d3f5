// Package plugins provides the shared hook-dispatch infrastructure used by
// the auth framework and the request gateway. Plugins implement the base
// Plugin interface plus whichever capability interfaces they need; dispatch
// iterates registration order and calls only present implementations.
package plugins

import (
	"context"
	"time"

	"github.com/modelbridge/modelbridge/internal/db/models"
)

// Plugin is the base interface every plugin implements.
type Plugin interface {
	// ID is the unique plugin identifier, used to namespace auth methods.
	ID() string
	// SupportedProviders lists provider ids this plugin applies to.
	// A single "*" entry means all providers.
	SupportedProviders() []string
}

// Wildcard matches every provider.
const Wildcard = "*"

// Strategy selects how a hook result combines with the accumulator.
type Strategy string

const (
	// StrategyReplace discards the accumulator in favor of the returned value.
	StrategyReplace Strategy = "replace"
	// StrategyMerge shallow-merges the returned value into the accumulator.
	StrategyMerge Strategy = "merge"
)

// HookResult is the two-variant result of a map-producing hook. A nil
// *HookResult is a no-op for the stage.
type HookResult struct {
	Strategy Strategy
	Value    map[string]interface{}
}

// Replace builds a replace-strategy result.
func Replace(value map[string]interface{}) *HookResult {
	return &HookResult{Strategy: StrategyReplace, Value: value}
}

// Merge builds a merge-strategy result.
func Merge(value map[string]interface{}) *HookResult {
	return &HookResult{Strategy: StrategyMerge, Value: value}
}

// FieldCondition hides a field unless another field has a given value.
type FieldCondition struct {
	Key    string `json:"key"`
	Equals string `json:"equals"`
}

// AuthMethodField describes one input of an auth method. Validation metadata
// is enforced by the consuming UI, not by the framework.
type AuthMethodField struct {
	Key         string          `json:"key"`
	Label       string          `json:"label"`
	Type        string          `json:"type"` // text | password | select
	Placeholder string          `json:"placeholder,omitempty"`
	Optional    bool            `json:"optional,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Condition   *FieldCondition `json:"condition,omitempty"`

	Regex            string `json:"regex,omitempty"`
	RegexMessage     string `json:"regexMessage,omitempty"`
	MinLength        int    `json:"minLength,omitempty"`
	MinLengthMessage string `json:"minLengthMessage,omitempty"`
	MaxLength        int    `json:"maxLength,omitempty"`
	MaxLengthMessage string `json:"maxLengthMessage,omitempty"`
}

// AuthMethod is one authentication mechanism offered for a provider. After
// listing, ID is namespaced "<pluginID>:<methodID>".
type AuthMethod struct {
	ID     string            `json:"id"`
	Label  string            `json:"label"`
	Type   string            `json:"type"` // api | oauth | device | pat
	Fields []AuthMethodField `json:"fields,omitempty"`
}

// AuthResult is the flat terminal credential returned by Authorize.
type AuthResult struct {
	Type string // models.AuthTypeAPI | models.AuthTypeOAuth

	Key string // api

	Access    string // oauth
	Refresh   string
	ExpiresAt time.Time
	AccountID string

	Metadata map[string]string
}

// MethodContext is passed to Methods listings so plugins can adapt to host
// state (e.g. hide "connect" when already connected).
type MethodContext struct {
	ProviderID string
	Provider   *models.Provider
	Existing   *models.AuthRecord
}

// AuthorizeRequest carries everything an authorize call needs. Multi-step
// flows (OAuth redirect, device polling, exchange) run entirely inside one
// Authorize call; the context is the abort signal.
type AuthorizeRequest struct {
	ProviderID string
	Provider   *models.Provider
	Existing   *models.AuthRecord
	MethodID   string // raw method id, namespace already stripped
	Values     map[string]string
	OAuth      *OAuthHelper
}

// AuthPlugin is the auth capability. AuthProvider overrides
// SupportedProviders for auth hooks specifically ("*" or one provider id).
type AuthPlugin interface {
	Plugin
	AuthProvider() string
	Methods(ctx context.Context, mc *MethodContext) ([]AuthMethod, error)
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthResult, error)
}

// AuthOptionsLoader injects live (possibly refreshed) credentials into a
// request at invocation time. Keys use the transport-control form
// ("$baseURL", "$apiKey", "$authType", "$headers").
type AuthOptionsLoader interface {
	LoadAuthOptions(ctx context.Context, auth *models.AuthRecord, provider *models.Provider) (*HookResult, error)
}

// TransformContext identifies one gateway invocation across pipeline stages.
type TransformContext struct {
	ProviderID string
	ModelID    string
	Origin     string
	SessionID  string
	RequestID  string
	Auth       *models.AuthRecord
}

// ChatParamsHook transforms the logical request body.
type ChatParamsHook interface {
	ChatParams(ctx context.Context, tc *TransformContext, body map[string]interface{}) (*HookResult, error)
}

// RequestOptionsHook augments requests independent of endpoint shape.
type RequestOptionsHook interface {
	RequestOptions(ctx context.Context, tc *TransformContext, body map[string]interface{}) (*HookResult, error)
}

// ChatHeadersHook contributes final request headers.
type ChatHeadersHook interface {
	ChatHeaders(ctx context.Context, tc *TransformContext) (map[string]string, error)
}

// RequestTransformer is the final raw-body mutation hook.
type RequestTransformer interface {
	TransformRequest(ctx context.Context, tc *TransformContext, body map[string]interface{}) (map[string]interface{}, error)
}

// ResponseTransformer mutates the raw provider JSON before normalization.
type ResponseTransformer interface {
	TransformResponse(ctx context.Context, tc *TransformContext, raw map[string]interface{}) (map[string]interface{}, error)
}

// ProviderPatcher adjusts a provider row during catalog builds.
type ProviderPatcher interface {
	PatchProvider(provider *models.Provider) error
}

// ModelPatcher adjusts a model row during catalog builds.
type ModelPatcher interface {
	PatchModel(model *models.ProviderModel) error
}
