package plugins

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/modelbridge/modelbridge/internal/db/models"
)

// Manager is the sequential hook dispatcher. Dispatch order is registration
// order; "replace" results from later plugins discard earlier contributions,
// so override-prone plugins should be registered last.
type Manager struct {
	plugins []Plugin
}

// NewManager creates an empty plugin manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends a plugin. Registration order is dispatch order.
func (m *Manager) Register(p Plugin) {
	m.plugins = append(m.plugins, p)
	log.Printf("🔌 Registered plugin: %s", p.ID())
}

// Plugins returns the registered plugins in dispatch order.
func (m *Manager) Plugins() []Plugin {
	return m.plugins
}

// applies reports whether a plugin's SupportedProviders covers providerID.
func applies(p Plugin, providerID string) bool {
	for _, s := range p.SupportedProviders() {
		if s == Wildcard || s == providerID {
			return true
		}
	}
	return false
}

// authApplies uses the auth-specific provider override.
func authApplies(p AuthPlugin, providerID string) bool {
	ap := p.AuthProvider()
	return ap == Wildcard || ap == providerID
}

// safeCall isolates one plugin hook: a panic or error is logged and the
// stage continues with the remaining plugins.
func safeCall(pluginID, hook string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ Plugin %s panicked in %s: %v", pluginID, hook, r)
		}
	}()
	if err := fn(); err != nil {
		log.Printf("⚠️ Plugin %s failed in %s: %v", pluginID, hook, err)
	}
}

// combine applies a hook result to the accumulator.
func combine(acc map[string]interface{}, result *HookResult) map[string]interface{} {
	if result == nil || result.Value == nil {
		return acc
	}
	switch result.Strategy {
	case StrategyReplace:
		return result.Value
	case StrategyMerge:
		if acc == nil {
			acc = map[string]interface{}{}
		}
		for k, v := range result.Value {
			acc[k] = v
		}
		return acc
	default:
		return acc
	}
}

// ListAuthMethods lists every applicable plugin's auth methods with ids
// namespaced "<pluginID>:<methodID>". A plugin whose listing errors is
// skipped; duplicate raw method ids within one plugin's listing are a
// configuration error and fail the whole call.
func (m *Manager) ListAuthMethods(ctx context.Context, mc *MethodContext) ([]AuthMethod, error) {
	var out []AuthMethod
	for _, p := range m.plugins {
		ap, ok := p.(AuthPlugin)
		if !ok || !authApplies(ap, mc.ProviderID) {
			continue
		}

		var methods []AuthMethod
		var err error
		safeCall(p.ID(), "auth.methods", func() error {
			methods, err = ap.Methods(ctx, mc)
			return err
		})
		if err != nil {
			continue
		}

		seen := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if _, dup := seen[method.ID]; dup {
				return nil, fmt.Errorf("plugin %s declared duplicate auth method id %q", p.ID(), method.ID)
			}
			seen[method.ID] = struct{}{}
			method.ID = p.ID() + ":" + method.ID
			out = append(out, method)
		}
	}
	return out, nil
}

// Authorize resolves a namespaced method id to its plugin and invokes the
// plugin's Authorize. Unlike other hooks, an Authorize error is the
// operation's primary result and propagates to the caller.
func (m *Manager) Authorize(ctx context.Context, methodID string, req AuthorizeRequest) (*AuthResult, error) {
	pluginID, rawID, ok := strings.Cut(methodID, ":")
	if !ok {
		return nil, fmt.Errorf("auth method id %q is not namespaced", methodID)
	}
	for _, p := range m.plugins {
		ap, isAuth := p.(AuthPlugin)
		if !isAuth || p.ID() != pluginID {
			continue
		}
		if !authApplies(ap, req.ProviderID) {
			return nil, fmt.Errorf("plugin %s does not serve provider %s", pluginID, req.ProviderID)
		}
		req.MethodID = rawID
		return ap.Authorize(ctx, req)
	}
	return nil, fmt.Errorf("unknown auth method %q", methodID)
}

// ApplyAuthLoaders runs every applicable loader, combining transport
// overrides. Loader side effects (persisting a refreshed AuthRecord) are the
// plugin's own business.
func (m *Manager) ApplyAuthLoaders(ctx context.Context, auth *models.AuthRecord, provider *models.Provider) map[string]interface{} {
	var acc map[string]interface{}
	for _, p := range m.plugins {
		loader, ok := p.(AuthOptionsLoader)
		if !ok {
			continue
		}
		if ap, isAuth := p.(AuthPlugin); isAuth {
			if !authApplies(ap, provider.ID) {
				continue
			}
		} else if !applies(p, provider.ID) {
			continue
		}
		safeCall(p.ID(), "auth.loader", func() error {
			result, err := loader.LoadAuthOptions(ctx, auth, provider)
			if err != nil {
				return err
			}
			acc = combine(acc, result)
			return nil
		})
	}
	return acc
}

// ApplyChatParams runs the chat.params stage over the logical request body.
func (m *Manager) ApplyChatParams(ctx context.Context, tc *TransformContext, body map[string]interface{}) map[string]interface{} {
	for _, p := range m.plugins {
		hook, ok := p.(ChatParamsHook)
		if !ok || !applies(p, tc.ProviderID) {
			continue
		}
		safeCall(p.ID(), "chat.params", func() error {
			result, err := hook.ChatParams(ctx, tc, body)
			if err != nil {
				return err
			}
			body = combine(body, result)
			return nil
		})
	}
	return body
}

// ApplyRequestOptions runs the provider-level requestOptions stage.
func (m *Manager) ApplyRequestOptions(ctx context.Context, tc *TransformContext, body map[string]interface{}) map[string]interface{} {
	for _, p := range m.plugins {
		hook, ok := p.(RequestOptionsHook)
		if !ok || !applies(p, tc.ProviderID) {
			continue
		}
		safeCall(p.ID(), "chat.requestOptions", func() error {
			result, err := hook.RequestOptions(ctx, tc, body)
			if err != nil {
				return err
			}
			body = combine(body, result)
			return nil
		})
	}
	return body
}

// ApplyChatHeaders collects plugin header contributions; later plugins
// override earlier ones on key collision.
func (m *Manager) ApplyChatHeaders(ctx context.Context, tc *TransformContext) map[string]string {
	headers := map[string]string{}
	for _, p := range m.plugins {
		hook, ok := p.(ChatHeadersHook)
		if !ok || !applies(p, tc.ProviderID) {
			continue
		}
		safeCall(p.ID(), "chat.headers", func() error {
			extra, err := hook.ChatHeaders(ctx, tc)
			if err != nil {
				return err
			}
			for k, v := range extra {
				headers[k] = v
			}
			return nil
		})
	}
	return headers
}

// ApplyTransformRequest runs the final raw-body mutation hooks.
func (m *Manager) ApplyTransformRequest(ctx context.Context, tc *TransformContext, body map[string]interface{}) map[string]interface{} {
	for _, p := range m.plugins {
		hook, ok := p.(RequestTransformer)
		if !ok || !applies(p, tc.ProviderID) {
			continue
		}
		safeCall(p.ID(), "chat.transformRequest", func() error {
			out, err := hook.TransformRequest(ctx, tc, body)
			if err != nil {
				return err
			}
			if out != nil {
				body = out
			}
			return nil
		})
	}
	return body
}

// ApplyTransformResponse runs response transformers over raw provider JSON.
func (m *Manager) ApplyTransformResponse(ctx context.Context, tc *TransformContext, raw map[string]interface{}) map[string]interface{} {
	for _, p := range m.plugins {
		hook, ok := p.(ResponseTransformer)
		if !ok || !applies(p, tc.ProviderID) {
			continue
		}
		safeCall(p.ID(), "chat.transformResponse", func() error {
			out, err := hook.TransformResponse(ctx, tc, raw)
			if err != nil {
				return err
			}
			if out != nil {
				raw = out
			}
			return nil
		})
	}
	return raw
}

// PatchProvider runs provider patch hooks sequentially during catalog builds.
func (m *Manager) PatchProvider(provider *models.Provider) {
	for _, p := range m.plugins {
		hook, ok := p.(ProviderPatcher)
		if !ok || !applies(p, provider.ID) {
			continue
		}
		safeCall(p.ID(), "catalog.patchProvider", func() error {
			return hook.PatchProvider(provider)
		})
	}
}

// PatchModel runs model patch hooks sequentially during catalog builds.
func (m *Manager) PatchModel(model *models.ProviderModel) {
	for _, p := range m.plugins {
		hook, ok := p.(ModelPatcher)
		if !ok || !applies(p, model.ProviderID) {
			continue
		}
		safeCall(p.ID(), "catalog.patchModel", func() error {
			return hook.PatchModel(model)
		})
	}
}
