package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlugin implements whichever hooks the test configures.
type fakePlugin struct {
	id        string
	providers []string
	authProv  string

	methods    []AuthMethod
	methodsErr error

	authorize func(ctx context.Context, req AuthorizeRequest) (*AuthResult, error)

	chatParams func(body map[string]interface{}) (*HookResult, error)
	headers    map[string]string
	headersErr error
	patchModel func(m *models.ProviderModel) error
}

func (f *fakePlugin) ID() string                   { return f.id }
func (f *fakePlugin) SupportedProviders() []string { return f.providers }
func (f *fakePlugin) AuthProvider() string         { return f.authProv }

func (f *fakePlugin) Methods(ctx context.Context, mc *MethodContext) ([]AuthMethod, error) {
	return f.methods, f.methodsErr
}

func (f *fakePlugin) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthResult, error) {
	if f.authorize == nil {
		return nil, errors.New("not configured")
	}
	return f.authorize(ctx, req)
}

// hookPlugin adds the optional chat hooks only when configured, via small
// wrapper types, so interface assertions behave like real plugins.
type paramsPlugin struct{ *fakePlugin }

func (p paramsPlugin) ChatParams(ctx context.Context, tc *TransformContext, body map[string]interface{}) (*HookResult, error) {
	return p.chatParams(body)
}

type headersPlugin struct{ *fakePlugin }

func (p headersPlugin) ChatHeaders(ctx context.Context, tc *TransformContext) (map[string]string, error) {
	return p.headers, p.headersErr
}

type patchPlugin struct{ *fakePlugin }

func (p patchPlugin) PatchModel(m *models.ProviderModel) error { return p.patchModel(m) }

func TestListAuthMethodsNamespacing(t *testing.T) {
	m := NewManager()
	m.Register(&fakePlugin{
		id: "apikey", providers: []string{Wildcard}, authProv: Wildcard,
		methods: []AuthMethod{{ID: "manual", Label: "API key", Type: "api"}},
	})
	m.Register(&fakePlugin{
		id: "oauth-openai", providers: []string{"openai"}, authProv: "openai",
		methods: []AuthMethod{{ID: "browser", Label: "Browser", Type: "oauth"}},
	})

	methods, err := m.ListAuthMethods(context.Background(), &MethodContext{ProviderID: "openai"})
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.Equal(t, "apikey:manual", methods[0].ID)
	assert.Equal(t, "oauth-openai:browser", methods[1].ID)

	// A plugin scoped to another provider does not contribute.
	methods, err = m.ListAuthMethods(context.Background(), &MethodContext{ProviderID: "anthropic"})
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "apikey:manual", methods[0].ID)
}

func TestListAuthMethodsDuplicateIDs(t *testing.T) {
	m := NewManager()
	m.Register(&fakePlugin{
		id: "broken", providers: []string{Wildcard}, authProv: Wildcard,
		methods: []AuthMethod{{ID: "x"}, {ID: "x"}},
	})

	_, err := m.ListAuthMethods(context.Background(), &MethodContext{ProviderID: "openai"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate auth method id")
}

func TestListAuthMethodsSkipsFailingPlugin(t *testing.T) {
	m := NewManager()
	m.Register(&fakePlugin{
		id: "flaky", providers: []string{Wildcard}, authProv: Wildcard,
		methodsErr: errors.New("boom"),
	})
	m.Register(&fakePlugin{
		id: "apikey", providers: []string{Wildcard}, authProv: Wildcard,
		methods: []AuthMethod{{ID: "manual"}},
	})

	methods, err := m.ListAuthMethods(context.Background(), &MethodContext{ProviderID: "openai"})
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "apikey:manual", methods[0].ID)
}

func TestAuthorizeErrorPropagates(t *testing.T) {
	authErr := errors.New("user rejected")
	m := NewManager()
	m.Register(&fakePlugin{
		id: "apikey", providers: []string{Wildcard}, authProv: Wildcard,
		authorize: func(ctx context.Context, req AuthorizeRequest) (*AuthResult, error) {
			assert.Equal(t, "manual", req.MethodID)
			return nil, authErr
		},
	})

	_, err := m.Authorize(context.Background(), "apikey:manual", AuthorizeRequest{ProviderID: "openai"})
	require.ErrorIs(t, err, authErr)
}

func TestAuthorizeUnknownMethod(t *testing.T) {
	m := NewManager()
	_, err := m.Authorize(context.Background(), "ghost:manual", AuthorizeRequest{ProviderID: "openai"})
	require.Error(t, err)

	_, err = m.Authorize(context.Background(), "not-namespaced", AuthorizeRequest{ProviderID: "openai"})
	require.Error(t, err)
}

func TestChatParamsIsolationAndMerge(t *testing.T) {
	m := NewManager()
	m.Register(paramsPlugin{&fakePlugin{
		id: "merger", providers: []string{Wildcard},
		chatParams: func(body map[string]interface{}) (*HookResult, error) {
			return Merge(map[string]interface{}{"temperature": 0.1}), nil
		},
	}})
	m.Register(paramsPlugin{&fakePlugin{
		id: "panicker", providers: []string{Wildcard},
		chatParams: func(body map[string]interface{}) (*HookResult, error) {
			panic("broken plugin")
		},
	}})
	m.Register(paramsPlugin{&fakePlugin{
		id: "failer", providers: []string{Wildcard},
		chatParams: func(body map[string]interface{}) (*HookResult, error) {
			return nil, errors.New("hook error")
		},
	}})
	m.Register(paramsPlugin{&fakePlugin{
		id: "second-merger", providers: []string{Wildcard},
		chatParams: func(body map[string]interface{}) (*HookResult, error) {
			return Merge(map[string]interface{}{"top_p": 0.9}), nil
		},
	}})

	body := m.ApplyChatParams(context.Background(), &TransformContext{ProviderID: "openai"},
		map[string]interface{}{"model": "gpt-4o"})

	// The failing plugins drop out; everyone else's contribution lands.
	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, 0.1, body["temperature"])
	assert.Equal(t, 0.9, body["top_p"])
}

func TestChatParamsReplaceDiscardsAccumulator(t *testing.T) {
	m := NewManager()
	m.Register(paramsPlugin{&fakePlugin{
		id: "replacer", providers: []string{Wildcard},
		chatParams: func(body map[string]interface{}) (*HookResult, error) {
			return Replace(map[string]interface{}{"model": "other"}), nil
		},
	}})

	body := m.ApplyChatParams(context.Background(), &TransformContext{ProviderID: "openai"},
		map[string]interface{}{"model": "gpt-4o", "temperature": 0.5})
	assert.Equal(t, map[string]interface{}{"model": "other"}, body)
}

func TestChatHeadersLaterOverrides(t *testing.T) {
	m := NewManager()
	m.Register(headersPlugin{&fakePlugin{
		id: "first", providers: []string{Wildcard},
		headers: map[string]string{"X-A": "1", "X-Shared": "first"},
	}})
	m.Register(headersPlugin{&fakePlugin{
		id: "broken", providers: []string{Wildcard},
		headersErr: errors.New("boom"),
	}})
	m.Register(headersPlugin{&fakePlugin{
		id: "second", providers: []string{Wildcard},
		headers: map[string]string{"X-Shared": "second"},
	}})

	headers := m.ApplyChatHeaders(context.Background(), &TransformContext{ProviderID: "openai"})
	assert.Equal(t, "1", headers["X-A"])
	assert.Equal(t, "second", headers["X-Shared"])
}

func TestPatchModelIsolation(t *testing.T) {
	m := NewManager()
	m.Register(patchPlugin{&fakePlugin{
		id: "zero-cost", providers: []string{"copilot"},
		patchModel: func(mm *models.ProviderModel) error {
			mm.CostInput = 0
			return nil
		},
	}})
	m.Register(patchPlugin{&fakePlugin{
		id: "panicker", providers: []string{"copilot"},
		patchModel: func(mm *models.ProviderModel) error { panic("nope") },
	}})
	m.Register(patchPlugin{&fakePlugin{
		id: "renamer", providers: []string{"copilot"},
		patchModel: func(mm *models.ProviderModel) error {
			mm.Name = "patched"
			return nil
		},
	}})

	row := models.ProviderModel{ProviderID: "copilot", CostInput: 3.0, Name: "original"}
	m.PatchModel(&row)
	assert.Equal(t, 0.0, row.CostInput)
	assert.Equal(t, "patched", row.Name)
}
